package llm

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeService replays scripted results. Each call consumes one step; the last step
// repeats once the script runs out. streamErr ends every opened stream.
type fakeService struct {
	mu        sync.Mutex
	steps     []func(req Request) (string, error)
	calls     []Request
	streamErr error
}

func (f *fakeService) step(req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i](req)
}

func (f *fakeService) Complete(_ context.Context, req Request) (string, error) {
	return f.step(req)
}

func (f *fakeService) Stream(_ context.Context, req Request) (ChunkReader, error) {
	text, err := f.step(req)
	if err != nil {
		return nil, err
	}
	return &sliceReader{chunks: splitChunks(text), err: f.streamErr}, nil
}

func splitChunks(text string) []string {
	var out []string
	for len(text) > 3 {
		out = append(out, text[:3])
		text = text[3:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

type sliceReader struct {
	chunks []string
	err    error
	closed bool
}

func (r *sliceReader) Next() (string, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return "", r.err
		}
		return "", io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *sliceReader) Close() error {
	r.closed = true
	return nil
}

func fail(err error) func(Request) (string, error) {
	return func(Request) (string, error) { return "", err }
}

func reply(text string) func(Request) (string, error) {
	return func(Request) (string, error) { return text, nil }
}

type captureRecorder struct {
	mu      sync.Mutex
	records [][]Message
	outputs []string
}

func (r *captureRecorder) Record(msgs []Message, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, msgs)
	r.outputs = append(r.outputs, output)
	return nil
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func conversation() []Message {
	return []Message{
		System("sys"),
		User("one"),
		Assistant("two"),
		User("three"),
	}
}

func TestNewBackOff(t *testing.T) {
	b := NewBackOff(5*time.Second, 7)
	want := []time.Duration{5, 10, 20, 40, 80, 160, 320}
	for _, w := range want {
		assert.Equal(t, w*time.Second, b.NextBackOff())
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	assert.Equal(t, backoff.Stop, NewBackOff(time.Second, 0).NextBackOff())
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	transient := errors.New("503")
	svc := &fakeService{steps: []func(Request) (string, error){
		fail(transient), fail(transient), fail(transient), reply("ok"),
	}}
	sl := &sleepLog{}
	rec := &captureRecorder{}
	c := NewClient(svc, WithSleep(sl.sleep), WithRecorder(rec))

	got, err := c.Complete(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sl.delays)
	assert.Len(t, svc.calls, 4)
	require.Len(t, rec.outputs, 1)
	assert.Equal(t, "ok", rec.outputs[0])
}

func TestComplete_ExhaustionIsFatal(t *testing.T) {
	last := errors.New("still down")
	svc := &fakeService{steps: []func(Request) (string, error){fail(last)}}
	sl := &sleepLog{}
	rec := &captureRecorder{}
	c := NewClient(svc, WithSleep(sl.sleep), WithRecorder(rec))

	_, err := c.Complete(context.Background(), conversation(), "gpt-4", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalExhausted))
	assert.True(t, errors.Is(err, last))
	assert.True(t, IsFatal(err))

	var fatal *FatalExhaustedError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, 8, fatal.Attempts)

	assert.Len(t, svc.calls, 8)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 320 * time.Second,
	}, sl.delays)
	assert.Empty(t, rec.outputs)
}

func TestComplete_OverflowTrimsWithoutRetry(t *testing.T) {
	overflowUntil := func(n int) func(Request) (string, error) {
		return func(req Request) (string, error) {
			if len(req.Messages) > n {
				return "", ErrContextOverflow
			}
			return "fits", nil
		}
	}
	svc := &fakeService{steps: []func(Request) (string, error){overflowUntil(2)}}
	sl := &sleepLog{}
	rec := &captureRecorder{}
	c := NewClient(svc, WithSleep(sl.sleep), WithRecorder(rec))

	msgs := conversation()
	res, err := c.CompleteResult(context.Background(), msgs, "gpt-4", 0)
	require.NoError(t, err)
	assert.Equal(t, "fits", res.Text)
	assert.Equal(t, 2, res.Trimmed)
	assert.Empty(t, sl.delays, "trimming must not back off")

	// system survives, oldest turns go first
	assert.Equal(t, []Message{System("sys"), User("three")}, svc.calls[2].Messages)
	assert.Equal(t, conversation(), msgs, "caller slice must not change")
	require.Len(t, rec.records, 1)
	assert.Equal(t, []Message{System("sys"), User("three")}, rec.records[0])
}

func TestComplete_OverflowDoesNotConsumeRetries(t *testing.T) {
	transient := errors.New("503")
	steps := []func(Request) (string, error){}
	for i := 0; i < 7; i++ {
		steps = append(steps, fail(transient))
	}
	steps = append(steps, fail(ErrContextOverflow), reply("late"))

	svc := &fakeService{steps: steps}
	sl := &sleepLog{}
	c := NewClient(svc, WithSleep(sl.sleep))

	res, err := c.CompleteResult(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)
	assert.Equal(t, "late", res.Text)
	assert.Equal(t, 1, res.Trimmed)
	assert.Len(t, sl.delays, 7)
}

func TestComplete_OverflowWithNothingToTrim(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){fail(ErrContextOverflow)}}
	c := NewClient(svc, WithSleep((&sleepLog{}).sleep))

	_, err := c.Complete(context.Background(), []Message{System("huge"), User("q")}, "gpt-4", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextOverflow))
	assert.False(t, IsFatal(err))
	assert.Len(t, svc.calls, 2)
}

func TestComplete_CancelDuringBackoff(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){fail(errors.New("down"))}}
	ctx, cancel := context.WithCancel(context.Background())

	c := NewClient(svc, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Complete(ctx, conversation(), "gpt-4", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsFatal(err))
}

func TestComplete_RealSleepHonorsContext(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){fail(errors.New("down"))}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(svc, WithRetries(3, time.Hour))
	start := time.Now()
	_, err := c.Complete(ctx, conversation(), "gpt-4", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStream_AccumulatesAndRecordsOnce(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){reply("Hello, world")}}
	rec := &captureRecorder{}
	c := NewClient(svc, WithRecorder(rec))

	s, err := c.Stream(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for chunk, err := range s.Chunks() {
		require.NoError(t, err)
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"Hel", "lo,", " wo", "rld"}, got)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after EOF")
	}
	text, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, "Hello, world", s.Text())

	// reading past EOF does not record again
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, rec.outputs, 1)
	assert.Equal(t, "Hello, world", rec.outputs[0])
}

func TestStream_OpenRetriesAndTrims(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){
		fail(errors.New("503")),
		fail(ErrContextOverflow),
		reply("ok"),
	}}
	sl := &sleepLog{}
	c := NewClient(svc, WithSleep(sl.sleep))

	s, err := c.Stream(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.Trimmed())
	assert.Equal(t, []time.Duration{5 * time.Second}, sl.delays)
	assert.True(t, svc.calls[0].Stream)
}

func TestStream_CloseEarly(t *testing.T) {
	svc := &fakeService{steps: []func(Request) (string, error){reply("abcdefghi")}}
	rec := &captureRecorder{}
	c := NewClient(svc, WithRecorder(rec))

	s, err := c.Stream(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "abc", chunk)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	text, err := s.Wait(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, "abc", text)
	assert.Empty(t, rec.outputs)
}

func TestStream_MidStreamError(t *testing.T) {
	broken := errors.New("connection reset")
	reader := &sliceReader{chunks: []string{"par", "tial"}, err: broken}
	s := newStream(reader, 0, nil)

	var seen error
	for _, err := range s.Chunks() {
		if err != nil {
			seen = err
		}
	}
	assert.ErrorIs(t, seen, broken)
	assert.ErrorIs(t, s.Err(), broken)
	assert.Equal(t, "partial", s.Text())
}

func TestStream_FailureAfterOpenIsNotRetried(t *testing.T) {
	broken := errors.New("connection reset")
	svc := &fakeService{steps: []func(Request) (string, error){reply("partial")}, streamErr: broken}
	sl := &sleepLog{}
	c := NewClient(svc, WithSleep(sl.sleep))

	s, err := c.Stream(context.Background(), conversation(), "gpt-4", 0)
	require.NoError(t, err)
	defer s.Close()

	for range s.Chunks() {
	}
	text, err := s.Wait(context.Background())
	assert.ErrorIs(t, err, broken)
	assert.False(t, IsFatal(err))
	assert.Equal(t, "partial", text)
	assert.Len(t, svc.calls, 1)
	assert.Empty(t, sl.delays)
}

func TestDropOldest(t *testing.T) {
	out, ok := DropOldest(conversation())
	require.True(t, ok)
	assert.Equal(t, []Message{System("sys"), Assistant("two"), User("three")}, out)

	_, ok = DropOldest([]Message{System("only")})
	assert.False(t, ok)
}

func TestFileRecorder_WritesYAML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "api_logs")
	r := NewFileRecorder(dir)
	r.now = func() time.Time { return time.Unix(1700000000, 123456000) }

	require.NoError(t, r.Record([]Message{System("s"), User("u")}, "out"))
	require.NoError(t, r.Record([]Message{User("again")}, "out2"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	data, err := os.ReadFile(filepath.Join(dir, "convo_1700000000.123456.yaml"))
	require.NoError(t, err)

	var rec debugRecord
	require.NoError(t, yaml.Unmarshal(data, &rec))
	assert.Equal(t, "out", rec.Output)
	assert.Equal(t, []Message{System("s"), User("u")}, rec.Messages)
}
