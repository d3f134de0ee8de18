package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
)

// ErrStreamClosed is reported by Err and Wait when Close ran before the stream ended.
var ErrStreamClosed = errors.New("stream closed before completion")

// Stream yields a reply chunk by chunk and doubles as its completion handle: Text holds
// what has arrived so far and Done is closed when the stream has ended for any reason.
//
// Next is not safe for concurrent use. Text, Done, Wait and Err may be called from any
// goroutine.
type Stream struct {
	reader  ChunkReader
	trimmed int
	onEOF   func(text string)

	mu       sync.Mutex
	text     strings.Builder
	err      error
	finished bool
	done     chan struct{}

	closeOnce sync.Once
}

func newStream(reader ChunkReader, trimmed int, onEOF func(string)) *Stream {
	return &Stream{
		reader:  reader,
		trimmed: trimmed,
		onEOF:   onEOF,
		done:    make(chan struct{}),
	}
}

// Next returns the next chunk, or io.EOF once the reply is complete.
func (s *Stream) Next() (string, error) {
	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return "", err
	}
	s.mu.Unlock()

	chunk, err := s.reader.Next()
	if errors.Is(err, io.EOF) {
		text := s.finish(nil)
		if s.onEOF != nil {
			s.onEOF(text)
		}
		return "", io.EOF
	}
	if err != nil {
		s.finish(err)
		return "", err
	}

	s.mu.Lock()
	s.text.WriteString(chunk)
	s.mu.Unlock()
	return chunk, nil
}

// Chunks iterates the remaining chunks. A non-EOF error is yielded once and ends the
// sequence.
func (s *Stream) Chunks() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (s *Stream) finish(err error) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		s.err = err
		close(s.done)
	}
	return s.text.String()
}

// Text returns the text accumulated so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream, nil after a clean EOF.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the stream ends and returns the full text.
func (s *Stream) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.Text(), s.Err()
	case <-ctx.Done():
		return s.Text(), ctx.Err()
	}
}

// Trimmed is the number of oldest non-system messages dropped to open the stream.
func (s *Stream) Trimmed() int { return s.trimmed }

// Close releases the underlying connection. It is safe to call more than once and
// after the stream has ended.
func (s *Stream) Close() error {
	s.finish(ErrStreamClosed)
	var err error
	s.closeOnce.Do(func() { err = s.reader.Close() })
	return err
}
