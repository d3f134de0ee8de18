package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/aiox-platform/kbchat/internal/nats"
)

var ts = time.Unix(1700000000, 500000000).UTC()

func TestRecordText(t *testing.T) {
	add := Record{Operation: OpAdd, ArticleID: "a1", After: "body"}
	assert.Equal(t, "Added document a1:\nbody", add.Text())

	upd := Record{Operation: OpUpdate, ArticleID: "a1", Before: "old", After: "new"}
	assert.Equal(t, "Updated document a1:\nnew", upd.Text())

	split := Record{Operation: OpSplit, ArticleID: "a1", NewArticleID: "a2", After: "Foo", Second: "Bar"}
	assert.Equal(t, "Split document a1, added a2:\nFoo\n\nBar", split.Text())
}

func TestFileSink_WritesNamedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db_logs")
	sink := NewFileSink(dir)
	ctx := context.Background()

	rec := Record{Operation: OpAdd, ArticleID: "a1", After: "body", Time: ts}
	require.NoError(t, sink.Write(ctx, rec))
	require.NoError(t, sink.Write(ctx, rec))

	data, err := os.ReadFile(filepath.Join(dir, "log_1700000000.500000_add.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Added document a1:\nbody", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "same timestamp must not overwrite")
}

type fakePublisher struct {
	events []inats.AuditEvent
	err    error
}

func (p *fakePublisher) PublishAuditEvent(_ context.Context, e inats.AuditEvent) error {
	p.events = append(p.events, e)
	return p.err
}

func TestWriterSink_PrintsRecord(t *testing.T) {
	var sb strings.Builder
	sink := NewWriterSink(&sb)

	rec := Record{Operation: OpAdd, ArticleID: "a1", After: "body", Time: ts}
	require.NoError(t, sink.Write(context.Background(), rec))
	assert.Equal(t, "[2023-11-14 22:13:20] Added document a1:\nbody\n\n", sb.String())
}

func TestNATSSink_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub)

	rec := Record{Operation: OpSplit, ArticleID: "a1", NewArticleID: "a2", After: "Foo", Second: "Bar", Time: ts}
	require.NoError(t, sink.Write(context.Background(), rec))

	require.Len(t, pub.events, 1)
	assert.Equal(t, "split", pub.events[0].Operation)
	assert.Equal(t, "a2", pub.events[0].NewArticleID)
	assert.Equal(t, rec, fromEvent(pub.events[0]))
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ok := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("nats down")}
	m := MultiSink{NewNATSSink(bad), NewNATSSink(ok)}

	err := m.Write(context.Background(), Record{Operation: OpAdd, ArticleID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
	assert.Len(t, ok.events, 1, "later sinks still receive the record")
}

type fakeMsg struct {
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acked = true; return nil }
func (m *fakeMsg) Nak() error   { m.naked = true; return nil }

type captureSink struct {
	recs []Record
	err  error
}

func (s *captureSink) Write(_ context.Context, r Record) error {
	s.recs = append(s.recs, r)
	return s.err
}

func TestHandleEvent(t *testing.T) {
	data, err := json.Marshal(inats.AuditEvent{Operation: "update", ArticleID: "a1", After: "x", Timestamp: ts})
	require.NoError(t, err)

	sink := &captureSink{}
	msg := &fakeMsg{data: data}
	handleEvent(context.Background(), msg, sink)
	assert.True(t, msg.acked)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, OpUpdate, sink.recs[0].Operation)

	failing := &captureSink{err: errors.New("disk full")}
	msg = &fakeMsg{data: data}
	handleEvent(context.Background(), msg, failing)
	assert.True(t, msg.naked)

	msg = &fakeMsg{data: []byte("not json")}
	handleEvent(context.Background(), msg, sink)
	assert.True(t, msg.acked)
	assert.Len(t, sink.recs, 1)
}

func TestAuditEvent_MsgIDStable(t *testing.T) {
	rec := Record{Operation: OpUpdate, ArticleID: "a1", After: "x", Time: time.Unix(1700000000, 5)}
	assert.Equal(t, rec.toEvent().MsgID(), rec.toEvent().MsgID())
	assert.Equal(t, "update:a1:1700000000000000005", rec.toEvent().MsgID())

	other := rec
	other.Operation = OpSplit
	assert.NotEqual(t, rec.toEvent().MsgID(), other.toEvent().MsgID())
}
