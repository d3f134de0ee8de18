package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	inats "github.com/aiox-platform/kbchat/internal/nats"
)

// FileSink writes each record to dir/log_<unix seconds>_<operation>.txt.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating db log dir: %w", err)
	}

	base := fmt.Sprintf("log_%.6f_%s", float64(rec.Time.UnixMicro())/1e6, rec.Operation)
	path := filepath.Join(s.dir, base+".txt")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d.txt", base, i))
	}

	if err := os.WriteFile(path, []byte(rec.Text()), 0o644); err != nil {
		return fmt.Errorf("writing db log: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type eventPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// NATSSink publishes records to the audit subject.
type NATSSink struct {
	pub eventPublisher
}

func NewNATSSink(pub eventPublisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Write(ctx context.Context, rec Record) error {
	return s.pub.PublishAuditEvent(ctx, rec.toEvent())
}

// WriterSink prints records to w, one block per record.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s] %s\n\n", rec.Time.Format("2006-01-02 15:04:05"), rec.Text())
	return err
}
