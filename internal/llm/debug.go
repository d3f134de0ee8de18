package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DebugRecorder keeps a copy of every successful exchange.
type DebugRecorder interface {
	Record(messages []Message, output string) error
}

type NopRecorder struct{}

func (NopRecorder) Record([]Message, string) error { return nil }

type debugRecord struct {
	Time     time.Time `yaml:"time"`
	Messages []Message `yaml:"messages"`
	Output   string    `yaml:"output"`
}

// FileRecorder writes one YAML file per exchange, named convo_<unix seconds>.yaml with
// microsecond precision.
type FileRecorder struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	last string
}

func NewFileRecorder(dir string) *FileRecorder {
	return &FileRecorder{dir: dir, now: time.Now}
}

func (r *FileRecorder) Record(messages []Message, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating api log dir: %w", err)
	}

	now := r.now()
	data, err := yaml.Marshal(debugRecord{Time: now, Messages: messages, Output: output})
	if err != nil {
		return fmt.Errorf("encoding api log: %w", err)
	}

	name := fmt.Sprintf("convo_%.6f.yaml", float64(now.UnixMicro())/1e6)
	if name == r.last {
		name = fmt.Sprintf("convo_%.6f_%d.yaml", float64(now.UnixMicro())/1e6, now.Nanosecond())
	}
	r.last = name

	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing api log: %w", err)
	}
	return nil
}
