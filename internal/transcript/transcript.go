// Package transcript keeps a write-only log of every chat message.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aiox-platform/kbchat/internal/llm"
)

// Entry is one logged message.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder receives each user and assistant message as it happens.
type Recorder interface {
	Record(ctx context.Context, role llm.Role, text string) error
}

// FileRecorder writes each message to dir/chat_<unix seconds>_<speaker>.txt, where
// speaker is "user" or "chatbot".
type FileRecorder struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewFileRecorder(dir string) *FileRecorder {
	return &FileRecorder{dir: dir, now: time.Now}
}

func speaker(role llm.Role) string {
	if role == llm.RoleAssistant {
		return "chatbot"
	}
	return string(role)
}

func (r *FileRecorder) Record(_ context.Context, role llm.Role, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating chat log dir: %w", err)
	}

	base := fmt.Sprintf("chat_%.6f_%s", float64(r.now().UnixMicro())/1e6, speaker(role))
	path := filepath.Join(r.dir, base+".txt")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		path = filepath.Join(r.dir, fmt.Sprintf("%s_%d.txt", base, i))
	}

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing chat log: %w", err)
	}
	return nil
}

// Multi records to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, role llm.Role, text string) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, role, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
