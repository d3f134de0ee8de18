package llm

import (
	"context"
	"io"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation sent to the completion service.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	Stream      bool
}

// ChunkReader yields streamed content deltas. Next returns io.EOF after the last chunk.
type ChunkReader interface {
	Next() (string, error)
	io.Closer
}

// Service is the remote completion endpoint. Implementations report context-length
// failures by wrapping ErrContextOverflow.
type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (ChunkReader, error)
}

// Result is a finished non-streaming completion.
type Result struct {
	Text string
	// Trimmed is how many of the oldest non-system messages were dropped to fit the
	// model's context window.
	Trimmed int
}

// CloneMessages returns an independent copy of msgs.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
