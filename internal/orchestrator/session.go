package orchestrator

import (
	"github.com/aiox-platform/kbchat/internal/conversation"
)

// Session is the state of one console conversation. It is owned by the goroutine
// running turns; background tasks only ever see Scratchpad snapshots.
type Session struct {
	Window     *conversation.Window
	Scratchpad *conversation.Scratchpad
	turns      int
}

func NewSession(window *conversation.Window, scratchpad *conversation.Scratchpad) *Session {
	return &Session{Window: window, Scratchpad: scratchpad}
}

// Turns is the number of completed turns.
func (s *Session) Turns() int { return s.turns }
