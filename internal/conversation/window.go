// Package conversation holds the live dialogue: the token-bounded message window sent
// to the model and the scratchpads handed to memory consolidation.
package conversation

import (
	"slices"
	"sync"

	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/metrics"
)

// DefaultTokenThreshold is the estimated cost at which the oldest turn is evicted.
const DefaultTokenThreshold = 12000

// Estimator prices a message list for a model.
type Estimator interface {
	CountMessages(msgs []llm.Message, model string) int
}

// Window is a system message followed by dialogue turns. After each Append it evicts
// the oldest turn when the estimated cost reaches the threshold. The system message is
// never evicted.
type Window struct {
	mu        sync.Mutex
	system    string
	turns     []llm.Message
	estimator Estimator
	model     string
	threshold int
}

func NewWindow(systemContent string, estimator Estimator, model string, threshold int) *Window {
	if threshold <= 0 {
		threshold = DefaultTokenThreshold
	}
	return &Window{
		system:    systemContent,
		estimator: estimator,
		model:     model,
		threshold: threshold,
	}
}

// SetSystem rewrites the system message.
func (w *Window) SetSystem(content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.system = content
}

// Append adds a turn and reports whether the oldest turn was evicted to stay under
// the threshold. At most one turn is evicted per call.
func (w *Window) Append(role llm.Role, content string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns = append(w.turns, llm.Message{Role: role, Content: content})
	if w.estimator.CountMessages(w.messagesLocked(), w.model) < w.threshold {
		return false
	}
	return w.dropOldestLocked()
}

// DropOldest evicts the oldest turn. It reports false when there is none.
func (w *Window) DropOldest() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropOldestLocked()
}

func (w *Window) dropOldestLocked() bool {
	if len(w.turns) == 0 {
		return false
	}
	w.turns[0] = llm.Message{}
	w.turns = w.turns[1:]
	metrics.WindowEvictionsTotal.Inc()
	return true
}

// WindowMark is a saved set of dialogue turns.
type WindowMark struct {
	turns []llm.Message
}

// Mark saves the current turns so a failed exchange can be undone with Restore.
func (w *Window) Mark() WindowMark {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowMark{turns: slices.Clone(w.turns)}
}

// Restore puts back the turns saved by m, including any evicted since. The system
// message is left as it is.
func (w *Window) Restore(m WindowMark) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = slices.Clone(m.turns)
}

// Messages returns a copy of the window, system message first.
func (w *Window) Messages() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.messagesLocked()
}

func (w *Window) messagesLocked() []llm.Message {
	out := make([]llm.Message, 0, len(w.turns)+1)
	out = append(out, llm.System(w.system))
	return append(out, w.turns...)
}

// Len counts messages including the system message.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns) + 1
}

// Estimate returns the current estimated cost of the window.
func (w *Window) Estimate() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.estimator.CountMessages(w.messagesLocked(), w.model)
}
