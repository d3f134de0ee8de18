package conversation

import (
	"slices"
	"strings"
	"sync"
)

const (
	DefaultMainLines      = 5
	DefaultUserUtterances = 3
)

// Snapshot is a point-in-time copy of both scratchpads. Background tasks receive a
// Snapshot so later turns cannot change what they read.
type Snapshot struct {
	Main string
	User string
}

// Scratchpad keeps the last few dialogue lines and the last few user utterances.
type Scratchpad struct {
	mu        sync.Mutex
	mainLines []string
	userLines []string
	mainMax   int
	userMax   int
}

func NewScratchpad(mainMax, userMax int) *Scratchpad {
	if mainMax <= 0 {
		mainMax = DefaultMainLines
	}
	if userMax <= 0 {
		userMax = DefaultUserUtterances
	}
	return &Scratchpad{mainMax: mainMax, userMax: userMax}
}

func (s *Scratchpad) AddUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mainLines = keepLast(append(s.mainLines, "USER: "+text), s.mainMax)
	s.userLines = keepLast(append(s.userLines, text), s.userMax)
}

func (s *Scratchpad) AddAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mainLines = keepLast(append(s.mainLines, "CHATBOT: "+text), s.mainMax)
}

// Main renders the recent dialogue lines separated by blank lines.
func (s *Scratchpad) Main() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(strings.Join(s.mainLines, "\n\n"))
}

// User renders the recent user utterances one per line.
func (s *Scratchpad) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(strings.Join(s.userLines, "\n"))
}

func (s *Scratchpad) Snapshot() Snapshot {
	return Snapshot{Main: s.Main(), User: s.User()}
}

// ScratchpadMark is a saved copy of both scratchpads.
type ScratchpadMark struct {
	mainLines []string
	userLines []string
}

func (s *Scratchpad) Mark() ScratchpadMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScratchpadMark{mainLines: slices.Clone(s.mainLines), userLines: slices.Clone(s.userLines)}
}

// Restore puts back the lines saved by m.
func (s *Scratchpad) Restore(m ScratchpadMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mainLines = slices.Clone(m.mainLines)
	s.userLines = slices.Clone(m.userLines)
}

func keepLast(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	out := make([]string, n)
	copy(out, lines[len(lines)-n:])
	return out
}
