package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ErrEmptyInput is returned for input that is blank once cleaned.
var ErrEmptyInput = errors.New("empty input")

// InputTooLongError rejects input that could not fit in the conversation window on
// its own.
type InputTooLongError struct {
	Tokens int
	Max    int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("input is %d tokens, limit is %d", e.Tokens, e.Max)
}

// TextCounter prices a single string for a model.
type TextCounter interface {
	CountText(text, model string) int
}

// Validator cleans console input before it enters the conversation.
type Validator struct {
	counter   TextCounter
	model     string
	maxTokens int
}

// NewValidator creates a Validator. maxTokens <= 0 disables the length check.
func NewValidator(counter TextCounter, model string, maxTokens int) *Validator {
	return &Validator{counter: counter, model: model, maxTokens: maxTokens}
}

// Clean strips terminal escape sequences and surrounding whitespace and checks the
// result against the token limit.
func (v *Validator) Clean(input string) (string, error) {
	text := strings.TrimSpace(ansi.Strip(input))
	if text == "" {
		return "", ErrEmptyInput
	}
	if v.maxTokens > 0 && v.counter != nil {
		if n := v.counter.CountText(text, v.model); n > v.maxTokens {
			return "", &InputTooLongError{Tokens: n, Max: v.maxTokens}
		}
	}
	return text, nil
}
