package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrContextOverflow reports that the request exceeded the model's context window.
	ErrContextOverflow = errors.New("context length exceeded")
	// ErrFatalExhausted reports that every retry attempt failed.
	ErrFatalExhausted = errors.New("completion retries exhausted")
)

// FatalExhaustedError is returned after the final retry fails. The caller decides
// whether to end the process.
type FatalExhaustedError struct {
	Attempts int
	Last     error
}

func (e *FatalExhaustedError) Error() string {
	return fmt.Sprintf("completion failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *FatalExhaustedError) Unwrap() []error {
	return []error{ErrFatalExhausted, e.Last}
}

// IsFatal reports whether err ends the chat session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalExhausted)
}
