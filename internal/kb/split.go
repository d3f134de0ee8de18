package kb

import (
	"errors"
	"fmt"
	"strings"
)

const (
	firstMarker  = "ARTICLE 1:"
	secondMarker = "ARTICLE 2:"
)

var ErrMalformedSplitOutput = errors.New("malformed split output")

// MalformedSplitError carries the model output that could not be split.
type MalformedSplitError struct {
	Reason string
	Raw    string
}

func (e *MalformedSplitError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMalformedSplitOutput, e.Reason)
}

func (e *MalformedSplitError) Unwrap() error { return ErrMalformedSplitOutput }

// ParseSplit extracts the two articles from a split response. The response must hold
// exactly one "ARTICLE 2:" marker; "ARTICLE 1:" is removed from the first half and
// both halves are trimmed and must be non-empty.
func ParseSplit(raw string) (first, second string, err error) {
	parts := strings.Split(raw, secondMarker)
	switch {
	case len(parts) < 2:
		return "", "", &MalformedSplitError{Reason: "missing " + secondMarker + " marker", Raw: raw}
	case len(parts) > 2:
		return "", "", &MalformedSplitError{Reason: fmt.Sprintf("%d %s markers", len(parts)-1, secondMarker), Raw: raw}
	}

	first = strings.TrimSpace(strings.ReplaceAll(parts[0], firstMarker, ""))
	second = strings.TrimSpace(parts[1])
	if first == "" || second == "" {
		return "", "", &MalformedSplitError{Reason: "empty article", Raw: raw}
	}
	return first, second, nil
}
