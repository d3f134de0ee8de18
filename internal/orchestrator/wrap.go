package orchestrator

import (
	"io"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// DefaultWidth is the column at which streamed replies are wrapped.
const DefaultWidth = 120

// WrapWriter word-wraps text written to it in arbitrary fragments. Words are held
// until the following whitespace so that a line break is never placed inside one.
// Call Flush after the last write.
type WrapWriter struct {
	w       io.Writer
	width   int
	col     int
	spaces  int
	wrapped bool
	word    strings.Builder
	partial []byte
	err     error
}

func NewWrapWriter(w io.Writer, width int) *WrapWriter {
	return &WrapWriter{w: w, width: width}
}

func (ww *WrapWriter) Write(p []byte) (int, error) {
	if ww.err != nil {
		return 0, ww.err
	}
	if ww.width <= 0 {
		return ww.w.Write(p)
	}

	buf := p
	if len(ww.partial) > 0 {
		buf = append(ww.partial, p...)
		ww.partial = nil
	}

	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			ww.partial = append([]byte(nil), buf...)
			break
		}
		r, size := utf8.DecodeRune(buf)
		buf = buf[size:]

		switch r {
		case '\n':
			ww.flushWord()
			ww.emit("\n")
			ww.col, ww.spaces, ww.wrapped = 0, 0, false
		case ' ', '\t':
			ww.flushWord()
			ww.spaces++
		default:
			ww.word.WriteRune(r)
		}
	}
	return len(p), ww.err
}

// Flush writes any buffered word. Trailing spaces are dropped.
func (ww *WrapWriter) Flush() error {
	if ww.width <= 0 {
		return ww.err
	}
	if len(ww.partial) > 0 {
		ww.word.Write(ww.partial)
		ww.partial = nil
	}
	ww.flushWord()
	ww.spaces = 0
	return ww.err
}

func (ww *WrapWriter) flushWord() {
	if ww.word.Len() == 0 {
		return
	}
	word := ww.word.String()
	ww.word.Reset()
	width := ansi.StringWidth(word)

	switch {
	case ww.col > 0 && ww.col+ww.spaces+width > ww.width:
		ww.emit("\n")
		ww.col = 0
		ww.wrapped = true
	case ww.spaces > 0 && (ww.col > 0 || !ww.wrapped):
		// indentation after an explicit newline is kept
		ww.emit(strings.Repeat(" ", ww.spaces))
		ww.col += ww.spaces
	}
	ww.spaces = 0

	ww.emit(word)
	ww.col += width
}

func (ww *WrapWriter) emit(s string) {
	if ww.err != nil {
		return
	}
	_, ww.err = io.WriteString(ww.w, s)
}
