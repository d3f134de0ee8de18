// Package tokens estimates how many tokens a chat request costs for a given model.
//
// Counting follows the OpenAI cookbook recipe: every message pays a fixed overhead, a
// named message pays (or refunds) an extra amount, and every reply is primed with three
// tokens. Encodings come from tiktoken with the BPE ranks bundled in the binary, so no
// network access is needed at runtime.
package tokens

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/aiox-platform/kbchat/internal/llm"
)

// FallbackEncoding is used for any model tiktoken does not know.
const FallbackEncoding = "cl100k_base"

const replyPriming = 3

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Encoder counts the tokens of a single string.
type Encoder interface {
	Count(text string) int
}

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Count(text string) int {
	return len(e.tk.Encode(text, nil, nil))
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(string) int

func (f EncoderFunc) Count(text string) int { return f(text) }

// Overheads are the per-message and per-name token costs of a model family.
type Overheads struct {
	PerMessage int
	PerName    int
}

var defaultOverheads = Overheads{PerMessage: 3, PerName: 1}

// OverheadsFor returns the fixed overheads for model.
func OverheadsFor(model string) (Overheads, bool) {
	switch {
	case model == "gpt-3.5-turbo-0301":
		return Overheads{PerMessage: 4, PerName: -1}, true
	case strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "gpt-4"):
		// gpt-4 prefix also covers gpt-4o and gpt-4-turbo
		return defaultOverheads, true
	default:
		return defaultOverheads, false
	}
}

// Estimator caches one encoder per model name. It is safe for concurrent use.
type Estimator struct {
	mu       sync.Mutex
	encoders map[string]Encoder
	lookup   func(model string) (Encoder, error)
	fallback func() (Encoder, error)
	logger   *slog.Logger
}

type Option func(*Estimator)

// WithEncoder makes every model use enc. Used by tests.
func WithEncoder(enc Encoder) Option {
	return func(e *Estimator) {
		e.lookup = func(string) (Encoder, error) { return enc, nil }
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

func New(opts ...Option) *Estimator {
	e := &Estimator{
		encoders: make(map[string]Encoder),
		lookup:   tiktokenForModel,
		fallback: tiktokenFallback,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func tiktokenForModel(model string) (Encoder, error) {
	tk, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return tiktokenEncoder{tk: tk}, nil
}

func tiktokenFallback() (Encoder, error) {
	tk, err := tiktoken.GetEncoding(FallbackEncoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", FallbackEncoding, err)
	}
	return tiktokenEncoder{tk: tk}, nil
}

// encoder returns the cached encoder for model, resolving it on first use. Unknown
// models fall back to cl100k_base and are reported once.
func (e *Estimator) encoder(model string) Encoder {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encoders[model]; ok {
		return enc
	}

	enc, err := e.lookup(model)
	if err != nil {
		e.logger.Warn("tokens: model not found, using fallback encoding",
			"model", model, "encoding", FallbackEncoding, "error", err)
		enc, err = e.fallback()
		if err != nil {
			// bundled ranks are missing; approximate by whitespace words
			e.logger.Error("tokens: fallback encoding unavailable", "error", err)
			enc = EncoderFunc(func(s string) int { return len(strings.Fields(s)) })
		}
	}
	if _, known := OverheadsFor(model); !known {
		e.logger.Warn("tokens: no overheads for model, using gpt-4 values", "model", model)
	}
	e.encoders[model] = enc
	return enc
}

// CountText returns the token count of a single string.
func (e *Estimator) CountText(text, model string) int {
	return e.encoder(model).Count(text)
}

// CountMessages returns the estimated prompt cost of msgs, including the reply priming.
func (e *Estimator) CountMessages(msgs []llm.Message, model string) int {
	enc := e.encoder(model)
	oh, _ := OverheadsFor(model)

	total := 0
	for _, m := range msgs {
		total += oh.PerMessage
		total += enc.Count(string(m.Role))
		total += enc.Count(m.Content)
		if m.Name != "" {
			total += enc.Count(m.Name)
			total += oh.PerName
		}
	}
	return total + replyPriming
}
