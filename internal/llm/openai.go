package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIService talks to the chat completions endpoint. The SDK's own retries are
// disabled; Client owns the retry policy.
type OpenAIService struct {
	completions chatCompletions
}

func NewOpenAIService(cfg OpenAIConfig) (*OpenAIService, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}

	client := openai.NewClient(OpenAIOptions(cfg)...)
	return &OpenAIService{completions: &client.Chat.Completions}, nil
}

// OpenAIOptions builds the SDK request options shared by chat and embeddings.
func OpenAIOptions(cfg OpenAIConfig) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return opts
}

func (s *OpenAIService) Complete(ctx context.Context, req Request) (string, error) {
	completion, err := s.completions.New(ctx, buildParams(req))
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// Stream reads the first event before returning so that failures at open time go
// through the caller's retry policy.
func (s *OpenAIService) Stream(ctx context.Context, req Request) (ChunkReader, error) {
	stream := s.completions.NewStreaming(ctx, buildParams(req))
	if stream == nil {
		return nil, errors.New("openai: stream not available")
	}

	r := &openAIChunkReader{stream: stream}
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			_ = stream.Close()
			return nil, classifyOpenAIError(err)
		}
		r.eof = true
		return r, nil
	}
	r.pending = deltaText(stream.Current())
	r.hasPending = true
	return r, nil
}

type openAIChunkReader struct {
	stream     *ssestream.Stream[openai.ChatCompletionChunk]
	pending    string
	hasPending bool
	eof        bool
}

func (r *openAIChunkReader) Next() (string, error) {
	for {
		if r.hasPending {
			r.hasPending = false
			if r.pending != "" {
				return r.pending, nil
			}
		}
		if r.eof {
			return "", io.EOF
		}
		if !r.stream.Next() {
			r.eof = true
			if err := r.stream.Err(); err != nil {
				return "", classifyOpenAIError(err)
			}
			return "", io.EOF
		}
		r.pending = deltaText(r.stream.Current())
		r.hasPending = true
	}
}

func (r *openAIChunkReader) Close() error {
	return r.stream.Close()
}

func deltaText(chunk openai.ChatCompletionChunk) string {
	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String()
}

func buildParams(req Request) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classifyOpenAIError maps a context-length rejection to ErrContextOverflow.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "context_length_exceeded" ||
			strings.Contains(strings.ToLower(apiErr.Message), "maximum context length") {
			return fmt.Errorf("openai: %w: %s", ErrContextOverflow, apiErr.Message)
		}
	}
	return fmt.Errorf("openai: %w", err)
}
