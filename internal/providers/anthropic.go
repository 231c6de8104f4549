package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicConfig configures an AnthropicGenerator.
type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicGenerator adapts the Anthropic Messages API to the Generator
// contract, following the retry-then-stream shape of the teacher's
// AnthropicProvider.Complete.
type AnthropicGenerator struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicGenerator builds a generator from config. APIKey is read once
// here and never logged, matching the teacher's credential handling.
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &AnthropicGenerator{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		defaultModel: model,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
	}, nil
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

// Stream issues a Messages.NewStreaming call and translates the resulting
// SSE event stream into Chunks, closing the channel when the stream ends,
// errors, or the context is cancelled — the three terminal cases the
// executor's event sequencing (spec §4.8) requires.
func (g *AnthropicGenerator) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := Retry(ctx, g.maxRetries, g.retryDelay, isRetryableAnthropicError, func() error {
			stream = g.client.Messages.NewStreaming(ctx, params)
			return stream.Err()
		})
		if err != nil {
			out <- Chunk{Err: fmt.Errorf("anthropic: %w", err)}
			return
		}

		var inputTokens, outputTokens int
		for stream.Next() {
			event := stream.Current()
			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := delta.Delta.Text; text != "" {
					select {
					case out <- Chunk{Text: text}:
					case <-ctx.Done():
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				outputTokens = int(delta.Usage.OutputTokens)
			case anthropic.MessageStartEvent:
				inputTokens = int(delta.Message.Usage.InputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("anthropic: stream error: %w", err)}
			return
		}

		out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()

	return out, nil
}

// isRetryableAnthropicError matches the teacher's classification of
// rate-limit and server errors as retryable, everything else as terminal.
func isRetryableAnthropicError(err error) bool {
	var apiErr *anthropic.Error
	if err == nil {
		return false
	}
	if asAnthropicError(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	apiErr, ok := err.(*anthropic.Error)
	if ok {
		*target = apiErr
	}
	return ok
}
