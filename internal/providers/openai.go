package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIGenerator adapts github.com/sashabaranov/go-openai's chat
// completion streaming iterator to the Generator contract. Picked over the
// teacher's own openai-go/v2 adapter because go-openai's `Recv()` iterator
// maps directly onto this spec's channel-of-Chunk contract without an
// intermediate event-union type to switch on.
type OpenAIGenerator struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIGenerator builds a generator from config.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &OpenAIGenerator{
		client:       openai.NewClient(cfg.APIKey),
		defaultModel: model,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
	}, nil
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	params := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	}

	go func() {
		defer close(out)

		var stream *openai.ChatCompletionStream
		err := Retry(ctx, g.maxRetries, g.retryDelay, isRetryableOpenAIError, func() error {
			var createErr error
			stream, createErr = g.client.CreateChatCompletionStream(ctx, params)
			return createErr
		})
		if err != nil {
			out <- Chunk{Err: fmt.Errorf("openai: %w", err)}
			return
		}
		defer stream.Close()

		var outputTokens int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("openai: stream error: %w", err)}
				return
			}
			if resp.Usage != nil {
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				select {
				case out <- Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}

		out <- Chunk{Done: true, OutputTokens: outputTokens}
	}()

	return out, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
