package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/models"
)

// Completion is the result of a non-streaming call.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is one LLM backend. The gateway owns retry, fallback, and
// admission; a provider does exactly one call.
type Provider interface {
	// Complete performs a blocking completion.
	Complete(ctx context.Context, model string, messages []models.ChatMessage) (*Completion, error)

	// Stream performs a streaming completion. The returned channel carries
	// text chunks, a final usage chunk, and is closed when the stream ends.
	// Mid-stream failures arrive as an ErrorChunk before close.
	Stream(ctx context.Context, model string, messages []models.ChatMessage) (<-chan Chunk, error)
}

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider builds a provider from config. The API key is read from
// the configured environment variable.
func NewOpenAIProvider(cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key: environment variable %s is not set", cfg.APIKeyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}, nil
}

// Complete performs a blocking completion.
func (p *OpenAIProvider) Complete(ctx context.Context, model string, messages []models.ChatMessage) (*Completion, error) {
	resp, err := p.client.Chat.Completions.New(ctx, chatParams(model, messages))
	if err != nil {
		return nil, translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{StatusCode: 502, Message: "empty response", Retriable: true}
	}
	return &Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}, nil
}

// Stream performs a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, model string, messages []models.ChatMessage) (<-chan Chunk, error) {
	params := chatParams(model, messages)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, translateError(err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		var usage *UsageChunk
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case out <- &TextChunk{Content: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = &UsageChunk{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
		}
		if err := stream.Err(); err != nil {
			var perr *ProviderError
			if !errors.As(translateError(err), &perr) {
				perr = &ProviderError{StatusCode: 0, Message: err.Error(), Retriable: true}
			}
			select {
			case out <- &ErrorChunk{Err: perr}:
			case <-ctx.Done():
			}
			return
		}
		if usage != nil {
			select {
			case out <- usage:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func chatParams(model string, messages []models.ChatMessage) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		case models.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(msg.Content))
		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: converted,
	}
}

// translateError maps SDK errors onto the gateway's retry taxonomy.
// Transport-level failures (connection resets, timeouts) are retriable.
func translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		retriable, policy := classifyStatus(apiErr.StatusCode)
		return &ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Retriable:  retriable,
			Policy:     policy,
			RetryAfter: retryAfterFrom(apiErr.Response),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{StatusCode: 0, Message: err.Error(), Retriable: true}
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
