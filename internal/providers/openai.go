package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

// OpenAIProvider talks to the first-party OpenAI API through the official
// SDK. Other OpenAI-compatible endpoints go through CompatProvider.
type OpenAIProvider struct {
	client openai.Client
	models []config.Model
}

// NewOpenAIProvider creates a provider backed by the official OpenAI SDK.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKeyFor(cfg.APIKey, "OPENAI_API_KEY")),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		models: cfg.Models,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *OpenAIProvider) SetModels(models []config.Model) { p.models = models }

func (p *OpenAIProvider) buildParams(req relay.ChatRequest) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		param, err := toChatMessageParam(msg)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, param)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params, nil
}

func toChatMessageParam(msg relay.ChatMessage) (openai.ChatCompletionMessageParamUnion, error) {
	switch strings.ToLower(strings.TrimSpace(msg.Role)) {
	case "system":
		return openai.SystemMessage(msg.Content), nil
	case "user":
		return openai.UserMessage(msg.Content), nil
	case "assistant":
		return openai.AssistantMessage(msg.Content), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %s", msg.Role)
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]

	return &relay.ChatResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		TokensInput:  int(resp.Usage.PromptTokens),
		TokensOutput: int(resp.Usage.CompletionTokens),
		FinishReason: choice.FinishReason,
	}, nil
}

// ChatStream implements relay.StreamProvider via the SDK's SSE stream.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream request: %w", err)
	}

	return relay.NewChatStream(openAIStreamIterator(ctx, stream)), nil
}

func openAIStreamIterator(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) func(func(relay.StreamEvent, error) bool) {
	return func(yield func(relay.StreamEvent, error) bool) {
		defer closeWithLog(stream)

		finishReason := ""
		var usage *relay.Usage

		for stream.Next() {
			if ctx.Err() != nil {
				yield(relay.StreamEvent{}, ctx.Err())
				return
			}

			chunk := stream.Current()

			// Usage rides on a trailing chunk with no choices.
			if chunk.Usage.TotalTokens > 0 {
				usage = &relay.Usage{
					TokensInput:  int(chunk.Usage.PromptTokens),
					TokensOutput: int(chunk.Usage.CompletionTokens),
				}
			}

			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(relay.StreamEvent{
					Type:    relay.StreamEventContent,
					Content: choice.Delta.Content,
				}, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield(relay.StreamEvent{}, fmt.Errorf("openai stream: %w", err))
			return
		}

		if usage != nil {
			if !yield(relay.StreamEvent{Type: relay.StreamEventUsage, Usage: usage}, nil) {
				return
			}
		}
		yield(relay.StreamEvent{Type: relay.StreamEventDone, FinishReason: finishReason}, nil)
	}
}
