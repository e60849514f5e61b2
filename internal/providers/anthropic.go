package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

// AnthropicProvider translates chat requests for Anthropic's Messages API.
type AnthropicProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []config.Model
	client  *http.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent is the envelope for every SSE event in the Messages
// API stream: message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop, ping, error.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const anthropicVersion = "2023-06-01"

// NewAnthropicProvider creates a provider for Anthropic's API.
func NewAnthropicProvider(cfg config.ProviderConfig) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &AnthropicProvider{
		baseURL: baseURL,
		apiKey:  apiKeyFor(cfg.APIKey, "ANTHROPIC_API_KEY"),
		models:  cfg.Models,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "anthropic"
}

// SetName overrides the default provider name (for multiple
// Anthropic-compatible endpoints).
func (p *AnthropicProvider) SetName(name string) { p.name = name }

func (p *AnthropicProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *AnthropicProvider) SetModels(models []config.Model) { p.models = models }

func (p *AnthropicProvider) buildRequest(req relay.ChatRequest, stream bool) anthropicRequest {
	msgs := make([]anthropicMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = anthropicMessage{Role: m.Role, Content: m.Content}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  msgs,
		Stream:    stream,
	}
}

func (p *AnthropicProvider) headers() []headerOption {
	return []headerOption{
		{Key: "x-api-key", Value: p.apiKey},
		{Key: "anthropic-version", Value: anthropicVersion},
	}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is not set")
	}

	body := p.buildRequest(req, false)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != 200 {
		var apiErr anthropicError
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			return nil, fmt.Errorf("API error %d (failed to parse error body: %w)", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("API error %d: %s - %s",
			resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	content := ""
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &relay.ChatResponse{
		Content:      content,
		Model:        apiResp.Model,
		TokensInput:  apiResp.Usage.InputTokens,
		TokensOutput: apiResp.Usage.OutputTokens,
		FinishReason: apiResp.StopReason,
	}, nil
}

// ChatStream implements relay.StreamProvider over the Messages API SSE
// lifecycle:
//
//	message_start → content_block_start → content_block_delta(s) →
//	content_block_stop → message_delta → message_stop
func (p *AnthropicProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is not set")
	}

	body := p.buildRequest(req, true)

	// Empty apiKey arg: Anthropic authenticates via x-api-key, not Bearer.
	resp, err := doPostStream(ctx, p.client, p.baseURL+"/v1/messages", "", body, p.headers()...)
	if err != nil {
		return nil, err
	}

	scanner := newSSEScanner(resp.Body)

	iterator := func(yield func(relay.StreamEvent, error) bool) {
		defer closeWithLog(resp.Body)

		// Input tokens arrive on message_start, output tokens on
		// message_delta; they are combined into one usage event.
		inputTokens := 0
		finishReason := ""

		for {
			if ctx.Err() != nil {
				yield(relay.StreamEvent{}, ctx.Err())
				return
			}

			payload, sseErr := scanner.Next()
			if sseErr == io.EOF {
				// message_stop already emitted the done event.
				return
			}
			if sseErr != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("sse read: %w", sseErr))
				return
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("parse stream event: %w", err))
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !yield(relay.StreamEvent{
						Type:    relay.StreamEventContent,
						Content: event.Delta.Text,
					}, nil) {
						return
					}
				}

			case "message_delta":
				outputTokens := 0
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
				if event.Delta != nil && event.Delta.StopReason != "" {
					finishReason = event.Delta.StopReason
				}
				if !yield(relay.StreamEvent{
					Type:  relay.StreamEventUsage,
					Usage: &relay.Usage{TokensInput: inputTokens, TokensOutput: outputTokens},
				}, nil) {
					return
				}

			case "message_stop":
				yield(relay.StreamEvent{
					Type:         relay.StreamEventDone,
					FinishReason: finishReason,
				}, nil)
				return

			case "error":
				msg := "unknown stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				yield(relay.StreamEvent{}, fmt.Errorf("anthropic stream error: %s", msg))
				return

			case "content_block_start", "content_block_stop", "ping":
				// No payload to forward.

			default:
				// Unknown event types are skipped for forward compatibility.
			}
		}
	}

	return relay.NewChatStream(iterator), nil
}
