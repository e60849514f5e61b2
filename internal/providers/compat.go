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

// CompatProvider speaks the OpenAI Chat Completions wire format. It covers
// OpenRouter, Together, Groq, and any other OpenAI-compatible endpoint.
// The first-party OpenAI integration lives in OpenAIProvider.
type CompatProvider struct {
	name    string
	baseURL string
	apiKey  string
	models  []config.Model
	client  *http.Client
}

type compatRequest struct {
	Model       string          `json:"model"`
	Messages    []compatMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type compatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type compatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      compatMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage compatUsage `json:"usage"`
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// compatChunk is one streamed SSE payload from a Chat Completions endpoint.
// Usage, when present at all, rides on the final chunk.
type compatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *compatUsage `json:"usage,omitempty"`
}

type compatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewCompatProvider creates an OpenAI-compatible provider with the given
// name. BaseURL must point at the API root (the /chat/completions suffix is
// appended here).
func NewCompatProvider(name string, cfg config.ProviderConfig) *CompatProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &CompatProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKeyFor(cfg.APIKey, envKeyForProvider(name)),
		models:  cfg.Models,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *CompatProvider) Name() string { return p.name }

func (p *CompatProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *CompatProvider) SetModels(models []config.Model) { p.models = models }

func (p *CompatProvider) buildRequest(req relay.ChatRequest, stream bool) compatRequest {
	msgs := make([]compatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, compatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, compatMessage{Role: m.Role, Content: m.Content})
	}

	return compatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *CompatProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	body := p.buildRequest(req, false)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		var apiErr compatError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, fmt.Errorf("API error %d: %s (%s)",
			resp.StatusCode, apiErr.Error.Message, apiErr.Error.Type)
	}

	var apiResp compatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := apiResp.Choices[0]

	return &relay.ChatResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		TokensInput:  apiResp.Usage.PromptTokens,
		TokensOutput: apiResp.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
	}, nil
}

// ChatStream implements relay.StreamProvider. The stream ends on the [DONE]
// sentinel; finish_reason arrives on the last delta-carrying chunk, and
// usage on a trailing chunk when the endpoint reports it at all.
func (p *CompatProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s API key is not set", p.name)
	}

	body := p.buildRequest(req, true)

	resp, err := doPostStream(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, body)
	if err != nil {
		return nil, err
	}

	scanner := newSSEScanner(resp.Body)

	iterator := func(yield func(relay.StreamEvent, error) bool) {
		defer closeWithLog(resp.Body)

		finishReason := ""
		var usage *relay.Usage

		for {
			if ctx.Err() != nil {
				yield(relay.StreamEvent{}, ctx.Err())
				return
			}

			payload, sseErr := scanner.Next()
			if sseErr == io.EOF {
				if usage != nil {
					if !yield(relay.StreamEvent{Type: relay.StreamEventUsage, Usage: usage}, nil) {
						return
					}
				}
				yield(relay.StreamEvent{
					Type:         relay.StreamEventDone,
					FinishReason: finishReason,
				}, nil)
				return
			}
			if sseErr != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("sse read: %w", sseErr))
				return
			}

			var chunk compatChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("parse stream chunk: %w", err))
				return
			}

			if chunk.Usage != nil {
				usage = &relay.Usage{
					TokensInput:  chunk.Usage.PromptTokens,
					TokensOutput: chunk.Usage.CompletionTokens,
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
	}

	return relay.NewChatStream(iterator), nil
}
