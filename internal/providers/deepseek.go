package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-deepseek/deepseek"
	"github.com/go-deepseek/deepseek/request"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

// DeepSeekProvider uses the go-deepseek SDK for synchronous completions.
// Streaming goes over raw SSE against the same endpoint; the wire format is
// OpenAI-compatible and the SDK's request types stop at the sync call.
type DeepSeekProvider struct {
	client  deepseek.Client
	baseURL string
	apiKey  string
	models  []config.Model
	httpc   *http.Client
}

const defaultDeepSeekBaseURL = "https://api.deepseek.com"

// NewDeepSeekProvider creates a DeepSeek provider.
func NewDeepSeekProvider(cfg config.ProviderConfig) (*DeepSeekProvider, error) {
	apiKey := apiKeyFor(cfg.APIKey, "DEEPSEEK_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is not set")
	}

	client, err := deepseek.NewClient(apiKey)
	if err != nil {
		return nil, fmt.Errorf("create deepseek client: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultDeepSeekBaseURL
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &DeepSeekProvider{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		models:  cfg.Models,
		httpc:   &http.Client{Timeout: timeout},
	}, nil
}

func (p *DeepSeekProvider) Name() string { return "deepseek" }

func (p *DeepSeekProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *DeepSeekProvider) SetModels(models []config.Model) { p.models = models }

func (p *DeepSeekProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	// The SDK client is pinned to the public endpoint; custom base URLs go
	// over the wire format directly, same as the streaming path.
	if p.baseURL != defaultDeepSeekBaseURL {
		return p.chatHTTP(ctx, req)
	}

	messages := make([]*request.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, &request.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, &request.Message{Role: msg.Role, Content: msg.Content})
	}

	var temp *float32
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		temp = &t
	}

	chatReq := &request.ChatCompletionsRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
		Stream:      false,
	}

	resp, err := p.client.CallChatCompletionsChat(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("deepseek request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]

	return &relay.ChatResponse{
		Content:      choice.Message.Content,
		Model:        req.Model,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
	}, nil
}

// compatBody builds the Chat Completions request for the raw HTTP paths.
func (p *DeepSeekProvider) compatBody(req relay.ChatRequest, stream bool) compatRequest {
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

// chatHTTP is the synchronous call against a custom endpoint.
func (p *DeepSeekProvider) chatHTTP(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	jsonBody, err := json.Marshal(p.compatBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpc.Do(httpReq)
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
		Model:        req.Model,
		TokensInput:  apiResp.Usage.PromptTokens,
		TokensOutput: apiResp.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
	}, nil
}

// ChatStream implements relay.StreamProvider over DeepSeek's SSE stream,
// which follows the Chat Completions chunk format including [DONE].
func (p *DeepSeekProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	body := p.compatBody(req, true)

	resp, err := doPostStream(ctx, p.httpc, p.baseURL+"/chat/completions", p.apiKey, body)
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
				yield(relay.StreamEvent{Type: relay.StreamEventDone, FinishReason: finishReason}, nil)
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
