package providers

import (
	"bufio"
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

// OllamaProvider translates chat requests for a local Ollama instance.
// Ollama streams newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	baseURL string
	models  []config.Model
	client  *http.Client
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`
	// Metrics
	TotalDuration   int64 `json:"total_duration"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount       int   `json:"eval_count"`
}

// NewOllamaProvider creates a provider for local Ollama inference.
func NewOllamaProvider(cfg config.ProviderConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := 300 * time.Second // local inference can be slow
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &OllamaProvider{
		baseURL: baseURL,
		models:  cfg.Models,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *OllamaProvider) SetModels(models []config.Model) { p.models = models }

func (p *OllamaProvider) buildRequest(req relay.ChatRequest, stream bool) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	return ollamaChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	body := p.buildRequest(req, false)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	finish := apiResp.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &relay.ChatResponse{
		Content:      apiResp.Message.Content,
		Model:        apiResp.Model,
		TokensInput:  apiResp.PromptEvalCount,
		TokensOutput: apiResp.EvalCount,
		FinishReason: finish,
	}, nil
}

// ChatStream implements relay.StreamProvider over Ollama's NDJSON stream:
// one JSON object per line, the final one marked done:true and carrying
// eval counts.
func (p *OllamaProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	body := p.buildRequest(req, true)

	resp, err := doPostStream(ctx, p.client, p.baseURL+"/api/chat", "", body)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	iterator := func(yield func(relay.StreamEvent, error) bool) {
		defer closeWithLog(resp.Body)

		for scanner.Scan() {
			if ctx.Err() != nil {
				yield(relay.StreamEvent{}, ctx.Err())
				return
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("parse stream line: %w", err))
				return
			}

			if chunk.Message.Content != "" {
				if !yield(relay.StreamEvent{
					Type:    relay.StreamEventContent,
					Content: chunk.Message.Content,
				}, nil) {
					return
				}
			}

			if chunk.Done {
				if !yield(relay.StreamEvent{
					Type: relay.StreamEventUsage,
					Usage: &relay.Usage{
						TokensInput:  chunk.PromptEvalCount,
						TokensOutput: chunk.EvalCount,
					},
				}, nil) {
					return
				}
				finish := chunk.DoneReason
				if finish == "" {
					finish = "stop"
				}
				yield(relay.StreamEvent{
					Type:         relay.StreamEventDone,
					FinishReason: finish,
				}, nil)
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(relay.StreamEvent{}, fmt.Errorf("read stream: %w", err))
			return
		}
		// Upstream closed without a done marker.
		yield(relay.StreamEvent{Type: relay.StreamEventDone}, nil)
	}

	return relay.NewChatStream(iterator), nil
}
