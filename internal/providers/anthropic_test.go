package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

func TestNewAnthropicProvider(t *testing.T) {
	cfg := config.ProviderConfig{
		BaseURL: "https://api.anthropic.com",
		APIKey:  "test-key",
		Models: []config.Model{
			{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5"},
		},
	}

	p := NewAnthropicProvider(cfg)

	if p.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got '%s'", p.Name())
	}
	if len(p.Models()) != 1 {
		t.Errorf("expected 1 model, got %d", len(p.Models()))
	}
	if p.apiKey != "test-key" {
		t.Errorf("expected API key 'test-key', got %s", p.apiKey)
	}
}

func TestAnthropicChatSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected path /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("expected x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header")
		}

		var reqBody anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if reqBody.Model != "claude-sonnet-4-5" {
			t.Errorf("expected model claude-sonnet-4-5, got %s", reqBody.Model)
		}
		if reqBody.MaxTokens == 0 {
			t.Error("expected MaxTokens to be set")
		}
		if reqBody.Stream {
			t.Error("expected stream=false for sync chat")
		}

		resp := anthropicResponse{
			ID:   "msg_123",
			Type: "message",
			Role: "assistant",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{
				{Type: "text", Text: "Hello! How can I help?"},
			},
			Model:      "claude-sonnet-4-5",
			StopReason: "end_turn",
		}
		resp.Usage.InputTokens = 100
		resp.Usage.OutputTokens = 25

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{BaseURL: server.URL, APIKey: "test-key"})

	resp, err := p.Chat(context.Background(), relay.ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relay.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello! How can I help?" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.TokensInput != 100 {
		t.Errorf("expected 100 input tokens, got %d", resp.TokensInput)
	}
	if resp.TokensOutput != 25 {
		t.Errorf("expected 25 output tokens, got %d", resp.TokensOutput)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("expected finish reason end_turn, got %s", resp.FinishReason)
	}
}

func TestAnthropicChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`)) //nolint:errcheck
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{BaseURL: server.URL, APIKey: "test-key"})

	_, err := p.Chat(context.Background(), relay.ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relay.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "invalid_request_error") {
		t.Errorf("expected error type in message, got %v", err)
	}
}

const anthropicStreamFixture = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if !reqBody.Stream {
			t.Error("expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthropicStreamFixture)) //nolint:errcheck
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{BaseURL: server.URL, APIKey: "test-key"})

	stream, err := p.ChatStream(context.Background(), relay.ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relay.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("expected content 'Hello', got %q", resp.Content)
	}
	if resp.TokensInput != 12 {
		t.Errorf("expected 12 input tokens, got %d", resp.TokensInput)
	}
	if resp.TokensOutput != 5 {
		t.Errorf("expected 5 output tokens, got %d", resp.TokensOutput)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("expected finish reason end_turn, got %q", resp.FinishReason)
	}
}

func TestAnthropicChatStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")) //nolint:errcheck
	}))
	defer server.Close()

	p := NewAnthropicProvider(config.ProviderConfig{BaseURL: server.URL, APIKey: "test-key"})

	stream, err := p.ChatStream(context.Background(), relay.ChatRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []relay.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = stream.Collect()
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	if !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("expected upstream message in error, got %v", err)
	}
}

func TestAnthropicNoKey(t *testing.T) {
	p := NewAnthropicProvider(config.ProviderConfig{BaseURL: "http://localhost:0"})
	p.apiKey = ""

	// Both paths fail fast instead of sending an unauthenticated request.
	if _, err := p.Chat(context.Background(), relay.ChatRequest{Model: "claude-sonnet-4-5"}); err == nil {
		t.Fatal("expected error from Chat without API key")
	}
	if _, err := p.ChatStream(context.Background(), relay.ChatRequest{Model: "claude-sonnet-4-5"}); err == nil {
		t.Fatal("expected error from ChatStream without API key")
	}
}
