package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

func postChat(t *testing.T, s *Server, req ChatRequest) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest("POST", "/api/chat", bytes.NewReader(data))
	w := httptest.NewRecorder()
	s.handleChat(w, httpReq)
	return w
}

func userMessages(content string) []relay.ChatMessage {
	return []relay.ChatMessage{{Role: "user", Content: content}}
}

func TestHandleChatMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/chat", nil)
	w := httptest.NewRecorder()
	s.handleChat(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleChatInvalidBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleChatValidation(t *testing.T) {
	s := newTestServer(t, &fakeProvider{name: "openai"})

	tests := []struct {
		name string
		req  ChatRequest
	}{
		{"missing provider", ChatRequest{Model: "gpt-4o", Messages: userMessages("hi")}},
		{"missing model", ChatRequest{Provider: "openai", Messages: userMessages("hi")}},
		{"no messages", ChatRequest{Provider: "openai", Model: "gpt-4o"}},
		{"bad role", ChatRequest{Provider: "openai", Model: "gpt-4o", Messages: []relay.ChatMessage{{Role: "tool", Content: "x"}}}},
		{"empty content", ChatRequest{Provider: "openai", Model: "gpt-4o", Messages: []relay.ChatMessage{{Role: "user", Content: ""}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, s, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleChatUnknownProvider(t *testing.T) {
	s := newTestServer(t, &fakeProvider{name: "openai"})

	w := postChat(t, s, ChatRequest{
		Provider: "nonexistent",
		Model:    "gpt-4o",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleChatUnknownModel(t *testing.T) {
	s := newTestServer(t, &fakeProvider{
		name:   "openai",
		models: []config.Model{{ID: "gpt-4o"}},
	})

	w := postChat(t, s, ChatRequest{
		Provider: "openai",
		Model:    "gpt-99",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleChatStreamed(t *testing.T) {
	s := newTestServer(t, &fakeStreamProvider{
		fakeProvider: fakeProvider{name: "anthropic"},
		events: []relay.StreamEvent{
			{Type: relay.StreamEventContent, Content: "Hel"},
			{Type: relay.StreamEventContent, Content: "lo"},
			{Type: relay.StreamEventUsage, Usage: &relay.Usage{TokensInput: 10, TokensOutput: 2}},
			{Type: relay.StreamEventDone, FinishReason: "end_turn"},
		},
	})

	w := postChat(t, s, ChatRequest{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("expected text/plain content type, got %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("expected no-cache, got %q", cc)
	}
	if w.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("expected X-Accel-Buffering: no")
	}
	if !w.Flushed {
		t.Error("expected response to be flushed")
	}

	// The body is the raw concatenated deltas, no framing.
	if w.Body.String() != "Hello" {
		t.Errorf("expected body 'Hello', got %q", w.Body.String())
	}

	usage := s.registry.Usage()["anthropic/claude-sonnet-4-5"]
	if usage.TotalRequests != 1 {
		t.Errorf("expected usage tracked, got %+v", usage)
	}
	if usage.TotalTokensIn != 10 || usage.TotalTokensOut != 2 {
		t.Errorf("unexpected token counters: %+v", usage)
	}
}

func TestHandleChatStreamDefaultsOn(t *testing.T) {
	// Without an explicit stream flag the response is a byte stream, not JSON.
	s := newTestServer(t, &fakeStreamProvider{
		fakeProvider: fakeProvider{name: "anthropic"},
		events: []relay.StreamEvent{
			{Type: relay.StreamEventContent, Content: "x"},
			{Type: relay.StreamEventDone},
		},
	})

	w := postChat(t, s, ChatRequest{
		Provider: "anthropic",
		Model:    "m",
		Messages: userMessages("hi"),
	})

	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("expected streaming content type by default, got %q", ct)
	}
}

func TestHandleChatStreamOpenError(t *testing.T) {
	s := newTestServer(t, &fakeStreamProvider{
		fakeProvider: fakeProvider{name: "anthropic"},
		openErr:      fmt.Errorf("upstream down"),
	})

	w := postChat(t, s, ChatRequest{
		Provider: "anthropic",
		Model:    "m",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for pre-stream failure, got %d", w.Code)
	}
}

func TestHandleChatStreamMidFlightError(t *testing.T) {
	// An error after bytes have gone out can only truncate the stream.
	s := newTestServer(t, &fakeStreamProvider{
		fakeProvider: fakeProvider{name: "anthropic"},
		events: []relay.StreamEvent{
			{Type: relay.StreamEventContent, Content: "partial"},
		},
		streamErr: fmt.Errorf("connection reset"),
	})

	w := postChat(t, s, ChatRequest{
		Provider: "anthropic",
		Model:    "m",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 (already committed), got %d", w.Code)
	}
	if w.Body.String() != "partial" {
		t.Errorf("expected partial body, got %q", w.Body.String())
	}
}

func TestHandleChatStreamFallbackProvider(t *testing.T) {
	// Providers without native streaming still satisfy the byte-stream
	// contract via a single buffered flush.
	s := newTestServer(t, &fakeProvider{
		name: "sync-only",
		resp: &relay.ChatResponse{Content: "whole answer", TokensInput: 5, TokensOutput: 2},
	})

	w := postChat(t, s, ChatRequest{
		Provider: "sync-only",
		Model:    "m",
		Messages: userMessages("hi"),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "whole answer" {
		t.Errorf("expected full content, got %q", w.Body.String())
	}

	usage := s.registry.Usage()["sync-only/m"]
	if usage.TotalRequests != 1 {
		t.Errorf("expected usage tracked for fallback path, got %+v", usage)
	}
}

func TestHandleChatBuffered(t *testing.T) {
	streamOff := false
	s := newTestServer(t, &fakeProvider{
		name: "openai",
		resp: &relay.ChatResponse{
			Content:      "buffered answer",
			Model:        "gpt-4o",
			TokensInput:  8,
			TokensOutput: 3,
			FinishReason: "stop",
		},
	})

	w := postChat(t, s, ChatRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: userMessages("hi"),
		Stream:   &streamOff,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var resp ChatResponseJSON
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Content != "buffered answer" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.TokensInput != 8 || resp.TokensOutput != 3 {
		t.Errorf("unexpected usage: in=%d out=%d", resp.TokensInput, resp.TokensOutput)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %s", resp.FinishReason)
	}
}

func TestHandleChatBufferedUpstreamError(t *testing.T) {
	streamOff := false
	s := newTestServer(t, &fakeProvider{
		name: "openai",
		err:  fmt.Errorf("upstream exploded"),
	})

	w := postChat(t, s, ChatRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: userMessages("hi"),
		Stream:   &streamOff,
	})

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	// Upstream details stay in the logs, not the response.
	if strings.Contains(body["error"], "exploded") {
		t.Errorf("expected sanitized error, got %q", body["error"])
	}
}
