package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/relay"
)

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	Provider    string              `json:"provider"`
	Model       string              `json:"model"`
	Messages    []relay.ChatMessage `json:"messages"`
	System      string              `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	// Stream defaults to true; set false for a buffered JSON response.
	Stream *bool `json:"stream,omitempty"`
}

// ChatResponseJSON is the buffered response for stream=false requests.
type ChatResponseJSON struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
	FinishReason string `json:"finish_reason,omitempty"`
}

func validRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system", "user", "assistant":
		return true
	}
	return false
}

func (req *ChatRequest) validate() string {
	if req.Provider == "" {
		return "provider is required"
	}
	if req.Model == "" {
		return "model is required"
	}
	if len(req.Messages) == 0 {
		return "messages must not be empty"
	}
	for i, msg := range req.Messages {
		if !validRole(msg.Role) {
			return "invalid role in messages[" + strconv.Itoa(i) + "]: " + msg.Role
		}
		if msg.Content == "" {
			return "empty content in messages[" + strconv.Itoa(i) + "]"
		}
	}
	return ""
}

// handleChat handles POST /api/chat: forwards one conversation to the named
// provider and relays the answer, streamed by default.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	provider, err := s.registry.Lookup(req.Provider, req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	relayReq := relay.ChatRequest{
		Model:        req.Model,
		SystemPrompt: req.System,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	if req.Stream != nil && !*req.Stream {
		s.chatBuffered(w, r, provider, req, relayReq)
		return
	}
	s.chatStreamed(w, r, provider, req, relayReq)
}

// chatBuffered performs a synchronous chat and returns one JSON document.
func (s *Server) chatBuffered(w http.ResponseWriter, r *http.Request, provider relay.Provider, req ChatRequest, relayReq relay.ChatRequest) {
	start := time.Now()

	resp, err := provider.Chat(r.Context(), relayReq)
	if err != nil {
		s.logger.Error("chat request failed",
			"provider", req.Provider,
			"model", req.Model,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	s.registry.TrackUsage(req.Provider, req.Model, resp.TokensInput, resp.TokensOutput)

	s.respondJSON(w, ChatResponseJSON{
		Content:      resp.Content,
		Model:        resp.Model,
		Provider:     req.Provider,
		ElapsedMs:    time.Since(start).Milliseconds(),
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		FinishReason: resp.FinishReason,
	})
}

// chatStreamed relays the provider's stream as a raw byte stream: each text
// delta is written and flushed as soon as it arrives, with no framing. Errors
// after the first byte can only be logged; the connection is closed and the
// client sees a truncated stream.
func (s *Server) chatStreamed(w http.ResponseWriter, r *http.Request, provider relay.Provider, req ChatRequest, relayReq relay.ChatRequest) {
	stream, err := s.openStream(r, provider, relayReq)
	if err != nil {
		s.logger.Error("stream open failed",
			"provider", req.Provider,
			"model", req.Model,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for event, err := range stream.Iter() {
		if err != nil {
			s.logger.Error("stream failed mid-flight",
				"provider", req.Provider,
				"model", req.Model,
				"error", err,
			)
			return
		}

		switch event.Type {
		case relay.StreamEventContent:
			if _, err := w.Write([]byte(event.Content)); err != nil {
				s.logger.Debug("client disconnected", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

		case relay.StreamEventUsage:
			if event.Usage != nil {
				s.registry.TrackUsage(req.Provider, req.Model, event.Usage.TokensInput, event.Usage.TokensOutput)
			}

		case relay.StreamEventDone:
			s.logger.Info("chat relayed",
				"provider", req.Provider,
				"model", req.Model,
				"finish_reason", event.FinishReason,
			)
		}
	}
}

// openStream starts the provider stream, falling back to a single-event
// stream for providers without native streaming.
func (s *Server) openStream(r *http.Request, provider relay.Provider, relayReq relay.ChatRequest) (*relay.ChatStream, error) {
	if sp, ok := provider.(relay.StreamProvider); ok {
		return sp.ChatStream(r.Context(), relayReq)
	}

	resp, err := provider.Chat(r.Context(), relayReq)
	if err != nil {
		return nil, err
	}
	return relay.NewSingleEventStream(resp), nil
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
