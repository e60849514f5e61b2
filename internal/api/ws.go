package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relaygate/relaygate/internal/relay"
)

// WSRequest is the JSON structure sent by the browser client.
type WSRequest struct {
	Type        string              `json:"type"` // "chat", "ping"
	RequestID   string              `json:"request_id"`
	Provider    string              `json:"provider"`
	Model       string              `json:"model"`
	Messages    []relay.ChatMessage `json:"messages"`
	System      string              `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

// WSResponse is the JSON structure sent back to the browser client.
type WSResponse struct {
	Type      string `json:"type"` // "token", "usage", "done", "error", "pong"
	RequestID string `json:"request_id"`
	Content   string `json:"content,omitempty"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`

	TokensInput  int    `json:"tokens_input,omitempty"`
	TokensOutput int    `json:"tokens_output,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// handleChatWS upgrades to a WebSocket and drives the chat relay protocol.
//
// Flow:
//  1. Accept the WebSocket upgrade.
//  2. Read loop: wsjson.Read → dispatch by type.
//     - "ping" → pong immediately.
//     - "chat" → validate → look up provider → stream tokens as "token"
//     frames, finish with "usage" and "done".
//     - unknown → send error frame.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended") //nolint:errcheck

	s.logger.Info("ws client connected", "remote", r.RemoteAddr)

	for {
		var req WSRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			// Client disconnected or context cancelled.
			s.logger.Debug("ws read ended", "error", err)
			return
		}

		switch req.Type {
		case "ping":
			s.wsSend(r.Context(), conn, WSResponse{
				Type:      "pong",
				RequestID: req.RequestID,
			})

		case "chat":
			s.handleWSChat(r.Context(), conn, &req)

		default:
			s.wsSend(r.Context(), conn, WSResponse{
				Type:      "error",
				RequestID: req.RequestID,
				Error:     "unknown message type: " + req.Type,
			})
		}
	}
}

// handleWSChat relays a single chat turn over the socket.
func (s *Server) handleWSChat(ctx context.Context, conn *websocket.Conn, req *WSRequest) {
	chatReq := ChatRequest{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    req.Messages,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if msg := chatReq.validate(); msg != "" {
		s.wsSend(ctx, conn, WSResponse{
			Type:      "error",
			RequestID: req.RequestID,
			Error:     msg,
		})
		return
	}

	provider, err := s.registry.Lookup(req.Provider, req.Model)
	if err != nil {
		s.wsSend(ctx, conn, WSResponse{
			Type:      "error",
			RequestID: req.RequestID,
			Error:     err.Error(),
		})
		return
	}

	relayReq := relay.ChatRequest{
		Model:        req.Model,
		SystemPrompt: req.System,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	stream, err := s.openStreamWS(ctx, provider, relayReq)
	if err != nil {
		s.logger.Error("ws stream open failed",
			"provider", req.Provider,
			"model", req.Model,
			"error", err,
		)
		s.wsSend(ctx, conn, WSResponse{
			Type:      "error",
			RequestID: req.RequestID,
			Error:     "upstream request failed",
		})
		return
	}

	for event, err := range stream.Iter() {
		if err != nil {
			s.logger.Error("ws stream failed mid-flight",
				"provider", req.Provider,
				"model", req.Model,
				"error", err,
			)
			s.wsSend(ctx, conn, WSResponse{
				Type:      "error",
				RequestID: req.RequestID,
				Error:     "stream interrupted",
			})
			return
		}

		switch event.Type {
		case relay.StreamEventContent:
			s.wsSend(ctx, conn, WSResponse{
				Type:      "token",
				RequestID: req.RequestID,
				Content:   event.Content,
			})

		case relay.StreamEventUsage:
			if event.Usage != nil {
				s.registry.TrackUsage(req.Provider, req.Model, event.Usage.TokensInput, event.Usage.TokensOutput)
				s.wsSend(ctx, conn, WSResponse{
					Type:         "usage",
					RequestID:    req.RequestID,
					TokensInput:  event.Usage.TokensInput,
					TokensOutput: event.Usage.TokensOutput,
				})
			}

		case relay.StreamEventDone:
			s.wsSend(ctx, conn, WSResponse{
				Type:         "done",
				RequestID:    req.RequestID,
				Model:        req.Model,
				FinishReason: event.FinishReason,
			})
		}
	}
}

func (s *Server) openStreamWS(ctx context.Context, provider relay.Provider, relayReq relay.ChatRequest) (*relay.ChatStream, error) {
	if sp, ok := provider.(relay.StreamProvider); ok {
		return sp.ChatStream(ctx, relayReq)
	}
	resp, err := provider.Chat(ctx, relayReq)
	if err != nil {
		return nil, err
	}
	return relay.NewSingleEventStream(resp), nil
}

// wsSend marshals and sends a WSResponse frame; errors are logged but not fatal.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, resp WSResponse) {
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		s.logger.Warn("ws write error", "error", err)
	}
}
