package relay

import (
	"context"

	"github.com/relaygate/relaygate/internal/config"
)

// ChatMessage is one turn of the conversation supplied by the caller.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the uniform request shape understood by every provider.
// Each provider translates it into its own native wire format.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	MaxTokens    int
	Temperature  float64
}

// ChatResponse is the normalized completed response.
type ChatResponse struct {
	Content      string
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
}

// Provider is the interface every upstream integration must satisfy.
type Provider interface {
	Name() string
	Models() []config.Model
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StreamProvider is implemented by providers that support incremental
// delivery. Callers detect support via type assertion; providers without
// it fall back to Chat wrapped in a single-event stream.
type StreamProvider interface {
	Provider

	// ChatStream sends a streaming request and returns a ChatStream that
	// yields deltas as they arrive. Pre-stream errors (auth, bad request,
	// network) are returned directly; mid-stream errors come through the
	// iterator.
	ChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error)
}
