package providers

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

// geminiModelsClient is the slice of the genai SDK we use; an interface so
// tests can substitute a stub without a network client.
type geminiModelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

var newGeminiClient = func(ctx context.Context, cfg *genai.ClientConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, cfg)
}

// GeminiProvider talks to Google's Gemini API through the official genai SDK.
type GeminiProvider struct {
	genClient geminiModelsClient
	models    []config.Model
	timeout   time.Duration
}

// NewGeminiProvider creates a provider backed by the genai SDK.
func NewGeminiProvider(ctx context.Context, cfg config.ProviderConfig) (*GeminiProvider, error) {
	apiKey := apiKeyFor(cfg.APIKey, "GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is not set")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := newGeminiClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &GeminiProvider{
		genClient: client.Models,
		models:    cfg.Models,
		timeout:   timeout,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Models() []config.Model { return p.models }

// SetModels replaces the model list (used to inject catalog defaults).
func (p *GeminiProvider) SetModels(models []config.Model) { p.models = models }

// buildRequest converts the uniform request into genai contents plus config.
// System-role messages and the request system prompt are folded into a single
// system instruction; assistant turns map to the model role.
func (p *GeminiProvider) buildRequest(req relay.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	systemParts := make([]string, 0, 2)
	if req.SystemPrompt != "" {
		systemParts = append(systemParts, req.SystemPrompt)
	}

	for _, msg := range req.Messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case "system":
			if content := strings.TrimSpace(msg.Content); content != "" {
				systemParts = append(systemParts, content)
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	genCfg := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}
	if req.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, genCfg
}

func (p *GeminiProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *GeminiProvider) Chat(ctx context.Context, req relay.ChatRequest) (*relay.ChatResponse, error) {
	contents, genCfg := p.buildRequest(req)

	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	resp, err := p.genClient.GenerateContent(callCtx, req.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}

	out := &relay.ChatResponse{
		Content: extractText(resp),
		Model:   req.Model,
	}
	if resp.UsageMetadata != nil {
		out.TokensInput = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOutput = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	return out, nil
}

// ChatStream implements relay.StreamProvider. Chunk text is diffed against
// the accumulated output because some models resend the full text so far
// instead of a delta.
func (p *GeminiProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (*relay.ChatStream, error) {
	contents, genCfg := p.buildRequest(req)

	callCtx, cancel := p.withTimeout(ctx)
	stream := p.genClient.GenerateContentStream(callCtx, req.Model, contents, genCfg)

	// The SDK defers request failures to the iterator's first element, so
	// pull it eagerly to surface bad keys and unknown models before the
	// response is committed.
	next, stop := iter.Pull2(stream)
	first, firstErr, ok := next()
	if ok && firstErr != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("gemini request: %w", firstErr)
	}

	iterator := func(yield func(relay.StreamEvent, error) bool) {
		defer cancel()
		defer stop()

		output := ""
		finishReason := ""
		var usage *relay.Usage

		relayChunk := func(resp *genai.GenerateContentResponse) bool {
			if resp.UsageMetadata != nil {
				usage = &relay.Usage{
					TokensInput:  int(resp.UsageMetadata.PromptTokenCount),
					TokensOutput: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
				finishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
			}

			text := extractText(resp)
			if text == "" {
				return true
			}

			delta := text
			if strings.HasPrefix(text, output) {
				delta = text[len(output):]
				output = text
			} else {
				output += delta
			}
			if delta == "" {
				return true
			}

			return yield(relay.StreamEvent{Type: relay.StreamEventContent, Content: delta}, nil)
		}

		resp, err, more := first, firstErr, ok
		for more {
			if err != nil {
				yield(relay.StreamEvent{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !relayChunk(resp) {
				return
			}
			resp, err, more = next()
		}

		if usage != nil {
			if !yield(relay.StreamEvent{Type: relay.StreamEventUsage, Usage: usage}, nil) {
				return
			}
		}
		yield(relay.StreamEvent{Type: relay.StreamEventDone, FinishReason: finishReason}, nil)
	}

	return relay.NewChatStream(iterator), nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
