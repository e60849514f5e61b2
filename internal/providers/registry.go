package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/relay"
)

// Registry indexes configured providers and their models and tracks
// per-model usage counters.
type Registry struct {
	providers map[string]relay.Provider
	models    map[string]*ModelInfo // "provider/model" -> full info
	usage     *usageTracker
	logger    *slog.Logger
	mu        sync.RWMutex
}

// ModelInfo contains full information about a registered model.
type ModelInfo struct {
	ID       string
	Provider string
	Config   config.Model
	Impl     relay.Provider
}

type usageTracker struct {
	mu    sync.RWMutex
	stats map[string]*ModelUsage // model ID -> usage
}

// ModelUsage holds request and token counters for a single model.
type ModelUsage struct {
	TotalRequests  int64
	TotalTokensIn  int64
	TotalTokensOut int64
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]relay.Provider),
		models:    make(map[string]*ModelInfo),
		usage: &usageTracker{
			stats: make(map[string]*ModelUsage),
		},
		logger: logger.With("component", "registry"),
	}
}

// Register adds a provider and indexes all its declared models.
func (r *Registry) Register(p relay.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	providerName := p.Name()
	r.providers[providerName] = p

	for _, model := range p.Models() {
		fullID := fmt.Sprintf("%s/%s", providerName, model.ID)
		r.models[fullID] = &ModelInfo{
			ID:       fullID,
			Provider: providerName,
			Config:   model,
			Impl:     p,
		}
		r.logger.Info("model registered",
			"id", fullID,
			"name", model.Name,
			"context", model.ContextWindow,
		)
	}

	r.logger.Info("provider registered",
		"name", providerName,
		"models", len(p.Models()),
	)
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (relay.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Lookup resolves a provider/model pair. An unknown provider is an error.
// Model membership is only enforced when the provider declares a model
// list; providers with no declared models (local runtimes, custom
// gateways) accept any model name and let the upstream reject it.
func (r *Registry) Lookup(provider, model string) (relay.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", provider)
	}

	if len(p.Models()) == 0 {
		return p, nil
	}

	fullID := provider + "/" + model
	if _, ok := r.models[fullID]; !ok {
		return nil, fmt.Errorf("model not found: %s", fullID)
	}

	return p, nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListModels returns every registered model, sorted by full ID.
func (r *Registry) ListModels() []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*ModelInfo, 0, len(r.models))
	for _, info := range r.models {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// ModelsFor returns the registered models for one provider, sorted.
func (r *Registry) ModelsFor(provider string) []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := provider + "/"
	infos := make([]*ModelInfo, 0)
	for id, info := range r.models {
		if strings.HasPrefix(id, prefix) {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// TrackUsage records token counters for a completed request.
func (r *Registry) TrackUsage(provider, model string, tokensIn, tokensOut int) {
	fullID := provider + "/" + model

	r.usage.mu.Lock()
	defer r.usage.mu.Unlock()

	stats, ok := r.usage.stats[fullID]
	if !ok {
		stats = &ModelUsage{}
		r.usage.stats[fullID] = stats
	}

	stats.TotalRequests++
	stats.TotalTokensIn += int64(tokensIn)
	stats.TotalTokensOut += int64(tokensOut)

	r.logger.Debug("usage tracked",
		"model", fullID,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
	)
}

// Usage returns a snapshot of usage counters for all models.
func (r *Registry) Usage() map[string]ModelUsage {
	r.usage.mu.RLock()
	defer r.usage.mu.RUnlock()

	result := make(map[string]ModelUsage, len(r.usage.stats))
	for id, stats := range r.usage.stats {
		result[id] = *stats
	}
	return result
}
