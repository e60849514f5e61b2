package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/providers"
)

// Server is the HTTP relay server.
type Server struct {
	host       string
	port       int
	registry   *providers.Registry
	logger     *slog.Logger
	httpServer *http.Server
	webFS      fs.FS
	version    string
	startedAt  time.Time
}

// NewServer creates a new relay server.
func NewServer(cfg config.ServerConfig, registry *providers.Registry, webFS fs.FS, version string, logger *slog.Logger) *Server {
	return &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		registry: registry,
		webFS:    webFS,
		version:  version,
		logger:   logger.With("component", "api"),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/ws", s.handleChatWS)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/providers", s.handleProviders)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleIndex)

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.corsMiddleware(s.loggingMiddleware(mux)),
		// No WriteTimeout: chat responses stream for as long as the
		// upstream model generates. Read and idle timeouts still apply.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("relay server starting", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down relay server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests, tagging each with a request ID.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// modelEntry is one row in the /api/models listing.
type modelEntry struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Name          string   `json:"name,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// handleModels lists every registered model across providers.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.registry.ListModels()
	entries := make([]modelEntry, len(infos))
	for i, info := range infos {
		entries[i] = modelEntry{
			ID:            info.ID,
			Provider:      info.Provider,
			Model:         info.Config.ID,
			Name:          info.Config.Name,
			ContextWindow: info.Config.ContextWindow,
			Capabilities:  info.Config.Capabilities,
		}
	}
	s.respondJSON(w, entries)
}

// providerEntry is one row in the /api/providers listing.
type providerEntry struct {
	Name   string `json:"name"`
	Models int    `json:"models"`
}

// handleProviders lists the configured providers with their model counts.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := s.registry.Providers()
	entries := make([]providerEntry, len(names))
	for i, name := range names {
		entries[i] = providerEntry{
			Name:   name,
			Models: len(s.registry.ModelsFor(name)),
		}
	}
	s.respondJSON(w, map[string]any{
		"providers": entries,
	})
}

// handleStatus returns server status and per-model usage counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"providers":      len(s.registry.Providers()),
		"models":         len(s.registry.ListModels()),
		"usage":          s.registry.Usage(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok")) //nolint:errcheck
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
