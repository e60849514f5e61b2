package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/relaygate/relaygate/internal/config"
)

//go:embed defaults/*.toml
var defaultManifests embed.FS

// manifest is the on-disk shape of a catalog file: one provider, its models.
type manifest struct {
	Provider string     `toml:"provider"`
	Models   []modelDef `toml:"models"`
}

type modelDef struct {
	ID            string   `toml:"id"`
	Name          string   `toml:"name"`
	ContextWindow int      `toml:"context_window"`
	Capabilities  []string `toml:"capabilities"`
}

// Catalog maps provider names to the models they are known to serve. It is
// seeded from the embedded default manifests; LoadDir merges user manifests
// on top, replacing the defaults for any provider they name.
type Catalog struct {
	mu     sync.RWMutex
	models map[string][]config.Model
	logger *slog.Logger
}

// New builds a catalog from the embedded default manifests.
func New(logger *slog.Logger) *Catalog {
	c := &Catalog{
		models: make(map[string][]config.Model),
		logger: logger.With("component", "catalog"),
	}

	entries, err := fs.ReadDir(defaultManifests, "defaults")
	if err != nil {
		c.logger.Warn("embedded catalog unavailable", "error", err)
		return c
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(defaultManifests, "defaults/"+entry.Name())
		if err != nil {
			c.logger.Warn("failed to read embedded manifest", "file", entry.Name(), "error", err)
			continue
		}
		if err := c.merge(data); err != nil {
			c.logger.Warn("failed to parse embedded manifest", "file", entry.Name(), "error", err)
		}
	}
	return c
}

// LoadDir merges all *.toml manifests from dir into the catalog. A missing
// directory is not an error.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("catalog directory does not exist, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("read catalog dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("failed to read manifest", "file", path, "error", err)
			continue
		}
		if err := c.merge(data); err != nil {
			c.logger.Warn("failed to parse manifest", "file", path, "error", err)
			continue
		}
		c.logger.Info("catalog manifest loaded", "file", entry.Name())
	}
	return nil
}

func (c *Catalog) merge(data []byte) error {
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.Provider == "" {
		return fmt.Errorf("manifest missing provider name")
	}

	models := make([]config.Model, 0, len(m.Models))
	for _, def := range m.Models {
		if def.ID == "" {
			continue
		}
		models = append(models, config.Model{
			ID:            def.ID,
			Name:          def.Name,
			ContextWindow: def.ContextWindow,
			Capabilities:  def.Capabilities,
		})
	}

	c.mu.Lock()
	c.models[m.Provider] = models
	c.mu.Unlock()
	return nil
}

// ModelsFor returns the catalog models for a provider, or nil when unknown.
func (c *Catalog) ModelsFor(provider string) []config.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := c.models[provider]
	out := make([]config.Model, len(models))
	copy(out, models)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Providers returns the provider names present in the catalog.
func (c *Catalog) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}
