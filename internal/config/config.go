package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all relaygate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging settings
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Upstream provider settings, keyed by provider name
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`

	// Optional directory of extra model catalog manifests
	CatalogDir string `json:"catalogDir,omitempty" yaml:"catalogDir,omitempty"`
}

type ServerConfig struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "text" or "json"
	File   string `json:"file,omitempty" yaml:"file,omitempty"`     // empty = stdout
}

// ProviderConfig describes one upstream endpoint. Type selects the wire
// translation; when empty it is inferred from the provider name, defaulting
// to OpenAI-compatible.
type ProviderConfig struct {
	Type           string  `json:"type,omitempty" yaml:"type,omitempty"`
	BaseURL        string  `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey         string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Models         []Model `json:"models,omitempty" yaml:"models,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// Model describes one model served by a provider.
type Model struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	ContextWindow int      `json:"contextWindow,omitempty" yaml:"contextWindow,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// DefaultConfig returns a sensible default configuration. Providers carry no
// API keys; those come from the conventional environment variables.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8421,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {Type: "anthropic"},
			"openai":    {Type: "openai"},
			"gemini":    {Type: "gemini"},
			"deepseek":  {Type: "deepseek"},
			"ollama":    {Type: "ollama"},
		},
	}
}

// Load reads config from a JSON or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// ResolvedType returns the wire translation for a provider entry: the
// explicit Type when set, otherwise the provider name itself when it is a
// known type, otherwise "openai-compatible".
func (p ProviderConfig) ResolvedType(name string) string {
	if p.Type != "" {
		return p.Type
	}
	switch name {
	case "anthropic", "openai", "gemini", "deepseek", "ollama":
		return name
	}
	return "openai-compatible"
}
