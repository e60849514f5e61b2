package catalog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewLoadsEmbeddedDefaults(t *testing.T) {
	c := New(testLogger())

	for _, provider := range []string{"anthropic", "openai", "gemini", "deepseek", "ollama"} {
		if models := c.ModelsFor(provider); len(models) == 0 {
			t.Errorf("expected embedded models for %s", provider)
		}
	}

	if models := c.ModelsFor("nope"); models != nil {
		t.Errorf("expected nil for unknown provider, got %+v", models)
	}
}

func TestLoadDirOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	manifest := `
provider = "anthropic"

[[models]]
id = "claude-custom"
name = "Custom Claude"
context_window = 100000
`
	if err := os.WriteFile(filepath.Join(dir, "anthropic.toml"), []byte(manifest), 0640); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger())
	if err := c.LoadDir(dir); err != nil {
		t.Fatalf("load dir failed: %v", err)
	}

	models := c.ModelsFor("anthropic")
	if len(models) != 1 {
		t.Fatalf("expected 1 model after override, got %d", len(models))
	}
	if models[0].ID != "claude-custom" {
		t.Errorf("expected claude-custom, got %s", models[0].ID)
	}
	if models[0].ContextWindow != 100000 {
		t.Errorf("expected context window 100000, got %d", models[0].ContextWindow)
	}
}

func TestLoadDirMissing(t *testing.T) {
	c := New(testLogger())
	if err := c.LoadDir(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("missing dir should not be an error, got %v", err)
	}
}

func TestLoadDirSkipsBadManifests(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("provider = ["), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "noname.toml"), []byte("[[models]]\nid = \"x\""), 0640); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger())
	if err := c.LoadDir(dir); err != nil {
		t.Errorf("bad manifests should be skipped, got %v", err)
	}
}
