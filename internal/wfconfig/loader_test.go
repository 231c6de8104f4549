package wfconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRaw_ResolvesIncludes(t *testing.T) {
	dir := t.TempDir()

	providersPath := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(providersPath, []byte(`
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	mainPath := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(mainPath, []byte(`
$include: providers.yaml
default_provider: anthropic
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(mainPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	providers, ok := raw["providers"].(map[string]any)
	if !ok {
		t.Fatalf("expected providers map in merged raw config, got %+v", raw)
	}
	if _, ok := providers["anthropic"]; !ok {
		t.Fatalf("expected anthropic entry to be merged in, got %+v", providers)
	}
	if raw["default_provider"] != "anthropic" {
		t.Fatalf("expected default_provider to survive merge, got %+v", raw)
	}
}

func TestLoadRaw_DetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadRaw(a); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadRaw_SupportsJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.json5")
	// trailing commas and unquoted keys are what distinguish json5 from json
	contents := "{\n  default_provider: \"anthropic\",\n  providers: {\n    anthropic: { type: \"anthropic\", api_key: \"sk-test\", },\n  },\n}\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultProvider != "anthropic" {
		t.Fatalf("expected default_provider anthropic, got %q", cfg.DefaultProvider)
	}
}
