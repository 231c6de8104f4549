package wfconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus-workflow.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
default_provider: anthropic
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Capacity != 500 {
		t.Fatalf("expected default cache capacity, got %d", cfg.Cache.Capacity)
	}
	if cfg.Security.AuditCapacity != 10000 {
		t.Fatalf("expected default audit capacity, got %d", cfg.Security.AuditCapacity)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging config, got %+v", cfg.Logging)
	}
	if cfg.Providers["anthropic"].MaxRetries != 3 {
		t.Fatalf("expected default max retries, got %+v", cfg.Providers["anthropic"])
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
    extra_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_ValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
default_provider: openai
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoad_ValidatesProviderAPIKeyRequired(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
    api_key: "${TEST_ANTHROPIC_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-from-env" {
		t.Fatalf("expected expanded api key, got %q", cfg.Providers["anthropic"].APIKey)
	}
}

func TestLoad_ProviderAPIKeyFallsBackToNamedEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env-fallback")
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-env-fallback" {
		t.Fatalf("expected env fallback api key, got %q", cfg.Providers["anthropic"].APIKey)
	}
}

func TestLoad_EnvOverridesCacheAndAuditCapacity(t *testing.T) {
	t.Setenv("NEXUS_WORKFLOW_CACHE_SIZE", "42")
	t.Setenv("NEXUS_WORKFLOW_AUDIT_CAPACITY", "7")
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Capacity != 42 {
		t.Fatalf("expected cache capacity from env, got %d", cfg.Cache.Capacity)
	}
	if cfg.Security.AuditCapacity != 7 {
		t.Fatalf("expected audit capacity from env, got %d", cfg.Security.AuditCapacity)
	}
}

func TestLoad_ValidatesLoggingLevel(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
logging:
  level: noisy
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging.level error, got %v", err)
	}
}
