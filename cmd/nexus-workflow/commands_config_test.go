package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValidateCmd_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus-workflow.yaml")
	contents := `
default_provider: anthropic
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "config OK") {
		t.Fatalf("expected success message, got %q", out.String())
	}
}

func TestConfigValidateCmd_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus-workflow.yaml")
	contents := `
default_provider: openai
providers:
  anthropic:
    type: anthropic
    api_key: sk-test
`
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}
