// Package main provides the CLI entry point for the nexus-workflow chat
// orchestration engine.
//
// nexus-workflow loads a YAML configuration describing LLM providers, a
// conversation store, and the security/cache/template machinery that
// backs internal/orchestrator.ChatOrchestrator, then exposes it through a
// small set of subcommands suited to local exercising and scripting.
//
// # Basic Usage
//
// Send one message and print the reply:
//
//	nexus-workflow chat --config nexus-workflow.yaml --message "hello"
//
// Start an interactive REPL against a conversation:
//
//	nexus-workflow repl --config nexus-workflow.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: fallback API key for a "anthropic"-typed provider
//   - OPENAI_API_KEY: fallback API key for a "openai"-typed provider
//   - NEXUS_WORKFLOW_DATABASE_URL: overrides database.url
//   - NEXUS_WORKFLOW_CACHE_SIZE: overrides cache.capacity
//   - NEXUS_WORKFLOW_AUDIT_CAPACITY: overrides security.audit_capacity
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus-workflow",
		Short: "nexus-workflow - LLM chat orchestration engine",
		Long: `nexus-workflow resolves a provider and a compiled workflow graph,
runs it against a conversation's history, and persists the result.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildReplCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
