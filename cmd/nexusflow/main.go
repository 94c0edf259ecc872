// Package main provides the CLI entry point for nexusflow, the execution
// engine for flow-orchestrated AI agent steps.
//
// # Basic Usage
//
// Run one flow to completion, streaming its events to stdout:
//
//	nexusflow run --flow flow.json --resources resources.json
//
// # Environment Variables
//
// An endpoint in the resources file whose sealed_api_key reads
// "env:VARNAME" has its provider API key read from the environment
// variable VARNAME and sealed with the configured cipher before being
// stored as LlmEndpoint.SealedAPIKey, for example:
//
//   - "sealed_api_key": "env:ANTHROPIC_API_KEY"
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
		Use:   "nexusflow",
		Short: "nexusflow - flow orchestration engine for AI agent steps",
		Long: `nexusflow executes directed graphs of LLM, tool, condition,
approval, parallel, and webhook steps against configured agents and tool
connections, broadcasting lifecycle events as each step runs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd())
	return rootCmd
}
