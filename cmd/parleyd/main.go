// Package main provides the entry point for parleyd, the local conversation
// daemon.
//
// Parley brokers conversations between clients (HTTP, WebSocket, Telegram)
// and LLM providers (Anthropic, OpenAI), streaming generation lifecycle
// events to whoever is watching.
//
// Start the daemon:
//
//	parleyd serve --config parley.yaml
//
// Configuration can also come from environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parleyd",
		Short: "Parley - local conversation daemon",
		Long: `Parley brokers conversations between clients and LLM providers.

Transports: HTTP, WebSocket, Telegram
Providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("parleyd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
