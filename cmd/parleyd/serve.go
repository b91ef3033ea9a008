package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/channels/telegram"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/models"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting parleyd",
		"version", version,
		"commit", commit,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	gate := auth.NewGate()
	router, err := buildRouter(cfg.Providers, gate, logger)
	if err != nil {
		return err
	}

	registry := stream.NewRegistry(logger)
	tracker := stream.NewTracker()

	tools := agent.NewRegistry()
	agent.RegisterBuiltins(tools)

	orch := orchestrator.New(store, router, gate, registry, tracker, tools, orchestrator.Config{
		MaxTokens: cfg.Agent.MaxTokens,
		Loop: agent.LoopConfig{
			MaxIterations: cfg.Agent.MaxIterations,
			ToolTimeout:   cfg.Agent.ToolTimeout,
		},
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var tg *telegram.Adapter
	if cfg.Channels.Telegram.Enabled {
		tg, err = telegram.NewAdapter(telegram.Config{
			Token:  cfg.Channels.Telegram.BotToken,
			Logger: logger,
		}, store, orch)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		if err := tg.Start(ctx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		orch.RegisterForwarder(models.OriginTelegram, tg)
	}

	server := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
	}, store, orch, registry, tracker, router, logger)

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("parleyd ready")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if tg != nil {
		if err := tg.Stop(shutdownCtx); err != nil {
			logger.Warn("telegram shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	logger.Info("parleyd stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg config.StorageConfig) (conversation.Store, error) {
	if cfg.Path == ":memory:" {
		return conversation.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return conversation.NewSQLiteStore(cfg.Path)
}

// buildRouter registers every configured provider and marks it ready at the
// gate. An unconfigured daemon still starts; requests fail at the auth
// preflight with guidance instead of at boot.
func buildRouter(cfg config.ProvidersConfig, gate *auth.Gate, logger *slog.Logger) (*routing.Router, error) {
	defaultProvider := cfg.Default
	switch defaultProvider {
	case "anthropic":
		if !cfg.Anthropic.Configured() && cfg.OpenAI.Configured() {
			defaultProvider = "openai"
		}
	case "openai":
		if !cfg.OpenAI.Configured() && cfg.Anthropic.Configured() {
			defaultProvider = "anthropic"
		}
	}
	router := routing.NewRouter(defaultProvider, logger)

	if cfg.Anthropic.Configured() {
		backend, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, err
		}
		router.Register(backend)
		gate.SetReady(backend.Name(), true)
	}

	if cfg.OpenAI.Configured() {
		backend, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, err
		}
		router.Register(backend)
		gate.SetReady(backend.Name(), true)
	}

	if len(router.Providers()) == 0 {
		logger.Warn("no providers configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return router, nil
}
