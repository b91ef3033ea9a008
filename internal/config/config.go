// Package config loads the daemon configuration from YAML with environment
// variable expansion, defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Parley.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Heartbeat tuning for the stream socket.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

type StorageConfig struct {
	// Path to the SQLite database file. ":memory:" keeps everything
	// in-process, useful for development.
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type AgentConfig struct {
	// MaxIterations caps tool-use round trips within one execution.
	MaxIterations int `yaml:"max_iterations"`

	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxTokens is the per-generation output token cap.
	MaxTokens int `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. A missing path yields the
// defaults so the daemon can start with environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand ${VAR} references so secrets stay out of the file.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets well-known environment variables supply credentials that the
// file omits. File values win.
func applyEnv(cfg *Config) {
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Channels.Telegram.BotToken == "" {
		cfg.Channels.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Channels.Telegram.BotToken != "" {
		cfg.Channels.Telegram.Enabled = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8750
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Server.HeartbeatTimeout == 0 {
		cfg.Server.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.HeartbeatTimeout <= c.Server.HeartbeatInterval {
		return errors.New("heartbeat_timeout must exceed heartbeat_interval")
	}
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return errors.New("telegram enabled without a bot token")
	}
	return nil
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "parley.db"
	}
	return home + "/.parley/parley.db"
}
