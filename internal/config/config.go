// Package config loads the application configuration from YAML with sane
// local-development defaults for every section.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/corridorlab/corridorscope/internal/cache"
	"github.com/corridorlab/corridorscope/internal/dispatch"
	"github.com/corridorlab/corridorscope/internal/httpapi"
	"github.com/corridorlab/corridorscope/internal/persistence/postgres"
	"github.com/corridorlab/corridorscope/internal/providers"
	"github.com/corridorlab/corridorscope/internal/snapshot"
)

// Config is the full application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Network is the chain the pipeline watches, e.g. "ethereum".
	Network string `yaml:"network"`

	Postgres postgres.Config `yaml:"postgres"`
	Redis    cache.Config    `yaml:"redis"`
	HTTP     httpapi.Config  `yaml:"http"`

	// Webhook enables the webhook dispatch sink when URL is set.
	Webhook dispatch.WebhookConfig `yaml:"webhook"`

	// Market is the entity universe feed used by ranking and outcomes.
	Market providers.MarketConfig `yaml:"market"`

	// SchedulerPath points at the job table; empty uses the built-in table.
	SchedulerPath string `yaml:"scheduler_path"`

	// Directory maps known actor ids to attributed profiles.
	Directory snapshot.StaticDirectory `yaml:"directory"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Network:  "ethereum",
		Postgres: postgres.DefaultConfig(),
		Redis:    cache.DefaultConfig(),
		HTTP:     httpapi.DefaultConfig(),
		Webhook:  dispatch.DefaultWebhookConfig(""),
		Market:   providers.DefaultMarketConfig(""),
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = "ethereum"
	}
	log.Info().Str("component", "config").Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

// SetupLogging applies the configured log level to the global logger.
func (c Config) SetupLogging() error {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
