// Package config loads beaver configuration through viper.
//
// Sources, lowest to highest precedence: built-in defaults, the YAML config
// file (default configs/default.yaml), and BEAVER_* environment variables
// (BEAVER_LOG_LEVEL overrides log.level).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix environment variable prefix
const EnvPrefix = "BEAVER"

// DefaultPath config file used when --config is not given
const DefaultPath = "configs/default.yaml"

// Config represents the complete system configuration structure
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
}

// OrchestratorConfig orchestrator behaviour
type OrchestratorConfig struct {
	Debug          bool          `mapstructure:"debug"`           // per-item debug lines
	Session        string        `mapstructure:"session"`         // session used by run/watch/submit
	DefaultTimeout time.Duration `mapstructure:"default_timeout"` // applied to plan effects without a timeout
}

// JournalConfig pass history file
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Sync    bool   `mapstructure:"sync"` // fsync after every pass
}

// MetricsConfig Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ServerConfig gRPC endpoint
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Session: "default",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "data/passes.jsonl",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Server: ServerConfig{
			Addr:            ":50051",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with v so env overrides and Unmarshal see them
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("orchestrator.debug", defaults.Orchestrator.Debug)
	v.SetDefault("orchestrator.session", defaults.Orchestrator.Session)
	v.SetDefault("orchestrator.default_timeout", defaults.Orchestrator.DefaultTimeout)

	v.SetDefault("journal.enabled", defaults.Journal.Enabled)
	v.SetDefault("journal.path", defaults.Journal.Path)
	v.SetDefault("journal.sync", defaults.Journal.Sync)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.addr", defaults.Metrics.Addr)

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
}

// New returns a viper instance with defaults and env binding, reading path if it exists
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// a missing file means "defaults only"
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

// Load reads the configuration into a Config struct and validates it
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}
