// Package config holds the application configuration for btmux commands.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Every field has a workable
// default, so commands run without a config file; flags override whatever
// the file sets.
type Config struct {
	LogLevel     string `json:"log_level" yaml:"log_level" default:"info"`
	OutputFormat string `json:"output_format" yaml:"output_format" default:"table"`

	// Scenario is a scenario file path. Empty means the embedded
	// smart-home roster.
	Scenario string `json:"scenario" yaml:"scenario"`

	// Cycles and Tick override the scenario's run length when positive.
	Cycles int           `json:"cycles" yaml:"cycles"`
	Tick   time.Duration `json:"tick" yaml:"tick"`

	// Seed pins the simulation's random draws. Zero seeds from the clock.
	Seed int64 `json:"seed" yaml:"seed"`

	// MetricsListen is a host:port for the Prometheus endpoint. Empty
	// disables it.
	MetricsListen string `json:"metrics_listen" yaml:"metrics_listen"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no command could act on.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("unknown output format %q (want table or json)", c.OutputFormat)
	}
	if c.Cycles < 0 {
		return fmt.Errorf("cycles must not be negative")
	}
	if c.Tick < 0 {
		return fmt.Errorf("tick must not be negative")
	}
	return nil
}

// Level parses the configured log level. Unknown names fall back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
