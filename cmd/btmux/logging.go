package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/btmux/pkg/config"
)

// loadConfig reads the file named by --config, if any.
// Returns nil when the flag is unset so callers can fall back to flag-only
// behavior.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

// configureLogger creates a logger honoring --log-level, the verbose flag,
// and the config file, in that order of precedence.
func configureLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel) // Default: silent

	if cfg != nil {
		logger.SetLevel(cfg.Level())
	}

	// Check --log-level flag first (takes precedence)
	logLevel, _ := cmd.Flags().GetString("log-level")
	if logLevel != "" {
		switch logLevel {
		case "debug":
			logger.SetLevel(logrus.DebugLevel)
		case "info":
			logger.SetLevel(logrus.InfoLevel)
		case "warn":
			logger.SetLevel(logrus.WarnLevel)
		case "error":
			logger.SetLevel(logrus.ErrorLevel)
		default:
			return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", logLevel)
		}
	} else if verboseFlagName != "" {
		// Fall back to verbose flag if --log-level not specified
		verbose, _ := cmd.Flags().GetBool(verboseFlagName)
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
