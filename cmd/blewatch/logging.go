package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blewatch/pkg/central"
	"github.com/srg/blewatch/pkg/config"
)

// radioFactory overrides the platform radio. nil selects the go-ble device
// for the host OS.
var radioFactory central.RadioFactory

// loadConfig reads --config over the defaults and applies --log-level on
// top, so the flag wins over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := config.ParseLogLevel(level); err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

// configureLogger creates a logger writing to the command's stderr.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger
}

func newCentral(cfg *config.Config, logger *logrus.Logger) *central.Central {
	opts := cfg.CentralOptions()
	if radioFactory != nil {
		opts = append(opts, central.WithRadioFactory(radioFactory))
	}
	return central.New(logger, opts...)
}

// signalContext is canceled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
