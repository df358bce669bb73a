package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/pkg/central"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// LogLevel is one of debug, info, warn, error. Empty keeps logging silent.
	LogLevel string `yaml:"log_level"`

	Scan   ScanConfig   `yaml:"scan"`
	Device DeviceConfig `yaml:"device"`
}

// ScanConfig tunes advertisement watching.
type ScanConfig struct {
	BufferSize      int           `yaml:"buffer_size" default:"256"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout" default:"30s"`
}

// DeviceConfig tunes connections and GATT traffic.
type DeviceConfig struct {
	ConnectTimeout         time.Duration `yaml:"connect_timeout" default:"10s"`
	ConnectRetries         int           `yaml:"connect_retries" default:"1"`
	GATTTimeout            time.Duration `yaml:"gatt_timeout" default:"5s"`
	NotificationBufferSize int           `yaml:"notification_buffer_size" default:"128"`
	HistorySize            int           `yaml:"history_size" default:"32"`
	IOReadTimeout          time.Duration `yaml:"io_read_timeout" default:"1s"`
}

// Default returns a Config populated from the default tags.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Scan.BufferSize <= 0 {
		return fmt.Errorf("scan.buffer_size must be > 0")
	}
	if c.Scan.DiscoverTimeout < 0 {
		return fmt.Errorf("scan.discover_timeout must not be negative")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.ConnectRetries < 0 || c.Device.ConnectRetries > 1 {
		return fmt.Errorf("device.connect_retries must be 0 or 1, got %d", c.Device.ConnectRetries)
	}
	if c.Device.GATTTimeout < 0 {
		return fmt.Errorf("device.gatt_timeout must not be negative")
	}
	if c.Device.NotificationBufferSize <= 0 {
		return fmt.Errorf("device.notification_buffer_size must be > 0")
	}
	if c.Device.HistorySize <= 0 {
		return fmt.Errorf("device.history_size must be > 0")
	}
	if c.Device.IOReadTimeout <= 0 {
		return fmt.Errorf("device.io_read_timeout must be > 0")
	}
	return nil
}

// ParseLogLevel maps a level name to logrus. The empty name means silent.
func ParseLogLevel(level string) (logrus.Level, error) {
	switch level {
	case "":
		return logrus.PanicLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// CentralOptions translates the config into central options.
func (c *Config) CentralOptions() []central.Option {
	return []central.Option{
		central.WithConnectTimeout(c.Device.ConnectTimeout),
		central.WithConnectRetries(c.Device.ConnectRetries),
		central.WithGATTTimeout(c.Device.GATTTimeout),
		central.WithNotificationBuffer(c.Device.NotificationBufferSize),
		central.WithHistorySize(c.Device.HistorySize),
	}
}

// WatcherOptions translates the scan section into watcher options.
func (c *Config) WatcherOptions() []central.WatcherOption {
	return []central.WatcherOption{
		central.WithBufferSize(c.Scan.BufferSize),
		central.WithDuplicates(c.Scan.AllowDuplicates),
	}
}
