// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for storing instance data.
// Uses ~/.wa-ticket-bridge/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wa-ticket-bridge")
}

// Config holds all configuration for the ticket bridge.
type Config struct {
	// Paths
	DataDir string `mapstructure:"data_dir"`

	// Discord
	DiscordToken string `mapstructure:"discord_token"`

	// Tickets
	TicketDeleteDelay   time.Duration `mapstructure:"ticket_delete_delay"`
	RestoreFlushTimeout time.Duration `mapstructure:"restore_flush_timeout"`

	// WhatsApp pairing & reconnection
	QRTimeout           time.Duration `mapstructure:"qr_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`

	// Setup flow
	SetupSessionTTL time.Duration `mapstructure:"setup_session_ttl"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:             defaultDataDir(),
		TicketDeleteDelay:   5 * time.Second,
		RestoreFlushTimeout: 30 * time.Second,
		QRTimeout:           60 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		ReconnectMaxRetries: 10,
		ReconnectBaseDelay:  1 * time.Second,
		ReconnectMaxDelay:   5 * time.Minute,
		SetupSessionTTL:     15 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// InstancesDir returns the directory holding per-instance data.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.DataDir, "instances")
}

// InstanceDir returns the data directory of one instance.
func (c *Config) InstanceDir(instanceID string) string {
	return filepath.Join(c.InstancesDir(), instanceID)
}

// IndexPath returns the path of the global identity index file.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "instance_configs.json")
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("discord_token", "")
	v.SetDefault("ticket_delete_delay", defaults.TicketDeleteDelay)
	v.SetDefault("restore_flush_timeout", defaults.RestoreFlushTimeout)
	v.SetDefault("qr_timeout", defaults.QRTimeout)
	v.SetDefault("keepalive_interval", defaults.KeepaliveInterval)
	v.SetDefault("reconnect_max_retries", defaults.ReconnectMaxRetries)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("setup_session_ttl", defaults.SetupSessionTTL)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with WABRIDGE_ prefix
	v.SetEnvPrefix("WABRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default config.yaml is fine, built-in defaults apply.
			// Only fail if the user explicitly provided a path that can't be read.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}

	if c.TicketDeleteDelay < 0 {
		return fmt.Errorf("ticket delete delay must be non-negative")
	}

	if c.QRTimeout <= 0 {
		return fmt.Errorf("qr timeout must be positive")
	}

	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive interval must be positive")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}

	if c.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("reconnect max delay must be positive")
	}

	if c.ReconnectBaseDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("reconnect base delay must be less than or equal to max delay")
	}

	if c.SetupSessionTTL <= 0 {
		return fmt.Errorf("setup session ttl must be positive")
	}

	return nil
}
