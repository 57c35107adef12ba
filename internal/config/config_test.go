package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".wa-ticket-bridge"), cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.TicketDeleteDelay)
	assert.Equal(t, 30*time.Second, cfg.RestoreFlushTimeout)
	assert.Equal(t, 60*time.Second, cfg.QRTimeout)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 10, cfg.ReconnectMaxRetries)
	assert.Equal(t, 1*time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.ReconnectMaxDelay)
	assert.Equal(t, 15*time.Minute, cfg.SetupSessionTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/wabridge"

	assert.Equal(t, filepath.Join("/var/lib/wabridge", "instances"), cfg.InstancesDir())
	assert.Equal(t, filepath.Join("/var/lib/wabridge", "instances", "guild-1"), cfg.InstanceDir("guild-1"))
	assert.Equal(t, filepath.Join("/var/lib/wabridge", "instance_configs.json"), cfg.IndexPath())
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
data_dir: /custom/data
discord_token: token-abc
ticket_delete_delay: 10s
restore_flush_timeout: 45s
qr_timeout: 90s
keepalive_interval: 20s
reconnect_max_retries: 5
reconnect_base_delay: 2s
reconnect_max_delay: 10m
setup_session_ttl: 30m
log_level: debug
log_format: text
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/custom/data", cfg.DataDir)
	assert.Equal(t, "token-abc", cfg.DiscordToken)
	assert.Equal(t, 10*time.Second, cfg.TicketDeleteDelay)
	assert.Equal(t, 45*time.Second, cfg.RestoreFlushTimeout)
	assert.Equal(t, 90*time.Second, cfg.QRTimeout)
	assert.Equal(t, 20*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 5, cfg.ReconnectMaxRetries)
	assert.Equal(t, 2*time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.ReconnectMaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.SetupSessionTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
log_level: info
data_dir: /from/file
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("WABRIDGE_LOG_LEVEL", "debug")
	os.Setenv("WABRIDGE_DATA_DIR", "/from/env")
	defer os.Unsetenv("WABRIDGE_LOG_LEVEL")
	defer os.Unsetenv("WABRIDGE_DATA_DIR")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	// Env vars should override file values
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".wa-ticket-bridge"), cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.LogLevel = "invalid"
			},
			wantErr: true,
		},
		{
			name: "empty data dir",
			modify: func(c *Config) {
				c.DataDir = ""
			},
			wantErr: true,
		},
		{
			name: "negative ticket delete delay",
			modify: func(c *Config) {
				c.TicketDeleteDelay = -time.Second
			},
			wantErr: true,
		},
		{
			name: "zero qr timeout",
			modify: func(c *Config) {
				c.QRTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "zero keepalive interval",
			modify: func(c *Config) {
				c.KeepaliveInterval = 0
			},
			wantErr: true,
		},
		{
			name: "negative reconnect retries",
			modify: func(c *Config) {
				c.ReconnectMaxRetries = -1
			},
			wantErr: true,
		},
		{
			name: "base delay above max delay",
			modify: func(c *Config) {
				c.ReconnectBaseDelay = time.Hour
			},
			wantErr: true,
		},
		{
			name: "zero setup session ttl",
			modify: func(c *Config) {
				c.SetupSessionTTL = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
