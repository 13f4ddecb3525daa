package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 24*time.Hour, cfg.Token.Validity())
	assert.Equal(t, 30*time.Second, cfg.Verification.Timeout())
	assert.True(t, cfg.Watchdog.Enabled)
	assert.Equal(t, time.Minute, cfg.Watchdog.Interval())
	assert.True(t, cfg.Succession.RevokePredecessor)
	assert.Equal(t, 90, cfg.Events.RetentionDays)
	assert.Equal(t, ":8080", cfg.Gateway.ListenAddress)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  type: postgres
  dsn: host=localhost dbname=bridge
token:
  validitySeconds: 3600
watchdog:
  enabled: true
  intervalSeconds: 30
succession:
  enabled: true
  revokePredecessor: false
  retirePredecessor: true
  eventBuffer: 16
gateway:
  listenAddress: ":9090"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, time.Hour, cfg.Token.Validity())
	assert.Equal(t, 30*time.Second, cfg.Watchdog.Interval())
	assert.False(t, cfg.Succession.RevokePredecessor)
	assert.Equal(t, ":9090", cfg.Gateway.ListenAddress)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Verification.Timeout())
	assert.Equal(t, 90, cfg.Events.RetentionDays)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_DB_TYPE", "mysql")
	t.Setenv("BRIDGE_DB_DSN", "user:pass@tcp(db:3306)/bridge")
	t.Setenv("BRIDGE_TOKEN_VALIDITY_SECONDS", "600")
	t.Setenv("BRIDGE_LISTEN_ADDRESS", ":7070")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "user:pass@tcp(db:3306)/bridge", cfg.Database.DSN)
	assert.Equal(t, 10*time.Minute, cfg.Token.Validity())
	assert.Equal(t, ":7070", cfg.Gateway.ListenAddress)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [not a map"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BridgeConfig)
	}{
		{"bad db type", func(c *BridgeConfig) { c.Database.Type = "oracle" }},
		{"empty dsn", func(c *BridgeConfig) { c.Database.DSN = "" }},
		{"zero validity", func(c *BridgeConfig) { c.Token.ValiditySeconds = 0 }},
		{"negative validity", func(c *BridgeConfig) { c.Token.ValiditySeconds = -1 }},
		{"zero verification timeout", func(c *BridgeConfig) { c.Verification.TimeoutSeconds = 0 }},
		{"zero watchdog interval", func(c *BridgeConfig) { c.Watchdog.IntervalSeconds = 0 }},
		{"negative retention", func(c *BridgeConfig) { c.Events.RetentionDays = -1 }},
		{"zero event buffer", func(c *BridgeConfig) { c.Succession.EventBuffer = 0 }},
		{"empty listen address", func(c *BridgeConfig) { c.Gateway.ListenAddress = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}
