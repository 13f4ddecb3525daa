// Package config loads the bridge server configuration from YAML with
// environment overrides for operational knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/decentid/identity-bridge/pkg/store"
)

// BridgeConfig is the top-level server configuration.
type BridgeConfig struct {
	Database     DatabaseConfig     `yaml:"database"`
	Token        TokenConfig        `yaml:"token"`
	Verification VerificationConfig `yaml:"verification"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Succession   SuccessionConfig   `yaml:"succession"`
	Events       EventsConfig       `yaml:"events"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Signing      SigningConfig      `yaml:"signing"`
}

// DatabaseConfig selects the store dialect and DSN.
type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql or postgres
	DSN  string `yaml:"dsn"`
}

// TokenConfig controls attestation token issuance.
type TokenConfig struct {
	ValiditySeconds int64 `yaml:"validitySeconds"` // Token lifetime. Default 86400.
}

// Validity returns the token lifetime as a duration.
func (c TokenConfig) Validity() time.Duration {
	return time.Duration(c.ValiditySeconds) * time.Second
}

// VerificationConfig controls the verification step.
type VerificationConfig struct {
	TimeoutSeconds int64 `yaml:"timeoutSeconds"` // Provider call budget. Default 30.
}

// Timeout returns the provider timeout as a duration.
func (c VerificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WatchdogConfig controls the inactivity evaluation cadence.
type WatchdogConfig struct {
	Enabled         bool  `yaml:"enabled"`         // Default true.
	IntervalSeconds int64 `yaml:"intervalSeconds"` // Evaluation cadence. Default 60.
}

// Interval returns the evaluation cadence as a duration.
func (c WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SuccessionConfig controls continuity handover behavior.
type SuccessionConfig struct {
	Enabled           bool `yaml:"enabled"`           // Default true.
	RevokePredecessor bool `yaml:"revokePredecessor"` // Default true.
	RetirePredecessor bool `yaml:"retirePredecessor"` // Default true.
	EventBuffer       int  `yaml:"eventBuffer"`       // Inactivity feed size. Default 64.
}

// EventsConfig controls the durable event trail.
type EventsConfig struct {
	RetentionDays int `yaml:"retentionDays"` // Trail retention. Default 90. 0 disables the sweep.
}

// GatewayConfig controls the HTTP surface.
type GatewayConfig struct {
	ListenAddress  string   `yaml:"listenAddress"` // Default :8080.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// OperatorKeyPath points at the ed25519 key used to verify bearer
	// tokens on mutating routes: a PKIX "PUBLIC KEY" PEM, or a PKCS#8
	// private key whose public half is used. Empty means trusted-proxy
	// mode.
	OperatorKeyPath string `yaml:"operatorKeyPath"`
}

// SigningConfig locates the bridge's ed25519 keypair.
type SigningConfig struct {
	KeyPath string `yaml:"keyPath"` // PKCS#8 PEM private key. Empty generates an ephemeral key.
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *BridgeConfig {
	return &BridgeConfig{
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "identity-bridge.db",
		},
		Token: TokenConfig{
			ValiditySeconds: 86400,
		},
		Verification: VerificationConfig{
			TimeoutSeconds: 30,
		},
		Watchdog: WatchdogConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
		Succession: SuccessionConfig{
			Enabled:           true,
			RevokePredecessor: true,
			RetirePredecessor: true,
			EventBuffer:       64,
		},
		Events: EventsConfig{
			RetentionDays: 90,
		},
		Gateway: GatewayConfig{
			ListenAddress:  ":8080",
			AllowedOrigins: []string{"*"},
		},
	}
}

// LoadConfig loads configuration from a YAML file, then applies
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*BridgeConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides operational knobs from environment variables.
// BRIDGE_DB_TYPE, BRIDGE_DB_DSN, BRIDGE_TOKEN_VALIDITY_SECONDS,
// BRIDGE_WATCHDOG_INTERVAL_SECONDS, BRIDGE_LISTEN_ADDRESS, BRIDGE_KEY_PATH
func applyEnv(cfg *BridgeConfig) {
	if v := os.Getenv("BRIDGE_DB_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("BRIDGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BRIDGE_TOKEN_VALIDITY_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Token.ValiditySeconds = n
		}
	}
	if v := os.Getenv("BRIDGE_WATCHDOG_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Watchdog.IntervalSeconds = n
		}
	}
	if v := os.Getenv("BRIDGE_LISTEN_ADDRESS"); v != "" {
		cfg.Gateway.ListenAddress = v
	}
	if v := os.Getenv("BRIDGE_KEY_PATH"); v != "" {
		cfg.Signing.KeyPath = v
	}
}

// Validate checks the configuration for operational mistakes that are
// cheaper to catch at startup than at first use.
func (c *BridgeConfig) Validate() error {
	switch c.Database.Type {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("invalid database type %q", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Token.ValiditySeconds <= 0 {
		return fmt.Errorf("token validity must be positive (got %d)", c.Token.ValiditySeconds)
	}
	if c.Verification.TimeoutSeconds <= 0 {
		return fmt.Errorf("verification timeout must be positive (got %d)", c.Verification.TimeoutSeconds)
	}
	if c.Watchdog.Enabled && c.Watchdog.IntervalSeconds <= 0 {
		return fmt.Errorf("watchdog interval must be positive (got %d)", c.Watchdog.IntervalSeconds)
	}
	if c.Events.RetentionDays < 0 {
		return fmt.Errorf("event retention must not be negative (got %d)", c.Events.RetentionDays)
	}
	if c.Succession.EventBuffer <= 0 {
		return fmt.Errorf("succession event buffer must be positive (got %d)", c.Succession.EventBuffer)
	}
	if c.Gateway.ListenAddress == "" {
		return fmt.Errorf("gateway listen address is required")
	}
	return nil
}

// DBConfig returns the store connector configuration.
func (c *BridgeConfig) DBConfig() store.DBConfig {
	return store.DBConfig{
		Type: c.Database.Type,
		DSN:  c.Database.DSN,
	}
}
