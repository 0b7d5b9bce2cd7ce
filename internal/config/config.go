// Package config defines runtime configuration, loaded from defaults,
// an optional config file, and environment variables.
package config

import (
	"os"
	"strings"
)

// Config is the full runtime configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	Auditor   AuditorConfig   `mapstructure:"auditor"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	File     string `mapstructure:"file" validate:"required"`
	AutoSeed bool   `mapstructure:"auto_seed"`
}

// SecurityConfig holds the signing key and admin guard. DevMode
// substitutes a fixed key when none is configured; production refuses
// to start without one.
type SecurityConfig struct {
	HMACKey      string `mapstructure:"hmac_key"`
	AdminKeyHash string `mapstructure:"admin_key_hash"`
	DevMode      bool   `mapstructure:"dev_mode"`
}

// AuditorConfig controls the background anomaly scanner.
type AuditorConfig struct {
	Disabled bool `mapstructure:"disabled"`
}

// GeneratorConfig points at the external policy generator executable.
// Command is a whitespace-separated argv prefix, e.g.
// "python3 scripts/generator.py".
type GeneratorConfig struct {
	Command string `mapstructure:"command"`
	Model   string `mapstructure:"model"`
}

// Argv splits the configured command into an argv prefix. Empty when no
// generator is configured.
func (g GeneratorConfig) Argv() []string {
	return strings.Fields(g.Command)
}

// TraceConfig enables span export to stderr.
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// devHMACKey is the well-known development signing key.
const devHMACKey = "dev-secret"

// EffectiveHMACKey resolves the signing key for this process. Validate
// has already guaranteed a key exists outside dev mode.
func (c *Config) EffectiveHMACKey() string {
	if c.Security.HMACKey == "" && c.Security.DevMode {
		return devHMACKey
	}
	return c.Security.HMACKey
}

// HMACSecret returns the secret source used for signature operations.
// The environment is consulted on every call so key rotation through
// the process environment takes effect without re-signing stale state.
func (c *Config) HMACSecret() func() []byte {
	return func() []byte {
		if key := os.Getenv("ENFORCEMENT_HMAC_KEY"); key != "" {
			return []byte(key)
		}
		return []byte(c.EffectiveHMACKey())
	}
}
