package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix namespaces structured environment overrides, e.g.
// AGENTGUARD_SERVER_ADDR.
const envPrefix = "AGENTGUARD"

// InitViper sets defaults, environment bindings, and optional config
// file discovery on the given viper instance.
func InitViper(v *viper.Viper, configFile string) error {
	v.SetDefault("server.addr", "0.0.0.0:5073")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.file", "agentguard.db")
	v.SetDefault("database.auto_seed", true)
	v.SetDefault("security.hmac_key", "")
	v.SetDefault("security.admin_key_hash", "")
	v.SetDefault("security.dev_mode", false)
	v.SetDefault("auditor.disabled", false)
	v.SetDefault("generator.command", "")
	v.SetDefault("generator.model", "gemini-1.5-flash")
	v.SetDefault("trace.enabled", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat legacy names accepted alongside the prefixed forms; the
	// first set variable wins, prefixed names take precedence.
	legacy := map[string][]string{
		"database.file":       {"DATABASE_FILE"},
		"database.auto_seed":  {"AUTO_SEED"},
		"security.hmac_key":   {"ENFORCEMENT_HMAC_KEY"},
		"auditor.disabled":    {"SKIP_BACKGROUND_SERVICES"},
		"generator.model":     {"GEMINI_MODEL"},
		"generator.command":   {"POLICY_GENERATOR"},
		"server.addr":         {"AGENTGUARD_ADDR"},
	}
	for key, names := range legacy {
		args := append([]string{key, envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("agentguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentguard")
	v.AddConfigPath("/etc/agentguard")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load unmarshals and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
