// Package cmd implements the agentguard CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agent-guard/agentguard/internal/config"
)

var (
	cfgFile string
	devMode bool
)

var rootCmd = &cobra.Command{
	Use:   "agentguard",
	Short: "Policy enforcement gate for AI-agent tool invocations",
	Long: `agentguard sits between AI agents and their tools. Every tool
invocation is checked against a signed tool registry, per-tool parameter
schemas, and the active versioned policy; every decision is audited and
a background auditor flags agents with abnormal block rates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "development mode: substitute a fixed signing key when none is set")
}

// loadConfig builds the runtime configuration from defaults, the
// optional config file, environment, and the --dev flag.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if err := config.InitViper(v, cfgFile); err != nil {
		return nil, err
	}
	if devMode {
		v.Set("security.dev_mode", true)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger writing to stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
