package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-guard/agentguard/internal/service"
	"github.com/agent-guard/agentguard/internal/storage"
)

var initDBSeed bool

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema and optionally seed the demo policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Server.LogLevel)

		store, err := storage.Open(cfg.Database.File, logger)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.Database.File, err)
		}
		defer store.Close()

		if initDBSeed || cfg.Database.AutoSeed {
			policies, err := service.NewPolicyService(store, logger)
			if err != nil {
				return err
			}
			if err := policies.SeedDemoPolicy(cmd.Context()); err != nil {
				return fmt.Errorf("seed demo policy: %w", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database ready: %s\n", cfg.Database.File)
		return nil
	},
}

func init() {
	initDBCmd.Flags().BoolVar(&initDBSeed, "seed", false, "insert the demo policy when the store is empty")
	rootCmd.AddCommand(initDBCmd)
}
