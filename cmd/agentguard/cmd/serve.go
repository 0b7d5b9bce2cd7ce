package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	inbound "github.com/agent-guard/agentguard/internal/adapter/inbound/http"
	"github.com/agent-guard/agentguard/internal/domain/tool"
	"github.com/agent-guard/agentguard/internal/service"
	"github.com/agent-guard/agentguard/internal/storage"
	"github.com/agent-guard/agentguard/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enforcement gate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Server.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		traceShutdown, err := telemetry.Init(cfg.Trace.Enabled, version)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := traceShutdown(flushCtx); err != nil {
				logger.Warn("trace shutdown failed", "error", err)
			}
		}()

		store, err := storage.Open(cfg.Database.File, logger)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.Database.File, err)
		}
		defer store.Close()

		signer := tool.Signer{Secret: cfg.HMACSecret()}
		registry, err := service.NewRegistryService(ctx, store, signer, logger)
		if err != nil {
			return fmt.Errorf("bootstrap tool registry: %w", err)
		}
		policies, err := service.NewPolicyService(store, logger)
		if err != nil {
			return err
		}
		if cfg.Database.AutoSeed {
			if err := policies.SeedDemoPolicy(ctx); err != nil {
				logger.Warn("demo policy seed failed", "error", err)
			}
		}
		enforcement := service.NewEnforcementService(registry, policies, store, logger)

		var generator *service.GeneratorService
		if argv := cfg.Generator.Argv(); len(argv) > 0 {
			generator, err = service.NewGeneratorService(argv, cfg.Generator.Model, logger)
			if err != nil {
				return fmt.Errorf("configure policy generator: %w", err)
			}
		}

		metrics := inbound.NewMetrics()
		handler := inbound.NewHandler(enforcement, policies, registry, generator, store, metrics, cfg.Security.AdminKeyHash, logger)

		var wg sync.WaitGroup
		if cfg.Auditor.Disabled {
			logger.Info("background auditor disabled")
		} else {
			auditor := service.NewAuditorService(store, logger)
			auditor.SetAnomalyObserver(func(n int) { metrics.Anomalies.Add(float64(n)) })
			wg.Add(1)
			go func() {
				defer wg.Done()
				auditor.Run(ctx)
			}()
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		serverErr := make(chan error, 1)
		go func() {
			logger.Info("gate listening", "addr", cfg.Server.Addr, "dev_mode", cfg.Security.DevMode)
			serverErr <- server.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-serverErr:
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http shutdown failed", "error", err)
		}
		wg.Wait()
		logger.Info("gate stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
