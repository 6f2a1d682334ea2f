package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Engram daemon",
	Long: `Start the memory substrate: durable stores, shared-KV mirror,
session sweeper, and consolidation worker, plus an HTTP endpoint exposing
metrics and health.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("serve")

		rt, err := runtime.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build runtime: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := rt.Start(ctx); err != nil {
			rt.Stop()
			return fmt.Errorf("failed to start runtime: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())

		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("http endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("http endpoint failed")
				cancel()
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown failed")
		}
		rt.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Override the configured data directory")
}
