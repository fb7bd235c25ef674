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

	"github.com/cuemby/air/pkg/auth"
	"github.com/cuemby/air/pkg/config"
	"github.com/cuemby/air/pkg/httpapi"
	"github.com/cuemby/air/pkg/log"
	"github.com/cuemby/air/pkg/metrics"
	"github.com/cuemby/air/pkg/orchestrator"
	"github.com/cuemby/air/pkg/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve CONFIG",
	Short: "Run the review service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().Bool("skip-indexer", false, "[DEV] Skip the source indexer")
	serveCmd.Flags().Bool("keep-snapshots", false, "[DEV] Keep work-tree snapshots after review")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if skip, _ := cmd.Flags().GetBool("skip-indexer"); skip {
		cfg.SkipIndexer = true
	}
	if keep, _ := cmd.Flags().GetBool("keep-snapshots"); keep {
		cfg.KeepSnapshots = true
	}

	log.Logger.Info().Str("config", args[0]).Msg("starting air-service")

	authn, err := auth.Load(cfg.TokenDBPath)
	if err != nil {
		return fmt.Errorf("loading token db: %w", err)
	}

	var trackerClient tracker.Client = tracker.Unconfigured{}
	if cfg.Patchwork != nil {
		trackerClient = tracker.New(cfg.Patchwork.BaseURL, cfg.Patchwork.Project)
	}

	orch, err := orchestrator.New(cfg, trackerClient)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/", httpapi.New(orch, authn).Router())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := httpapi.NewHTTPServer(addr, mux)

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("HTTP server error")
	}

	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
