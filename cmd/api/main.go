package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/api"
	"github.com/dvloznov/bank-reconciler/internal/app"
	"github.com/dvloznov/bank-reconciler/internal/buildinfo"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		addr       string
	)
	root := &cobra.Command{
		Use:           "api",
		Short:         "Serve the reconciliation operations over HTTP",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("BANKSYNC_CONFIG"), "Path to the YAML config file")
	root.Flags().StringVar(&addr, "addr", "", "Listen address (overrides api.addr)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	ctx = logger.WithContext(ctx, log)

	if cfg.API.Token == "" {
		log.Warn().Msg("No api.token configured - requests are not authenticated")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, cfg.Sync.Workers, jobStore)

	conn, err := a.Connector()
	if err != nil {
		log.Warn().Err(err).Msg("Banking API not configured - enqueued syncs will fail")
	} else {
		syncer, err := a.Syncer(ctx, conn)
		if err != nil {
			return err
		}
		if err := jobQueue.Start(ctx, a.SyncJobHandler(syncer)); err != nil {
			return fmt.Errorf("starting job consumer: %w", err)
		}
		log.Info().Int("workers", cfg.Sync.Workers).Msg("Job workers started")
	}

	handler := api.NewHandler(api.Deps{
		Store:      a.Store,
		Reconciler: a.Coordinator,
		Runs:       a.Tracker,
		Publisher:  jobQueue,
		Jobs:       jobStore,
		MaxRetries: cfg.Sync.MaxRetries,
		Token:      cfg.API.Token,
	}, log)

	server := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.API.Addr).Str("version", buildinfo.String()).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
	return nil
}
