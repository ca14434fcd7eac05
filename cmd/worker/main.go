package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/app"
	"github.com/dvloznov/bank-reconciler/internal/buildinfo"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/syncrun"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	queueBuffer     = 100
	shutdownTimeout = 30 * time.Second
	// finished jobs stay queryable this long
	jobRetention = 24 * time.Hour
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Sync the configured accounts on a schedule and reap stale runs",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("BANKSYNC_CONFIG"), "Path to the YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	ctx = logger.WithContext(ctx, log)

	if len(cfg.Sync.Accounts) == 0 {
		return errors.New("sync.accounts is empty, nothing to schedule")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := a.Connector()
	if err != nil {
		return err
	}
	syncer, err := a.Syncer(ctx, conn)
	if err != nil {
		return err
	}

	// In production, this would be replaced with Cloud Tasks or Pub/Sub
	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(queueBuffer, cfg.Sync.Workers, jobStore)

	log.Info().
		Strs("accounts", cfg.Sync.Accounts).
		Dur("interval", cfg.Sync.Interval).
		Int("workers", cfg.Sync.Workers).
		Str("version", buildinfo.String()).
		Msg("Starting worker service")

	if err := queue.Start(ctx, a.SyncJobHandler(syncer)); err != nil {
		return fmt.Errorf("starting job consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return schedule(gctx, queue, jobStore, cfg.Sync)
	})
	g.Go(func() error {
		return syncrun.NewReaper(a.Tracker).Run(gctx, cfg.Sync.ReapInterval)
	})
	runErr := g.Wait()

	log.Info().Msg("Shutting down worker service...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// Stop the queue and wait for in-flight syncs
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Worker service exited")
	return runErr
}

// schedule enqueues one sync job per account right away and then on every
// tick, dropping finished jobs older than jobRetention as it goes.
func schedule(ctx context.Context, publisher jobs.Publisher, jobStore *inmemory.Store, cfg config.SyncConfig) error {
	log := logger.FromContext(ctx)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		for _, accountID := range cfg.Accounts {
			job := &jobs.SyncAccountJob{AccountID: accountID, Trigger: jobs.TriggerSchedule, MaxRetries: cfg.MaxRetries}
			if err := publisher.PublishSyncAccount(ctx, job); err != nil && ctx.Err() == nil {
				log.Error().
					Err(err).
					Str("account_id", accountID).
					Msg("Failed to enqueue sync job")
			}
		}
		if n := jobStore.Prune(time.Now().Add(-jobRetention)); n > 0 {
			log.Debug().Int("pruned", n).Msg("Dropped finished jobs")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
