// Package app wires the engine's components from a config.Config. Every process
// under cmd/ builds on it so they all run the exact same pipeline.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/bank-reconciler/internal/archive"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/connector/qonto"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	infraBQ "github.com/dvloznov/bank-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/infra/sqlite"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/pipeline"
	"github.com/dvloznov/bank-reconciler/internal/reconcile"
	"github.com/dvloznov/bank-reconciler/internal/retry"
	"github.com/dvloznov/bank-reconciler/internal/reviewsync"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/dvloznov/bank-reconciler/internal/store/memory"
	"github.com/dvloznov/bank-reconciler/internal/suggest"
	"github.com/dvloznov/bank-reconciler/internal/syncrun"
)

// App holds the components built from one configuration.
type App struct {
	Config      *config.Config
	Store       store.Store
	Tracker     *syncrun.Tracker
	Classifier  *rules.Classifier
	Coordinator *reconcile.Coordinator
	AutoMatcher *reconcile.AutoMatcher

	archiver archive.Archiver
	closers  []func() error
}

// New opens the configured store and builds the services on top of it.
// External clients (banking API, Notion, Gemini) are created on first use so
// commands that do not need them work without credentials.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	s, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	scorer, err := scoring.NewScorer(scoring.Config{
		Weights: scoring.Weights{
			Amount:       cfg.Scoring.Weights.Amount,
			Date:         cfg.Scoring.Weights.Date,
			Counterparty: cfg.Scoring.Weights.Counterparty,
		},
		AmountTolerance: cfg.Scoring.AmountTolerance,
		DateWindowDays:  cfg.Scoring.DateWindowDays,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("New: %w", err)
	}

	coordinator := reconcile.NewCoordinator(s, scorer)
	a := &App{
		Config:      cfg,
		Store:       s,
		Tracker:     syncrun.NewTracker(s, cfg.Sync.StaleAfter),
		Classifier:  rules.NewClassifier(s, s),
		Coordinator: coordinator,
		AutoMatcher: reconcile.NewAutoMatcher(coordinator, reconcile.Thresholds{
			AutoAccept: cfg.Thresholds.AutoAccept,
			ReviewFlag: cfg.Thresholds.ReviewFlag,
		}),
		closers: []func() error{s.Close},
	}
	return a, nil
}

// OpenStore opens the backend selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	case config.BackendBigQuery:
		s, err := infraBQ.New(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Backend)
	}
}

// RetryPolicy is the configured backoff for connector calls.
func (a *App) RetryPolicy() retry.Policy {
	r := a.Config.Retry
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// Connector builds the banking API client wrapped in the retry policy.
func (a *App) Connector() (connector.Connector, error) {
	c := a.Config.Connector
	client, err := qonto.New(qonto.Config{
		BaseURL:        c.BaseURL,
		AuthMode:       c.AuthMode,
		OrganizationID: c.OrganizationID,
		APIKey:         c.APIKey,
		AccessToken:    c.AccessToken,
		Timeout:        c.Timeout,
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("Connector: %w", err)
	}
	return connector.NewRetrying(client, a.RetryPolicy(), c.Timeout), nil
}

// Archiver returns the GCS archiver when a bucket is configured, Nop otherwise.
func (a *App) Archiver(ctx context.Context) (archive.Archiver, error) {
	if a.archiver != nil {
		return a.archiver, nil
	}
	if a.Config.Archive.Bucket == "" {
		a.archiver = archive.Nop{}
		return a.archiver, nil
	}
	gcs, err := archive.NewGCS(ctx, a.Config.Archive.Bucket, a.Config.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("Archiver: %w", err)
	}
	a.closers = append(a.closers, gcs.Close)
	a.archiver = gcs
	return gcs, nil
}

// Syncer builds a syncer over conn, archiving and classifying every page.
func (a *App) Syncer(ctx context.Context, conn connector.Connector) (*pipeline.Syncer, error) {
	archiver, err := a.Archiver(ctx)
	if err != nil {
		return nil, err
	}
	steps := pipeline.NewPagePipeline(archiver, a.Store, a.Classifier)
	return pipeline.NewSyncer(a.Tracker, conn, steps, pipeline.Options{
		PageSize: a.Config.Sync.PageSize,
		MaxPages: a.Config.Sync.MaxPages,
	}), nil
}

// SyncJobHandler syncs the job's account with syncer, then auto-matches what
// came in. A busy account is returned as is so the queue skips the job; a
// failed auto-match is logged and left to the next run.
func (a *App) SyncJobHandler(syncer *pipeline.Syncer) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.SyncAccountJob) error {
		log := logger.ForAccount(logger.FromContext(ctx), job.AccountID, "")

		start := pipeline.Start{Full: job.Full}
		if job.Since != nil {
			start.Since = *job.Since
		}
		res, err := syncer.SyncFrom(ctx, job.AccountID, start)
		if errors.Is(err, domain.ErrBusy) {
			return err
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("job_id", job.JobID).
				Msg("Sync failed")
			return err
		}
		job.RunID = res.Run.ID

		matched, err := a.AutoMatcher.Run(ctx, job.AccountID)
		if err != nil {
			log.Error().
				Err(err).
				Str("job_id", job.JobID).
				Msg("Auto-match failed")
			return nil
		}

		log.Info().
			Str("job_id", job.JobID).
			Str("run_id", res.Run.ID).
			Str("trigger", job.Trigger).
			Int("inserted", res.Inserted).
			Int("matched", matched.Matched).
			Int("flagged", matched.Flagged).
			Msg("Sync job done")
		return nil
	}
}

// ReviewExporter builds the Notion exporter.
func (a *App) ReviewExporter(dryRun bool) (*reviewsync.Exporter, error) {
	n := a.Config.Notion
	if n.Token == "" || n.DatabaseID == "" {
		return nil, errors.New("ReviewExporter: notion.token and notion.database_id are required")
	}
	return reviewsync.NewExporter(a.Store, a.Coordinator, reviewsync.NewNotionClient(n.Token), n.DatabaseID,
		reviewsync.Options{DryRun: dryRun}), nil
}

// Suggester builds the Gemini-backed rule suggester.
func (a *App) Suggester(ctx context.Context) (*suggest.Suggester, error) {
	model, err := suggest.NewGemini(ctx, a.Config.Gemini.Model)
	if err != nil {
		return nil, fmt.Errorf("Suggester: %w", err)
	}
	return suggest.NewSuggester(model), nil
}

// Close releases every client the app opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
