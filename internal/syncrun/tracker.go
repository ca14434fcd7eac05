// Package syncrun owns the lifecycle of sync runs: claiming an account,
// completing the run and reaping runs whose owner went away.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/google/uuid"
)

// DefaultStaleAfter is how long a running run may go without a heartbeat.
const DefaultStaleAfter = 15 * time.Minute

// Outcome is what the run owner reports when it is done.
type Outcome struct {
	// Err is nil for a successful run.
	Err error
	// Cursor is the position after the last page that was fully stored.
	Cursor string
	// Watermark is the latest transaction date ingested by this run.
	Watermark *time.Time
	Stats     domain.RunStats
}

// Tracker claims and releases accounts. It holds no state of its own; the
// store enforces that a single run per account is running.
type Tracker struct {
	runs       store.SyncRunStore
	staleAfter time.Duration
	now        func() time.Time
}

// NewTracker creates a tracker. A non-positive staleAfter uses DefaultStaleAfter.
func NewTracker(runs store.SyncRunStore, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{runs: runs, staleAfter: staleAfter, now: time.Now}
}

// BeginSync claims the account. When another run is in progress it returns a
// *domain.BusyError and changes nothing. The returned run resumes from the
// cursor and watermark of the last successful run.
func (t *Tracker) BeginSync(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	log := logger.FromContext(ctx)
	if accountID == "" {
		return nil, errors.New("BeginSync: account ID is required")
	}

	now := t.now().UTC()
	run, err := t.runs.ClaimRun(ctx, domain.SyncRun{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		StartedAt:   now,
		HeartbeatAt: now,
		LockToken:   uuid.NewString(),
	})
	if errors.Is(err, domain.ErrBusy) {
		log.Info().
			Err(err).
			Str("account_id", accountID).
			Msg("Sync already running, not starting another")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("BeginSync: claiming %s: %w", accountID, err)
	}

	log.Info().
		Str("account_id", accountID).
		Str("run_id", run.ID).
		Str("cursor", run.Cursor).
		Msg("Sync run started")
	return run, nil
}

// Heartbeat records that the owner of run is still working.
func (t *Tracker) Heartbeat(ctx context.Context, run *domain.SyncRun) error {
	touched := *run
	touched.HeartbeatAt = t.now().UTC()
	if err := t.runs.TouchRun(ctx, touched); err != nil {
		return fmt.Errorf("Heartbeat: %w", err)
	}
	run.HeartbeatAt = touched.HeartbeatAt
	return nil
}

// CompleteSync releases the claim. A successful run persists the new cursor
// and watermark; a failed one keeps the watermark it started from and records
// the error. A run that was reaped in the meantime fails with domain.ErrLockLost.
func (t *Tracker) CompleteSync(ctx context.Context, run *domain.SyncRun, out Outcome) (*domain.SyncRun, error) {
	log := logger.FromContext(ctx)

	final := *run
	finished := t.now().UTC()
	final.FinishedAt = &finished
	final.HeartbeatAt = finished
	final.Stats = out.Stats
	if out.Cursor != "" {
		final.Cursor = out.Cursor
	}

	if out.Err == nil {
		final.Status = domain.RunSucceeded
		final.Error = ""
		if out.Watermark != nil && (final.Watermark == nil || out.Watermark.After(*final.Watermark)) {
			w := out.Watermark.UTC()
			final.Watermark = &w
		}
	} else {
		final.Status = domain.RunFailed
		final.Error = out.Err.Error()
	}

	if err := t.runs.FinishRun(ctx, final); err != nil {
		return nil, fmt.Errorf("CompleteSync: %w", err)
	}

	event := log.Info()
	msg := "Sync run succeeded"
	if out.Err != nil {
		event = log.Error().Err(out.Err)
		msg = "Sync run failed"
	}
	event.
		Str("account_id", final.AccountID).
		Str("run_id", final.ID).
		Str("cursor", final.Cursor).
		Int("pages", final.Stats.Pages).
		Int("inserted", final.Stats.Inserted).
		Int("duplicates", final.Stats.Duplicates).
		Int("skipped", final.Stats.Skipped).
		Msg(msg)
	return &final, nil
}

// Reap force-fails every running run that has shown no activity for longer
// than the stale timeout. Reaped runs need investigation and are logged as such.
func (t *Tracker) Reap(ctx context.Context) ([]domain.SyncRun, error) {
	log := logger.FromContext(ctx)

	now := t.now().UTC()
	reason := fmt.Sprintf("reaped: no activity for %s", t.staleAfter)
	reaped, err := t.runs.ReapRuns(ctx, now.Add(-t.staleAfter), reason, now)
	if err != nil {
		return nil, fmt.Errorf("Reap: %w", err)
	}

	for _, r := range reaped {
		log.Warn().
			Str("account_id", r.AccountID).
			Str("run_id", r.ID).
			Time("started_at", r.StartedAt).
			Time("last_activity", r.LastActivity()).
			Str("cursor", r.Cursor).
			Msg("Reaped abandoned sync run, investigate the owner")
	}
	return reaped, nil
}

// LastStatus returns the most recent run of the account.
func (t *Tracker) LastStatus(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	run, err := t.runs.LastRun(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("LastStatus: %w", err)
	}
	return run, nil
}
