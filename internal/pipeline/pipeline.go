// Package pipeline pulls transactions from the banking API into the store, one
// claimed sync run at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/dvloznov/bank-reconciler/internal/syncrun"
)

// DefaultPageSize is used when Options.PageSize is not set.
const DefaultPageSize = 100

// RunTracker is the part of syncrun.Tracker the syncer drives.
type RunTracker interface {
	BeginSync(ctx context.Context, accountID string) (*domain.SyncRun, error)
	Heartbeat(ctx context.Context, run *domain.SyncRun) error
	CompleteSync(ctx context.Context, run *domain.SyncRun, out syncrun.Outcome) (*domain.SyncRun, error)
}

// Options bound a single sync.
type Options struct {
	PageSize int
	// MaxPages stops the run after that many pages; the next run continues from
	// the saved cursor. Zero means no limit.
	MaxPages int
}

// Result summarizes a successful sync.
type Result struct {
	Run *domain.SyncRun
	domain.RunStats
	Duration time.Duration
}

// SyncError reports a failed sync with the point it can be resumed from.
type SyncError struct {
	AccountID string
	RunID     string
	// Cursor is the position after the last page that was fully stored.
	Cursor string
	// Watermark is the one of the last successful run; it did not move.
	Watermark *time.Time
	Err       error
}

func (e *SyncError) Error() string {
	cursor := e.Cursor
	if cursor == "" {
		cursor = "<start>"
	}
	watermark := "<none>"
	if e.Watermark != nil {
		watermark = e.Watermark.Format(time.RFC3339)
	}
	return fmt.Sprintf("sync of account %s failed (run %s, cursor %s, watermark %s): %v",
		e.AccountID, e.RunID, cursor, watermark, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Syncer runs one account sync end to end.
type Syncer struct {
	tracker   RunTracker
	connector connector.Connector
	steps     *Pipeline
	opts      Options
	now       func() time.Time
}

// NewSyncer creates a syncer. steps is applied to every fetched page, usually
// NewPagePipeline.
func NewSyncer(tracker RunTracker, conn connector.Connector, steps *Pipeline, opts Options) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Syncer{tracker: tracker, connector: conn, steps: steps, opts: opts, now: time.Now}
}

// Start chooses where a sync begins. The zero value resumes from the saved cursor.
type Start struct {
	// Full ignores the saved cursor and pages from the first record.
	Full bool
	// Since starts at the first record dated on or after it. Connectors that
	// cannot seek page from the first record instead.
	Since time.Time
}

func (st Start) String() string {
	switch {
	case !st.Since.IsZero():
		return "since " + st.Since.Format(time.DateOnly)
	case st.Full:
		return "full"
	}
	return "resume"
}

// Sync claims the account, pages through the connector from the saved cursor
// and completes the run. A running sync makes it return *domain.BusyError
// untouched; any other failure is a *SyncError.
func (s *Syncer) Sync(ctx context.Context, accountID string) (*Result, error) {
	return s.SyncFrom(ctx, accountID, Start{})
}

// SyncFrom is Sync with an explicit starting point, for backfills after a reset
// or a bad run. The cursor it reaches is saved like any other sync's.
func (s *Syncer) SyncFrom(ctx context.Context, accountID string, start Start) (*Result, error) {
	return s.run(ctx, accountID, s.connector, start, false)
}

// Replay runs source through the same page steps under a claimed run, starting
// from its first page. The account's saved cursor is left as it was, so the
// next Sync resumes the live connector where it stopped. Records already
// stored count as duplicates.
func (s *Syncer) Replay(ctx context.Context, accountID string, source connector.Connector) (*Result, error) {
	return s.run(ctx, accountID, source, Start{Full: true}, true)
}

func (s *Syncer) run(ctx context.Context, accountID string, conn connector.Connector, start Start, replay bool) (*Result, error) {
	began := s.now()

	run, err := s.tracker.BeginSync(ctx, accountID)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With().
		Str("account_id", accountID).
		Str("run_id", run.ID).
		Bool("replay", replay).
		Str("start", start.String()).
		Logger()
	ctx = logger.WithContext(ctx, log)

	var (
		stats     domain.RunStats
		watermark *time.Time
		cursor    = run.Cursor
	)
	if start.Full || !start.Since.IsZero() {
		cursor = ""
	}
	// saved is the cursor the run is completed with; empty keeps the old one.
	saved := func() string {
		if replay {
			return ""
		}
		return cursor
	}

	fail := func(cause error) (*Result, error) {
		syncErr := &SyncError{AccountID: accountID, RunID: run.ID, Cursor: cursor, Watermark: run.Watermark, Err: cause}
		if errors.Is(cause, domain.ErrLockLost) {
			return nil, syncErr
		}
		// the run must be released even when the caller gave up
		_, err := s.tracker.CompleteSync(context.WithoutCancel(ctx), run, syncrun.Outcome{
			Err:       cause,
			Cursor:    saved(),
			Watermark: watermark,
			Stats:     stats,
		})
		if err != nil {
			syncErr.Err = errors.Join(cause, err)
		}
		return nil, syncErr
	}

	if !start.Since.IsZero() {
		seeked, err := seek(ctx, conn, accountID, start.Since)
		if err != nil {
			return fail(err)
		}
		cursor = seeked
	}

	for page := 1; s.opts.MaxPages <= 0 || page <= s.opts.MaxPages; page++ {
		p, err := conn.FetchPage(ctx, accountID, cursor, s.opts.PageSize)
		if err != nil {
			return fail(err)
		}

		state := &PageState{Run: run, Number: page, Cursor: cursor, Page: p}
		if err := s.steps.Execute(ctx, state); err != nil {
			return fail(err)
		}

		stats.Pages++
		stats.Fetched += len(p.Records)
		stats.Inserted += len(state.Ingest.Inserted)
		stats.Duplicates += state.Ingest.Duplicates
		stats.Skipped += len(state.Ingest.Skipped)
		stats.Classified += state.Classified
		if w := state.Ingest.Watermark; w != nil {
			watermark = store.AdvanceWatermark(watermark, *w)
		}

		log.Debug().
			Int("page", page).
			Int("records", len(p.Records)).
			Int("inserted", len(state.Ingest.Inserted)).
			Msg("Page stored")

		if p.NextCursor == "" {
			// the last page is fetched again next time to pick up late records
			break
		}
		cursor = p.NextCursor

		run.Stats = stats
		if err := s.tracker.Heartbeat(ctx, run); err != nil {
			return fail(err)
		}
	}

	done, err := s.tracker.CompleteSync(ctx, run, syncrun.Outcome{
		Cursor:    saved(),
		Watermark: watermark,
		Stats:     stats,
	})
	if err != nil {
		return nil, &SyncError{AccountID: accountID, RunID: run.ID, Cursor: cursor, Watermark: run.Watermark, Err: err}
	}

	return &Result{Run: done, RunStats: stats, Duration: s.now().Sub(began)}, nil
}

// seek turns since into a cursor. A connector that cannot seek pages from its
// first record, which fetches more but never less.
func seek(ctx context.Context, conn connector.Connector, accountID string, since time.Time) (string, error) {
	seeker, ok := conn.(connector.Seeker)
	if !ok {
		return "", nil
	}
	cursor, err := seeker.CursorAt(ctx, accountID, since)
	if errors.Is(err, connector.ErrSeekUnsupported) {
		log := logger.FromContext(ctx)
		log.Warn().Time("since", since).Msg("Connector cannot seek, syncing from the first record")
		return "", nil
	}
	return cursor, err
}
