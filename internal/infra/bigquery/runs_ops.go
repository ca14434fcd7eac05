package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
)

const runSelect = `
	SELECT run_id, account_id, status, started_ts, finished_ts, heartbeat_ts, cursor, watermark_ts,
		error_message, lock_token, pages, fetched, inserted, duplicates, skipped, classified
	FROM %s`

// ClaimRun implements store.SyncRunStore. The ASSERT and the INSERT share one
// transaction; a second claimer either trips the assert or is aborted by
// BigQuery's conflict detection, and both are reported as busy.
func (s *Store) ClaimRun(ctx context.Context, claim domain.SyncRun) (*domain.SyncRun, error) {
	runs := s.table(syncRunsTable)
	script := fmt.Sprintf(`
		BEGIN TRANSACTION;

		ASSERT NOT EXISTS (
			SELECT 1 FROM %[1]s WHERE account_id = @account_id AND status = 'running'
		) AS '%[2]s';

		INSERT %[1]s (
			run_id, account_id, status, started_ts, heartbeat_ts, cursor, watermark_ts, lock_token,
			pages, fetched, inserted, duplicates, skipped, classified
		)
		SELECT
			@run_id, @account_id, 'running', @started_ts, @heartbeat_ts, last.cursor, last.watermark_ts,
			@lock_token, 0, 0, 0, 0, 0, 0
		FROM (SELECT 1) AS one
		LEFT JOIN (
			SELECT cursor, watermark_ts FROM %[1]s
			WHERE account_id = @account_id AND status = 'succeeded'
			ORDER BY started_ts DESC
			LIMIT 1
		) AS last ON TRUE;

		COMMIT TRANSACTION;
	`, runs, assertSyncBusy)

	_, err := s.exec(ctx, script, []bigquery.QueryParameter{
		{Name: "run_id", Value: claim.ID},
		{Name: "account_id", Value: claim.AccountID},
		{Name: "started_ts", Value: claim.StartedAt.UTC()},
		{Name: "heartbeat_ts", Value: claim.HeartbeatAt.UTC()},
		{Name: "lock_token", Value: claim.LockToken},
	})
	if isBusy(err) || isConcurrentUpdate(err) {
		return nil, s.busyError(ctx, claim.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("ClaimRun %s: %w", claim.AccountID, err)
	}

	rows, err := read[SyncRunRow](ctx, s.client, fmt.Sprintf(runSelect+` WHERE run_id = @run_id`, runs),
		[]bigquery.QueryParameter{{Name: "run_id", Value: claim.ID}})
	if err != nil {
		return nil, fmt.Errorf("ClaimRun %s: reading claimed run: %w", claim.AccountID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ClaimRun %s: claimed run %s: %w", claim.AccountID, claim.ID, domain.ErrNotFound)
	}
	run := rows[0].toDomain()
	return &run, nil
}

// busyError describes the run currently holding the account. The lookup is best
// effort: the error is still ErrBusy when it fails.
func (s *Store) busyError(ctx context.Context, accountID string) error {
	busy := &domain.BusyError{AccountID: accountID}
	rows, err := read[SyncRunRow](ctx, s.client,
		fmt.Sprintf(runSelect+` WHERE account_id = @account_id AND status = 'running' LIMIT 1`, s.table(syncRunsTable)),
		[]bigquery.QueryParameter{{Name: "account_id", Value: accountID}})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("account_id", accountID).Msg("Could not read the running sync run")
		return busy
	}
	if len(rows) > 0 {
		busy.RunID = rows[0].RunID
		busy.StartedAt = rows[0].StartedTS.UTC()
	}
	return busy
}

// FinishRun implements store.SyncRunStore.
func (s *Store) FinishRun(ctx context.Context, run domain.SyncRun) error {
	n, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    heartbeat_ts = @heartbeat_ts,
		    cursor = @cursor,
		    watermark_ts = @watermark_ts,
		    error_message = @error_message,
		    pages = @pages, fetched = @fetched, inserted = @inserted,
		    duplicates = @duplicates, skipped = @skipped, classified = @classified
		WHERE run_id = @run_id AND lock_token = @lock_token AND status = 'running'
	`, s.table(syncRunsTable)), append(statsParams(run),
		bigquery.QueryParameter{Name: "status", Value: string(run.Status)},
		bigquery.QueryParameter{Name: "finished_ts", Value: nullTimestamp(run.FinishedAt)},
		bigquery.QueryParameter{Name: "heartbeat_ts", Value: run.HeartbeatAt.UTC()},
		bigquery.QueryParameter{Name: "cursor", Value: nullString(run.Cursor)},
		bigquery.QueryParameter{Name: "watermark_ts", Value: nullTimestamp(run.Watermark)},
		bigquery.QueryParameter{Name: "error_message", Value: nullString(truncate(run.Error, maxErrorLen))},
	))
	if err != nil {
		return fmt.Errorf("FinishRun %s: %w", run.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("FinishRun %s: %w", run.ID, domain.ErrLockLost)
	}
	return nil
}

// TouchRun implements store.SyncRunStore.
func (s *Store) TouchRun(ctx context.Context, run domain.SyncRun) error {
	n, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET heartbeat_ts = @heartbeat_ts,
		    pages = @pages, fetched = @fetched, inserted = @inserted,
		    duplicates = @duplicates, skipped = @skipped, classified = @classified
		WHERE run_id = @run_id AND lock_token = @lock_token AND status = 'running'
	`, s.table(syncRunsTable)), append(statsParams(run),
		bigquery.QueryParameter{Name: "heartbeat_ts", Value: run.HeartbeatAt.UTC()},
	))
	if err != nil {
		return fmt.Errorf("TouchRun %s: %w", run.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("TouchRun %s: %w", run.ID, domain.ErrLockLost)
	}
	return nil
}

func statsParams(run domain.SyncRun) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "run_id", Value: run.ID},
		{Name: "lock_token", Value: run.LockToken},
		{Name: "pages", Value: run.Stats.Pages},
		{Name: "fetched", Value: run.Stats.Fetched},
		{Name: "inserted", Value: run.Stats.Inserted},
		{Name: "duplicates", Value: run.Stats.Duplicates},
		{Name: "skipped", Value: run.Stats.Skipped},
		{Name: "classified", Value: run.Stats.Classified},
	}
}

// ReapRuns implements store.SyncRunStore.
func (s *Store) ReapRuns(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.SyncRun, error) {
	runs := s.table(syncRunsTable)
	rows, err := read[SyncRunRow](ctx, s.client, fmt.Sprintf(runSelect+`
		WHERE status = 'running' AND GREATEST(started_ts, heartbeat_ts) < @stale_before
		ORDER BY started_ts`, runs),
		[]bigquery.QueryParameter{{Name: "stale_before", Value: staleBefore.UTC()}})
	if err != nil {
		return nil, fmt.Errorf("ReapRuns: reading stale runs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.RunID)
	}

	// the heartbeat guard is repeated so a run touched since the read survives
	_, err = s.exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', finished_ts = @now, error_message = @reason
		WHERE run_id IN UNNEST(@run_ids)
		  AND status = 'running'
		  AND GREATEST(started_ts, heartbeat_ts) < @stale_before
	`, runs), []bigquery.QueryParameter{
		{Name: "now", Value: now.UTC()},
		{Name: "reason", Value: reason},
		{Name: "run_ids", Value: ids},
		{Name: "stale_before", Value: staleBefore.UTC()},
	})
	if err != nil {
		return nil, fmt.Errorf("ReapRuns: failing stale runs: %w", err)
	}

	reaped := make([]domain.SyncRun, 0, len(rows))
	for _, r := range rows {
		run := r.toDomain()
		finished := now
		run.Status = domain.RunFailed
		run.FinishedAt = &finished
		run.Error = reason
		reaped = append(reaped, run)
	}
	return reaped, nil
}

// LastRun implements store.SyncRunStore.
func (s *Store) LastRun(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	rows, err := read[SyncRunRow](ctx, s.client, fmt.Sprintf(runSelect+`
		WHERE account_id = @account_id
		ORDER BY started_ts DESC
		LIMIT 1`, s.table(syncRunsTable)),
		[]bigquery.QueryParameter{{Name: "account_id", Value: accountID}})
	if err != nil {
		return nil, fmt.Errorf("LastRun %s: %w", accountID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("LastRun %s: %w", accountID, domain.ErrNotFound)
	}
	run := rows[0].toDomain()
	return &run, nil
}

const maxErrorLen = 2000

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
