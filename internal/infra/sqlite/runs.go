package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
)

const runColumns = `id, account_id, status, started_at, finished_at, heartbeat_at, cursor, watermark,
	error, lock_token, pages, fetched, inserted, duplicates, skipped, classified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.SyncRun, error) {
	var (
		r                          domain.SyncRun
		status, started, heartbeat string
		finished, watermark        sql.NullString
	)
	err := row.Scan(&r.ID, &r.AccountID, &status, &started, &finished, &heartbeat, &r.Cursor, &watermark,
		&r.Error, &r.LockToken, &r.Stats.Pages, &r.Stats.Fetched, &r.Stats.Inserted, &r.Stats.Duplicates,
		&r.Stats.Skipped, &r.Stats.Classified)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.HeartbeatAt, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, err
	}
	if r.Watermark, err = parseTimePtr(watermark); err != nil {
		return nil, err
	}
	return &r, nil
}

// ClaimRun implements store.SyncRunStore. The partial unique index on running runs
// backs the check in case another process wrote between the read and the insert.
func (s *Store) ClaimRun(ctx context.Context, claim domain.SyncRun) (*domain.SyncRun, error) {
	run := claim
	run.Status = domain.RunRunning

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		running, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM sync_runs WHERE account_id = ? AND status = 'running' LIMIT 1`,
			claim.AccountID))
		switch {
		case err == nil:
			return &domain.BusyError{AccountID: running.AccountID, RunID: running.ID, StartedAt: running.StartedAt}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading running run: %w", err)
		}

		last, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM sync_runs WHERE account_id = ? AND status = 'succeeded'
			 ORDER BY started_at DESC LIMIT 1`, claim.AccountID))
		switch {
		case err == nil:
			run.Cursor = last.Cursor
			run.Watermark = last.Watermark
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading last succeeded run: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO sync_runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.AccountID, string(run.Status), formatTime(run.StartedAt), formatTimePtr(run.FinishedAt),
			formatTime(run.HeartbeatAt), run.Cursor, formatTimePtr(run.Watermark), run.Error, run.LockToken,
			run.Stats.Pages, run.Stats.Fetched, run.Stats.Inserted, run.Stats.Duplicates, run.Stats.Skipped,
			run.Stats.Classified)
		if isUniqueViolation(err) {
			return &domain.BusyError{AccountID: run.AccountID}
		}
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		return nil
	})
	if err != nil {
		var busy *domain.BusyError
		if errors.As(err, &busy) {
			return nil, busy
		}
		return nil, fmt.Errorf("ClaimRun %s: %w", claim.AccountID, err)
	}
	return &run, nil
}

// FinishRun implements store.SyncRunStore.
func (s *Store) FinishRun(ctx context.Context, run domain.SyncRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs SET
			status = ?, finished_at = ?, heartbeat_at = ?, cursor = ?, watermark = ?, error = ?,
			pages = ?, fetched = ?, inserted = ?, duplicates = ?, skipped = ?, classified = ?
		WHERE id = ? AND lock_token = ? AND status = 'running'`,
		string(run.Status), formatTimePtr(run.FinishedAt), formatTime(run.HeartbeatAt), run.Cursor,
		formatTimePtr(run.Watermark), run.Error, run.Stats.Pages, run.Stats.Fetched, run.Stats.Inserted,
		run.Stats.Duplicates, run.Stats.Skipped, run.Stats.Classified, run.ID, run.LockToken)
	if err != nil {
		return fmt.Errorf("FinishRun %s: %w", run.ID, err)
	}
	return requireOneRow(res, fmt.Sprintf("FinishRun %s", run.ID))
}

// TouchRun implements store.SyncRunStore.
func (s *Store) TouchRun(ctx context.Context, run domain.SyncRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs SET
			heartbeat_at = ?, pages = ?, fetched = ?, inserted = ?, duplicates = ?, skipped = ?, classified = ?
		WHERE id = ? AND lock_token = ? AND status = 'running'`,
		formatTime(run.HeartbeatAt), run.Stats.Pages, run.Stats.Fetched, run.Stats.Inserted,
		run.Stats.Duplicates, run.Stats.Skipped, run.Stats.Classified, run.ID, run.LockToken)
	if err != nil {
		return fmt.Errorf("TouchRun %s: %w", run.ID, err)
	}
	return requireOneRow(res, fmt.Sprintf("TouchRun %s", run.ID))
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: reading rows affected: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", op, domain.ErrLockLost)
	}
	return nil
}

// ReapRuns implements store.SyncRunStore.
func (s *Store) ReapRuns(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.SyncRun, error) {
	var reaped []domain.SyncRun
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+runColumns+` FROM sync_runs WHERE status = 'running' ORDER BY started_at`)
		if err != nil {
			return fmt.Errorf("querying running runs: %w", err)
		}
		var stale []domain.SyncRun
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning run: %w", err)
			}
			if r.LastActivity().Before(staleBefore) {
				stale = append(stale, *r)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, r := range stale {
			finished := now
			_, err := tx.ExecContext(ctx,
				`UPDATE sync_runs SET status = 'failed', finished_at = ?, error = ? WHERE id = ? AND status = 'running'`,
				formatTime(finished), reason, r.ID)
			if err != nil {
				return fmt.Errorf("failing run %s: %w", r.ID, err)
			}
			r.Status = domain.RunFailed
			r.FinishedAt = &finished
			r.Error = reason
			reaped = append(reaped, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ReapRuns: %w", err)
	}
	return reaped, nil
}

// LastRun implements store.SyncRunStore.
func (s *Store) LastRun(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE account_id = ? ORDER BY started_at DESC LIMIT 1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("LastRun %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LastRun %s: %w", accountID, err)
	}
	return r, nil
}
