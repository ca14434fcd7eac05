// Package sqlite implements store.Store on a local SQLite file through the pure-Go
// modernc.org/sqlite driver. It is the default persistent backend of the CLI.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/store"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	heartbeat_at  TEXT NOT NULL,
	cursor        TEXT NOT NULL DEFAULT '',
	watermark     TEXT,
	error         TEXT NOT NULL DEFAULT '',
	lock_token    TEXT NOT NULL,
	pages         INTEGER NOT NULL DEFAULT 0,
	fetched       INTEGER NOT NULL DEFAULT 0,
	inserted      INTEGER NOT NULL DEFAULT 0,
	duplicates    INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	classified    INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS sync_runs_one_running
	ON sync_runs (account_id) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS sync_runs_account_started
	ON sync_runs (account_id, started_at);

CREATE TABLE IF NOT EXISTS transactions (
	id               TEXT PRIMARY KEY,
	external_id      TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	amount           TEXT NOT NULL,
	currency         TEXT NOT NULL,
	date             TEXT NOT NULL,
	label            TEXT NOT NULL DEFAULT '',
	counterparty     TEXT NOT NULL DEFAULT '',
	side             TEXT NOT NULL,
	raw              BLOB,
	status           TEXT NOT NULL,
	category         TEXT NOT NULL DEFAULT '',
	organisation_id  TEXT NOT NULL DEFAULT '',
	rule_id          TEXT NOT NULL DEFAULT '',
	sync_run_id      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (account_id, external_id)
);

CREATE TABLE IF NOT EXISTS matching_rules (
	id               TEXT PRIMARY KEY,
	pattern          TEXT NOT NULL,
	alt_patterns     TEXT NOT NULL DEFAULT '[]',
	match_type       TEXT NOT NULL,
	category         TEXT NOT NULL,
	organisation_id  TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL,
	active           INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	direction     TEXT NOT NULL,
	total_amount  TEXT NOT NULL,
	open_amount   TEXT NOT NULL,
	currency      TEXT NOT NULL,
	counterparty  TEXT NOT NULL DEFAULT '',
	due_date      TEXT,
	issued_at     TEXT NOT NULL,
	status        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id                TEXT PRIMARY KEY,
	transaction_id    TEXT NOT NULL REFERENCES transactions (id),
	document_id       TEXT NOT NULL REFERENCES documents (id),
	allocated_amount  TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	created_by        TEXT NOT NULL,
	voided_at         TEXT,
	voided_by         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS settlements_transaction ON settlements (transaction_id);
CREATE INDEX IF NOT EXISTS settlements_document ON settlements (document_id);
`

// Store is a SQLite-backed store.Store. All writes run inside a transaction on a
// single connection, which serializes them.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: opening db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: creating schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)
