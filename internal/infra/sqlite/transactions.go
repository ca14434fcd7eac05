package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

const txColumns = `id, external_id, account_id, amount, currency, date, label, counterparty, side, raw,
	status, category, organisation_id, rule_id, sync_run_id, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTransaction(row rowScanner) (*domain.BankTransaction, error) {
	var (
		t                                    domain.BankTransaction
		side, status, date, created, updated string
		raw                                  []byte
	)
	err := row.Scan(&t.ID, &t.ExternalID, &t.AccountID, &t.Amount, &t.Currency, &date, &t.Label,
		&t.Counterparty, &side, &raw, &status, &t.Category, &t.OrganisationID, &t.RuleID, &t.SyncRunID,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.Status = domain.ClassificationStatus(status)
	if len(raw) > 0 {
		t.Raw = raw
	}
	if t.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func getTransaction(ctx context.Context, q querier, id string) (*domain.BankTransaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading transaction %s: %w", id, err)
	}
	return t, nil
}

// Ingest implements store.TransactionStore.
func (s *Store) Ingest(ctx context.Context, runID string, records []connector.Record) (store.IngestResult, error) {
	var res store.IngestResult
	now := s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (`+txColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, external_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if err := store.ValidateRecord(rec); err != nil {
				res.Skip(ctx, rec, err)
				continue
			}
			res.Watermark = store.AdvanceWatermark(res.Watermark, rec.Date)

			t := store.NewTransaction(rec, runID, now)
			var raw []byte
			if len(t.Raw) > 0 {
				raw = t.Raw
			}
			r, err := stmt.ExecContext(ctx, t.ID, t.ExternalID, t.AccountID, t.Amount, t.Currency,
				formatTime(t.Date), t.Label, t.Counterparty, string(t.Side), raw, string(t.Status), t.Category,
				t.OrganisationID, t.RuleID, t.SyncRunID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
			if err != nil {
				return fmt.Errorf("inserting %s/%s: %w", t.AccountID, t.ExternalID, err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return fmt.Errorf("reading rows affected: %w", err)
			}
			if n == 0 {
				res.Duplicates++
				continue
			}
			res.Inserted = append(res.Inserted, t.ID)
		}
		return nil
	})
	if err != nil {
		return store.IngestResult{}, fmt.Errorf("Ingest: %w", err)
	}
	return res, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	t, err := getTransaction(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.BankTransaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.BankTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: scanning row: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return result, nil
}

// SetClassification implements store.TransactionStore.
func (s *Store) SetClassification(ctx context.Context, update store.ClassificationUpdate) (*domain.BankTransaction, error) {
	var updated domain.BankTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTransaction(ctx, tx, update.TransactionID)
		if err != nil {
			return err
		}
		if update.To == domain.StatusIgnored {
			allocated, err := activeAllocated(ctx, tx, current.ID)
			if err != nil {
				return err
			}
			if err := domain.CheckIgnore(*current, allocated); err != nil {
				return err
			}
		}
		updated, err = store.ApplyClassification(*current, update)
		if err != nil {
			return err
		}
		return writeClassification(ctx, tx, updated, current.Status)
	})
	if err != nil {
		return nil, fmt.Errorf("SetClassification: %w", err)
	}
	return &updated, nil
}

// writeClassification stores the classification fields of t, guarded on the
// status it was read with.
func writeClassification(ctx context.Context, q querier, t domain.BankTransaction, from domain.ClassificationStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE transactions
		SET status = ?, category = ?, organisation_id = ?, rule_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status), t.Category, t.OrganisationID, t.RuleID, formatTime(t.UpdatedAt), t.ID, string(from))
	if err != nil {
		return fmt.Errorf("updating transaction %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n != 1 {
		return &domain.ConflictError{Reason: domain.ConflictConcurrentAllocation, TransactionID: t.ID}
	}
	return nil
}

func activeAllocated(ctx context.Context, q querier, txID string) (decimal.Decimal, error) {
	return sumActive(ctx, q, "transaction_id", txID)
}

// sumActive adds up the unvoided settlements whose column equals id. Amounts are
// stored as text, so the sum runs in Go.
func sumActive(ctx context.Context, q querier, column, id string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT allocated_amount FROM settlements WHERE `+column+` = ? AND voided_at IS NULL`, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing settlements of %s: %w", id, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amt decimal.Decimal
		if err := rows.Scan(&amt); err != nil {
			return decimal.Zero, fmt.Errorf("scanning allocated amount: %w", err)
		}
		total = total.Add(amt)
	}
	return total, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
