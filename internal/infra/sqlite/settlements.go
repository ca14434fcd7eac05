package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
)

// ── rules ─────────────────────────────────────────────────────────────

const ruleColumns = `id, pattern, alt_patterns, match_type, category, organisation_id, priority, active, created_at`

func scanRule(row rowScanner) (*domain.MatchingRule, error) {
	var (
		r                         domain.MatchingRule
		alt, matchType, createdAt string
	)
	if err := row.Scan(&r.ID, &r.Pattern, &alt, &matchType, &r.Category, &r.OrganisationID, &r.Priority,
		&r.Active, &createdAt); err != nil {
		return nil, err
	}
	r.MatchType = domain.MatchType(matchType)
	if err := json.Unmarshal([]byte(alt), &r.AltPatterns); err != nil {
		return nil, fmt.Errorf("decoding alt patterns of rule %s: %w", r.ID, err)
	}
	if len(r.AltPatterns) == 0 {
		r.AltPatterns = nil
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context) ([]domain.MatchingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM matching_rules ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	defer rows.Close()

	var rules []domain.MatchingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRules: scanning row: %w", err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	return rules, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, id string) (*domain.MatchingRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM matching_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetRule %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule %s: %w", id, err)
	}
	return r, nil
}

// SaveRule implements store.RuleStore.
func (s *Store) SaveRule(ctx context.Context, rule domain.MatchingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("SaveRule: rule ID is required")
	}
	alt := rule.AltPatterns
	if alt == nil {
		alt = []string{}
	}
	altJSON, err := json.Marshal(alt)
	if err != nil {
		return fmt.Errorf("SaveRule: encoding alt patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO matching_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pattern = excluded.pattern, alt_patterns = excluded.alt_patterns, match_type = excluded.match_type,
			category = excluded.category, organisation_id = excluded.organisation_id,
			priority = excluded.priority, active = excluded.active`,
		rule.ID, rule.Pattern, string(altJSON), string(rule.MatchType), rule.Category, rule.OrganisationID,
		rule.Priority, rule.Active, formatTime(rule.CreatedAt))
	if err != nil {
		return fmt.Errorf("SaveRule %s: %w", rule.ID, err)
	}
	return nil
}

// ── documents ─────────────────────────────────────────────────────────

const docColumns = `id, kind, direction, total_amount, open_amount, currency, counterparty, due_date, issued_at, status`

func scanDocument(row rowScanner) (*domain.FinancialDocument, error) {
	var (
		d                                 domain.FinancialDocument
		kind, direction, issuedAt, status string
		dueDate                           sql.NullString
	)
	if err := row.Scan(&d.ID, &kind, &direction, &d.TotalAmount, &d.OpenAmount, &d.Currency, &d.Counterparty,
		&dueDate, &issuedAt, &status); err != nil {
		return nil, err
	}
	d.Kind = domain.DocumentKind(kind)
	d.Direction = domain.Direction(direction)
	d.Status = domain.DocumentStatus(status)
	var err error
	if d.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if d.DueDate, err = parseTimePtr(dueDate); err != nil {
		return nil, err
	}
	return &d, nil
}

func getDocument(ctx context.Context, q querier, id string) (*domain.FinancialDocument, error) {
	d, err := scanDocument(q.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", id, err)
	}
	return d, nil
}

// UpsertDocument implements store.DocumentStore. The stored row, the sum of its
// active settlements and the write share one SQLite transaction.
func (s *Store) UpsertDocument(ctx context.Context, doc domain.FinancialDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("UpsertDocument: document ID is required")
	}
	doc.Currency = strings.ToUpper(doc.Currency)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getDocument(ctx, tx, doc.ID)
		if errors.Is(err, domain.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return err
		}
		allocated, err := sumActive(ctx, tx, "document_id", doc.ID)
		if err != nil {
			return err
		}

		planned, err := domain.PlanDocumentRevision(existing, doc, allocated)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO documents (`+docColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				kind = excluded.kind, direction = excluded.direction, total_amount = excluded.total_amount,
				open_amount = excluded.open_amount, currency = excluded.currency,
				counterparty = excluded.counterparty, due_date = excluded.due_date,
				issued_at = excluded.issued_at, status = excluded.status`,
			planned.ID, string(planned.Kind), string(planned.Direction), planned.TotalAmount, planned.OpenAmount,
			planned.Currency, planned.Counterparty, formatTimePtr(planned.DueDate), formatTime(planned.IssuedAt),
			string(planned.Status))
		return err
	})
	if err != nil {
		return fmt.Errorf("UpsertDocument %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument implements store.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.FinancialDocument, error) {
	d, err := getDocument(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("GetDocument: %w", err)
	}
	return d, nil
}

// OpenDocuments implements store.DocumentStore. Amounts are stored as text, so
// the open-amount filter runs in Go.
func (s *Store) OpenDocuments(ctx context.Context, filter store.DocumentFilter) ([]*domain.FinancialDocument, error) {
	query := `SELECT ` + docColumns + ` FROM documents WHERE status != 'paid'`
	var args []any
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	if filter.Currency != "" {
		query += " AND currency = ?"
		args = append(args, strings.ToUpper(filter.Currency))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("OpenDocuments: %w", err)
	}
	defer rows.Close()

	var result []*domain.FinancialDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("OpenDocuments: scanning row: %w", err)
		}
		if d.OpenAmount.IsPositive() {
			result = append(result, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("OpenDocuments: %w", err)
	}
	return result, nil
}

// ── settlements ───────────────────────────────────────────────────────

const settlementColumns = `id, transaction_id, document_id, allocated_amount, created_at, created_by, voided_at, voided_by`

func scanSettlement(row rowScanner) (*domain.Settlement, error) {
	var (
		st        domain.Settlement
		createdAt string
		voidedAt  sql.NullString
	)
	if err := row.Scan(&st.ID, &st.TransactionID, &st.DocumentID, &st.AllocatedAmount, &createdAt,
		&st.CreatedBy, &voidedAt, &st.VoidedBy); err != nil {
		return nil, err
	}
	var err error
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.VoidedAt, err = parseTimePtr(voidedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// ApplyAllocation implements store.SettlementStore. The read, the capacity checks
// and the three writes share one SQLite transaction.
func (s *Store) ApplyAllocation(ctx context.Context, req store.AllocationRequest) (*domain.Settlement, error) {
	var settlement domain.Settlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTransaction(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		doc, err := getDocument(ctx, tx, req.DocumentID)
		if err != nil {
			return err
		}
		allocated, err := activeAllocated(ctx, tx, t.ID)
		if err != nil {
			return err
		}

		plan, err := domain.PlanAllocation(*t, *doc, allocated, req.Amount, req.Actor, req.At)
		if err != nil {
			return err
		}

		st := plan.Settlement
		if _, err := tx.ExecContext(ctx, `INSERT INTO settlements (`+settlementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, '')`,
			st.ID, st.TransactionID, st.DocumentID, st.AllocatedAmount, formatTime(st.CreatedAt), st.CreatedBy); err != nil {
			return fmt.Errorf("inserting settlement: %w", err)
		}
		if err := writeClassification(ctx, tx, plan.Transaction, t.Status); err != nil {
			return err
		}
		if err := writeOpenAmount(ctx, tx, plan.Document); err != nil {
			return err
		}
		settlement = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyAllocation: %w", err)
	}
	return &settlement, nil
}

// VoidAllocation implements store.SettlementStore.
func (s *Store) VoidAllocation(ctx context.Context, settlementID, actor string, at time.Time) (*domain.Settlement, error) {
	var voided domain.Settlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := scanSettlement(tx.QueryRowContext(ctx,
			`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, settlementID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("settlement %s: %w", settlementID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading settlement %s: %w", settlementID, err)
		}
		t, err := getTransaction(ctx, tx, st.TransactionID)
		if err != nil {
			return err
		}
		doc, err := getDocument(ctx, tx, st.DocumentID)
		if err != nil {
			return err
		}

		plan, err := domain.PlanRelease(*st, *t, *doc, actor, at)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE settlements SET voided_at = ?, voided_by = ? WHERE id = ? AND voided_at IS NULL`,
			formatTimePtr(plan.Settlement.VoidedAt), plan.Settlement.VoidedBy, st.ID); err != nil {
			return fmt.Errorf("voiding settlement: %w", err)
		}
		if err := writeClassification(ctx, tx, plan.Transaction, t.Status); err != nil {
			return err
		}
		if err := writeOpenAmount(ctx, tx, plan.Document); err != nil {
			return err
		}
		voided = plan.Settlement
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("VoidAllocation: %w", err)
	}
	return &voided, nil
}

func writeOpenAmount(ctx context.Context, q querier, doc domain.FinancialDocument) error {
	if _, err := q.ExecContext(ctx, `UPDATE documents SET open_amount = ?, status = ? WHERE id = ?`,
		doc.OpenAmount, string(doc.Status), doc.ID); err != nil {
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	return nil
}

// ListSettlements implements store.SettlementStore.
func (s *Store) ListSettlements(ctx context.Context, filter store.SettlementFilter) ([]*domain.Settlement, error) {
	var (
		where []string
		args  []any
	)
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.ActiveOnly {
		where = append(where, "voided_at IS NULL")
	}
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListSettlements: %w", err)
	}
	defer rows.Close()

	var result []*domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSettlements: scanning row: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSettlements: %w", err)
	}
	return result, nil
}
