package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/retry"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

const settlementSelect = `
	SELECT settlement_id, transaction_id, document_id, allocated_amount, created_ts, created_by,
		voided_ts, voided_by
	FROM %s`

// allocationPolicy re-plans an allocation that lost a race with another writer.
func allocationPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Retryable:    isConcurrentUpdate,
	}
}

// ApplyAllocation implements store.SettlementStore. Each attempt reads the
// transaction, document and active settlements, plans the change in Go, then
// writes it in one transaction that asserts none of the inputs moved.
func (s *Store) ApplyAllocation(ctx context.Context, req store.AllocationRequest) (*domain.Settlement, error) {
	var settlement domain.Settlement
	err := allocationPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		tx, err := s.getTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		doc, err := s.getDocument(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		allocated, err := s.activeAllocated(ctx, tx.ID)
		if err != nil {
			return err
		}

		plan, err := domain.PlanAllocation(*tx, *doc, allocated, req.Amount, req.Actor, req.At)
		if err != nil {
			return err
		}

		st := plan.Settlement
		_, err = s.exec(ctx, s.guardedScript(fmt.Sprintf(`
			INSERT %s (settlement_id, transaction_id, document_id, allocated_amount, created_ts, created_by)
			VALUES (@settlement_id, @transaction_id, @document_id, @amount, @at, @actor);
		`, s.table(settlementsTable))), guardParams(*tx, *doc, allocated, plan.Transaction, plan.Document,
			bigquery.QueryParameter{Name: "settlement_id", Value: st.ID},
			bigquery.QueryParameter{Name: "amount", Value: ratFromDecimal(st.AllocatedAmount)},
			bigquery.QueryParameter{Name: "at", Value: st.CreatedAt.UTC()},
			bigquery.QueryParameter{Name: "actor", Value: st.CreatedBy},
		))
		if err != nil {
			return err
		}
		settlement = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyAllocation: %w", concurrentConflict(err, req.TransactionID, req.DocumentID))
	}
	return &settlement, nil
}

// VoidAllocation implements store.SettlementStore.
func (s *Store) VoidAllocation(ctx context.Context, settlementID, actor string, at time.Time) (*domain.Settlement, error) {
	var voided domain.Settlement
	var txID, docID string
	err := allocationPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		st, err := s.getSettlement(ctx, settlementID)
		if err != nil {
			return err
		}
		txID, docID = st.TransactionID, st.DocumentID

		tx, err := s.getTransaction(ctx, st.TransactionID)
		if err != nil {
			return err
		}
		doc, err := s.getDocument(ctx, st.DocumentID)
		if err != nil {
			return err
		}
		allocated, err := s.activeAllocated(ctx, tx.ID)
		if err != nil {
			return err
		}

		plan, err := domain.PlanRelease(*st, *tx, *doc, actor, at)
		if err != nil {
			return err
		}

		_, err = s.exec(ctx, s.guardedScript(fmt.Sprintf(`
			UPDATE %s SET voided_ts = @at, voided_by = @actor
			WHERE settlement_id = @settlement_id AND voided_ts IS NULL;
		`, s.table(settlementsTable))), guardParams(*tx, *doc, allocated, plan.Transaction, plan.Document,
			bigquery.QueryParameter{Name: "settlement_id", Value: st.ID},
			bigquery.QueryParameter{Name: "at", Value: plan.Settlement.VoidedAt.UTC()},
			bigquery.QueryParameter{Name: "actor", Value: plan.Settlement.VoidedBy},
		))
		if err != nil {
			return err
		}
		voided = plan.Settlement
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("VoidAllocation: %w", concurrentConflict(err, txID, docID))
	}
	return &voided, nil
}

// guardedScript wraps write in a transaction that first asserts the transaction
// status, its allocated total and the document's open amount still hold the
// values the plan was computed from, then applies the planned updates.
func (s *Store) guardedScript(write string) string {
	txs, docs, settlements := s.table(transactionsTable), s.table(documentsTable), s.table(settlementsTable)
	return fmt.Sprintf(`
		BEGIN TRANSACTION;

		ASSERT (
			SELECT COUNT(*) FROM %[1]s WHERE transaction_id = @transaction_id AND status = @from_status
		) = 1 AS '%[4]s';
		ASSERT (
			SELECT IFNULL(SUM(allocated_amount), 0) FROM %[3]s
			WHERE transaction_id = @transaction_id AND voided_ts IS NULL
		) = @allocated AS '%[4]s';
		ASSERT (
			SELECT COUNT(*) FROM %[2]s WHERE document_id = @document_id AND open_amount = @open_before
		) = 1 AS '%[4]s';

		%[5]s

		UPDATE %[1]s
		SET status = @status, category = @category, organisation_id = @organisation_id,
		    rule_id = @rule_id, updated_ts = @updated_ts
		WHERE transaction_id = @transaction_id;

		UPDATE %[2]s
		SET open_amount = @open_after, status = @doc_status
		WHERE document_id = @document_id;

		COMMIT TRANSACTION;
	`, txs, docs, settlements, assertConcurrent, strings.TrimSpace(write))
}

func guardParams(before domain.BankTransaction, docBefore domain.FinancialDocument, allocated decimal.Decimal,
	after domain.BankTransaction, docAfter domain.FinancialDocument, extra ...bigquery.QueryParameter) []bigquery.QueryParameter {
	params := classificationParams(after, before.Status)
	params = append(params,
		bigquery.QueryParameter{Name: "allocated", Value: ratFromDecimal(allocated)},
		bigquery.QueryParameter{Name: "document_id", Value: docBefore.ID},
		bigquery.QueryParameter{Name: "open_before", Value: ratFromDecimal(docBefore.OpenAmount)},
		bigquery.QueryParameter{Name: "open_after", Value: ratFromDecimal(docAfter.OpenAmount)},
		bigquery.QueryParameter{Name: "doc_status", Value: string(docAfter.Status)},
	)
	return append(params, extra...)
}

// concurrentConflict turns a race that outlived the retries into a conflict the
// caller can resubmit.
func concurrentConflict(err error, txID, docID string) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) && isConcurrentUpdate(exhausted.Err) {
		return &domain.ConflictError{Reason: domain.ConflictConcurrentAllocation, TransactionID: txID, DocumentID: docID}
	}
	return err
}

func (s *Store) getSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	rows, err := read[SettlementRow](ctx, s.client,
		fmt.Sprintf(settlementSelect+` WHERE settlement_id = @settlement_id`, s.table(settlementsTable)),
		[]bigquery.QueryParameter{{Name: "settlement_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("reading settlement %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("settlement %s: %w", id, domain.ErrNotFound)
	}
	st, err := rows[0].toDomain()
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) activeAllocated(ctx context.Context, txID string) (decimal.Decimal, error) {
	return s.sumActive(ctx, store.SettlementFilter{TransactionID: txID, ActiveOnly: true})
}

func (s *Store) documentAllocated(ctx context.Context, docID string) (decimal.Decimal, error) {
	return s.sumActive(ctx, store.SettlementFilter{DocumentID: docID, ActiveOnly: true})
}

func (s *Store) sumActive(ctx context.Context, filter store.SettlementFilter) (decimal.Decimal, error) {
	active, err := s.listSettlements(ctx, filter)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, st := range active {
		total = total.Add(st.AllocatedAmount)
	}
	return total, nil
}

// ListSettlements implements store.SettlementStore.
func (s *Store) ListSettlements(ctx context.Context, filter store.SettlementFilter) ([]*domain.Settlement, error) {
	result, err := s.listSettlements(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ListSettlements: %w", err)
	}
	return result, nil
}

func (s *Store) listSettlements(ctx context.Context, filter store.SettlementFilter) ([]*domain.Settlement, error) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = @transaction_id")
		params = append(params, bigquery.QueryParameter{Name: "transaction_id", Value: filter.TransactionID})
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = @document_id")
		params = append(params, bigquery.QueryParameter{Name: "document_id", Value: filter.DocumentID})
	}
	if filter.ActiveOnly {
		where = append(where, "voided_ts IS NULL")
	}
	query := fmt.Sprintf(settlementSelect, s.table(settlementsTable))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_ts, settlement_id"

	rows, err := read[SettlementRow](ctx, s.client, query, params)
	if err != nil {
		return nil, fmt.Errorf("reading settlements: %w", err)
	}
	result := make([]*domain.Settlement, 0, len(rows))
	for _, r := range rows {
		st, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, &st)
	}
	return result, nil
}
