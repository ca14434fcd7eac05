package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

const transactionSelect = `
	SELECT transaction_id, external_id, account_id, amount, currency, booked_ts, label, counterparty, side,
		raw, status, category, organisation_id, rule_id, sync_run_id, created_ts, updated_ts
	FROM %s`

// Ingest implements store.TransactionStore. Existing keys are looked up first so
// the result can tell inserts from duplicates; the MERGE itself is still keyed on
// (account_id, external_id) and never touches existing rows.
func (s *Store) Ingest(ctx context.Context, runID string, records []connector.Record) (store.IngestResult, error) {
	var res store.IngestResult
	now := s.now().UTC()

	byAccount := make(map[string][]string)
	valid := make([]connector.Record, 0, len(records))
	for _, rec := range records {
		if err := store.ValidateRecord(rec); err != nil {
			res.Skip(ctx, rec, err)
			continue
		}
		res.Watermark = store.AdvanceWatermark(res.Watermark, rec.Date)
		accountID := strings.TrimSpace(rec.AccountID)
		byAccount[accountID] = append(byAccount[accountID], strings.TrimSpace(rec.ExternalID))
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		return res, nil
	}

	existing := make(map[string]bool)
	for accountID, externalIDs := range byAccount {
		ids, err := s.existingExternalIDs(ctx, accountID, externalIDs)
		if err != nil {
			return store.IngestResult{}, fmt.Errorf("Ingest: %w", err)
		}
		for _, id := range ids {
			existing[store.RecordKey(accountID, id)] = true
		}
	}

	var params []ingestParam
	for _, rec := range valid {
		key := store.RecordKey(rec.AccountID, rec.ExternalID)
		if existing[key] {
			res.Duplicates++
			continue
		}
		existing[key] = true

		tx := store.NewTransaction(rec, runID, now)
		params = append(params, newIngestParam(tx))
		res.Inserted = append(res.Inserted, tx.ID)
	}
	if len(params) == 0 {
		return res, nil
	}

	_, err := s.exec(ctx, fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@rows) S
		ON T.account_id = S.account_id AND T.external_id = S.external_id
		WHEN NOT MATCHED THEN
		  INSERT (transaction_id, external_id, account_id, amount, currency, booked_ts, label, counterparty,
		          side, raw, status, sync_run_id, created_ts, updated_ts)
		  VALUES (S.transaction_id, S.external_id, S.account_id, S.amount, S.currency, S.booked_ts, S.label,
		          S.counterparty, S.side, SAFE.PARSE_JSON(NULLIF(S.raw, '')), S.status, S.sync_run_id,
		          S.created_ts, S.created_ts)
	`, s.table(transactionsTable)), []bigquery.QueryParameter{{Name: "rows", Value: params}})
	if err != nil {
		return store.IngestResult{}, fmt.Errorf("Ingest: merging rows: %w", err)
	}
	return res, nil
}

func (s *Store) existingExternalIDs(ctx context.Context, accountID string, externalIDs []string) ([]string, error) {
	rows, err := read[struct {
		ExternalID string `bigquery:"external_id"`
	}](ctx, s.client, fmt.Sprintf(`
		SELECT external_id FROM %s
		WHERE account_id = @account_id AND external_id IN UNNEST(@external_ids)
	`, s.table(transactionsTable)), []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "external_ids", Value: externalIDs},
	})
	if err != nil {
		return nil, fmt.Errorf("reading existing keys of %s: %w", accountID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ExternalID)
	}
	return ids, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	tx, err := s.getTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return tx, nil
}

func (s *Store) getTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	rows, err := read[TransactionRow](ctx, s.client,
		fmt.Sprintf(transactionSelect+` WHERE transaction_id = @transaction_id`, s.table(transactionsTable)),
		[]bigquery.QueryParameter{{Name: "transaction_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("reading transaction %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	tx, err := rows[0].toDomain()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.BankTransaction, error) {
	where, params := transactionFilterSQL(filter)
	query := fmt.Sprintf(transactionSelect, s.table(transactionsTable))
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_ts, booked_ts, external_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := read[TransactionRow](ctx, s.client, query, params)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	result := make([]*domain.BankTransaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		result = append(result, &tx)
	}
	return result, nil
}

// transactionFilterSQL builds the WHERE clause of ListTransactions.
func transactionFilterSQL(filter store.TransactionFilter) (string, []bigquery.QueryParameter) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = @account_id")
		params = append(params, bigquery.QueryParameter{Name: "account_id", Value: filter.AccountID})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		where = append(where, "status IN UNNEST(@statuses)")
		params = append(params, bigquery.QueryParameter{Name: "statuses", Value: statuses})
	}
	if len(filter.IDs) > 0 {
		where = append(where, "transaction_id IN UNNEST(@ids)")
		params = append(params, bigquery.QueryParameter{Name: "ids", Value: filter.IDs})
	}
	return strings.Join(where, " AND "), params
}

// SetClassification implements store.TransactionStore. The update is guarded on
// the status that was read, so a concurrent change makes it a conflict.
func (s *Store) SetClassification(ctx context.Context, update store.ClassificationUpdate) (*domain.BankTransaction, error) {
	current, err := s.getTransaction(ctx, update.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("SetClassification: %w", err)
	}

	allocated := decimal.Zero
	if update.To == domain.StatusIgnored {
		if allocated, err = s.activeAllocated(ctx, current.ID); err != nil {
			return nil, fmt.Errorf("SetClassification: %w", err)
		}
		if err := domain.CheckIgnore(*current, allocated); err != nil {
			return nil, fmt.Errorf("SetClassification: %w", err)
		}
	}

	updated, err := store.ApplyClassification(*current, update)
	if err != nil {
		return nil, fmt.Errorf("SetClassification: %w", err)
	}

	guard := ""
	params := classificationParams(updated, current.Status)
	if update.To == domain.StatusIgnored {
		// ignoring must not race an allocation
		guard = fmt.Sprintf(` AND NOT EXISTS (
			SELECT 1 FROM %s WHERE transaction_id = @transaction_id AND voided_ts IS NULL)`,
			s.table(settlementsTable))
	}
	n, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = @status, category = @category, organisation_id = @organisation_id,
		    rule_id = @rule_id, updated_ts = @updated_ts
		WHERE transaction_id = @transaction_id AND status = @from_status`+guard,
		s.table(transactionsTable)), params)
	if err != nil {
		return nil, fmt.Errorf("SetClassification: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("SetClassification: %w",
			&domain.ConflictError{Reason: domain.ConflictConcurrentAllocation, TransactionID: current.ID})
	}
	return &updated, nil
}

func classificationParams(tx domain.BankTransaction, from domain.ClassificationStatus) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "transaction_id", Value: tx.ID},
		{Name: "status", Value: string(tx.Status)},
		{Name: "from_status", Value: string(from)},
		{Name: "category", Value: nullString(tx.Category)},
		{Name: "organisation_id", Value: nullString(tx.OrganisationID)},
		{Name: "rule_id", Value: nullString(tx.RuleID)},
		{Name: "updated_ts", Value: tx.UpdatedAt.UTC()},
	}
}
