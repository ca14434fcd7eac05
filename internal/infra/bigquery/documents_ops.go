package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
)

const documentSelect = `
	SELECT document_id, kind, direction, total_amount, open_amount, currency, counterparty, due_date,
		issued_date, status
	FROM %s`

// UpsertDocument implements store.DocumentStore. The open amount is planned from
// the document's active settlements; the write asserts their sum has not moved
// and is retried like an allocation when it has.
func (s *Store) UpsertDocument(ctx context.Context, doc domain.FinancialDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("UpsertDocument: document ID is required")
	}
	doc.Currency = strings.ToUpper(doc.Currency)

	err := allocationPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		existing, err := s.getDocument(ctx, doc.ID)
		if errors.Is(err, domain.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return err
		}
		allocated, err := s.documentAllocated(ctx, doc.ID)
		if err != nil {
			return err
		}

		planned, err := domain.PlanDocumentRevision(existing, doc, allocated)
		if err != nil {
			return err
		}
		row := newDocumentRow(planned)

		_, err = s.exec(ctx, fmt.Sprintf(`
			BEGIN TRANSACTION;

			ASSERT (
				SELECT IFNULL(SUM(allocated_amount), 0) FROM %[2]s
				WHERE document_id = @document_id AND voided_ts IS NULL
			) = @allocated AS '%[3]s';

			MERGE %[1]s T
			USING (SELECT @document_id AS document_id) S
			ON T.document_id = S.document_id
			WHEN MATCHED THEN
			  UPDATE SET kind = @kind, direction = @direction, total_amount = @total_amount,
			             open_amount = @open_amount, currency = @currency, counterparty = @counterparty,
			             due_date = @due_date, issued_date = @issued_date, status = @status
			WHEN NOT MATCHED THEN
			  INSERT (document_id, kind, direction, total_amount, open_amount, currency, counterparty,
			          due_date, issued_date, status)
			  VALUES (@document_id, @kind, @direction, @total_amount, @open_amount, @currency, @counterparty,
			          @due_date, @issued_date, @status);

			COMMIT TRANSACTION;
		`, s.table(documentsTable), s.table(settlementsTable), assertConcurrent), []bigquery.QueryParameter{
			{Name: "document_id", Value: row.DocumentID},
			{Name: "allocated", Value: ratFromDecimal(allocated)},
			{Name: "kind", Value: row.Kind},
			{Name: "direction", Value: row.Direction},
			{Name: "total_amount", Value: row.TotalAmount},
			{Name: "open_amount", Value: row.OpenAmount},
			{Name: "currency", Value: row.Currency},
			{Name: "counterparty", Value: row.Counterparty},
			{Name: "due_date", Value: row.DueDate},
			{Name: "issued_date", Value: row.IssuedDate},
			{Name: "status", Value: row.Status},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("UpsertDocument %s: %w", doc.ID, concurrentConflict(err, "", doc.ID))
	}
	return nil
}

// GetDocument implements store.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.FinancialDocument, error) {
	doc, err := s.getDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetDocument: %w", err)
	}
	return doc, nil
}

func (s *Store) getDocument(ctx context.Context, id string) (*domain.FinancialDocument, error) {
	rows, err := read[DocumentRow](ctx, s.client,
		fmt.Sprintf(documentSelect+` WHERE document_id = @document_id`, s.table(documentsTable)),
		[]bigquery.QueryParameter{{Name: "document_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	doc, err := rows[0].toDomain()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// OpenDocuments implements store.DocumentStore.
func (s *Store) OpenDocuments(ctx context.Context, filter store.DocumentFilter) ([]*domain.FinancialDocument, error) {
	query := fmt.Sprintf(documentSelect+` WHERE open_amount > 0`, s.table(documentsTable))
	var params []bigquery.QueryParameter
	if filter.Direction != "" {
		query += " AND direction = @direction"
		params = append(params, bigquery.QueryParameter{Name: "direction", Value: string(filter.Direction)})
	}
	if filter.Currency != "" {
		query += " AND currency = @currency"
		params = append(params, bigquery.QueryParameter{Name: "currency", Value: strings.ToUpper(filter.Currency)})
	}
	query += " ORDER BY document_id"

	rows, err := read[DocumentRow](ctx, s.client, query, params)
	if err != nil {
		return nil, fmt.Errorf("OpenDocuments: %w", err)
	}
	result := make([]*domain.FinancialDocument, 0, len(rows))
	for _, r := range rows {
		doc, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("OpenDocuments: %w", err)
		}
		result = append(result, &doc)
	}
	return result, nil
}
