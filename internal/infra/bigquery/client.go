// Package bigquery implements store.Store on BigQuery. Multi-row writes run as
// BigQuery multi-statement transactions guarded by ASSERT statements, so a
// concurrent writer makes the script fail instead of producing a lost update.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"google.golang.org/api/iterator"
)

const (
	syncRunsTable     = "sync_runs"
	transactionsTable = "transactions"
	rulesTable        = "matching_rules"
	documentsTable    = "documents"
	settlementsTable  = "settlements"
)

// Store is the BigQuery-backed store.Store. It holds a shared client to avoid
// creating a new connection for each operation.
type Store struct {
	client  *bigquery.Client
	dataset string
	now     func() time.Time
}

// New creates a client for projectID and wraps it.
func New(ctx context.Context, projectID, datasetID string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("New: creating client: %w", err)
	}
	return NewWithClient(client, datasetID), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client *bigquery.Client, datasetID string) *Store {
	return &Store{client: client, dataset: datasetID, now: time.Now}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// table returns the fully qualified, quoted name of a table in the store's dataset.
func (s *Store) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.client.Project(), s.dataset, name)
}

// exec runs a DML statement or script and returns the number of rows it changed.
func (s *Store) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// read runs a query and loads every row into a T.
func read[T any](ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) ([]T, error) {
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var rows []T
	for {
		var r T
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)
