package reviewsync

import (
	"context"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/jomei/notionapi"
)

// NotionService defines the interface for interacting with Notion API.
// This interface enables mocking and testing of Notion operations.
type NotionService interface {
	// CreatePage creates a new page in a Notion database with the given properties.
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)

	// QueryDatabase queries a Notion database with the given filter.
	QueryDatabase(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)

	// ArchivePage removes a page from the database view.
	ArchivePage(ctx context.Context, pageID string) error
}

// CandidateSource ranks the documents a transaction could settle.
// *reconcile.Coordinator implements it.
type CandidateSource interface {
	Candidates(ctx context.Context, txID string) ([]scoring.Candidate, error)
}

// TransactionLister is the part of the transaction store the exporter reads.
type TransactionLister interface {
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.BankTransaction, error)
}
