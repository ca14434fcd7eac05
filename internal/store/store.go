// Package store defines the repositories the engine persists through. Each backend
// (memory, sqlite, bigquery) implements all of them.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// SyncRunStore persists sync runs and enforces one running run per account.
type SyncRunStore interface {
	// ClaimRun atomically inserts claim as the running run of its account. The
	// returned run carries the cursor and watermark of the last succeeded run.
	// When another run is running it returns *domain.BusyError and writes nothing.
	ClaimRun(ctx context.Context, claim domain.SyncRun) (*domain.SyncRun, error)

	// FinishRun stores the final state of a running run. It fails with
	// domain.ErrLockLost if the run is no longer running under run.LockToken.
	FinishRun(ctx context.Context, run domain.SyncRun) error

	// TouchRun refreshes the heartbeat and counters of a running run.
	TouchRun(ctx context.Context, run domain.SyncRun) error

	// ReapRuns fails every running run whose last activity is before staleBefore.
	ReapRuns(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.SyncRun, error)

	// LastRun returns the most recently started run of the account.
	LastRun(ctx context.Context, accountID string) (*domain.SyncRun, error)
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	// Inserted holds the internal ids of new transactions, in input order.
	Inserted   []string
	Duplicates int
	Skipped    []SkippedRecord
	// Watermark is the latest date among valid records, nil when there were none.
	Watermark *time.Time
}

// SkippedRecord is a record rejected during ingest.
type SkippedRecord struct {
	ExternalID string
	Reason     string
}

// TransactionFilter narrows ListTransactions. Zero values do not filter.
type TransactionFilter struct {
	AccountID string
	Statuses  []domain.ClassificationStatus
	IDs       []string
	Limit     int
}

// ClassificationUpdate is a compare-and-set on a transaction's classification.
// It is applied only when the move from the current status to To is allowed.
type ClassificationUpdate struct {
	TransactionID  string
	To             domain.ClassificationStatus
	Category       string
	OrganisationID string
	RuleID         string
	// KeepCategory leaves the category, organisation and rule untouched.
	KeepCategory bool
	At           time.Time
}

// TransactionStore holds bank transactions.
type TransactionStore interface {
	// Ingest upserts records keyed by (account, external id). Existing rows are
	// left untouched; malformed records are skipped and reported.
	Ingest(ctx context.Context, runID string, records []connector.Record) (IngestResult, error)
	GetTransaction(ctx context.Context, id string) (*domain.BankTransaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*domain.BankTransaction, error)
	SetClassification(ctx context.Context, update ClassificationUpdate) (*domain.BankTransaction, error)
}

// RuleStore holds matching rules.
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.MatchingRule, error)
	GetRule(ctx context.Context, id string) (*domain.MatchingRule, error)
	SaveRule(ctx context.Context, rule domain.MatchingRule) error
}

// DocumentFilter narrows OpenDocuments. Zero values do not filter.
type DocumentFilter struct {
	Direction domain.Direction
	Currency  string
}

// DocumentStore reads the financial documents owned by other systems. Documents
// are only mutated through the SettlementStore.
type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc domain.FinancialDocument) error
	GetDocument(ctx context.Context, id string) (*domain.FinancialDocument, error)
	// OpenDocuments returns documents that still have an open amount.
	OpenDocuments(ctx context.Context, filter DocumentFilter) ([]*domain.FinancialDocument, error)
}

// AllocationRequest asks to settle Amount of a transaction against a document.
type AllocationRequest struct {
	TransactionID string
	DocumentID    string
	Amount        decimal.Decimal
	Actor         string
	At            time.Time
}

// SettlementFilter narrows ListSettlements.
type SettlementFilter struct {
	TransactionID string
	DocumentID    string
	ActiveOnly    bool
}

// SettlementStore applies and reverses allocations. Both operations read the
// current transaction, document and settlements and write all of them in one
// atomic unit, planning the change with domain.PlanAllocation / PlanRelease.
type SettlementStore interface {
	ApplyAllocation(ctx context.Context, req AllocationRequest) (*domain.Settlement, error)
	VoidAllocation(ctx context.Context, settlementID, actor string, at time.Time) (*domain.Settlement, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]*domain.Settlement, error)
}

// Store bundles every repository of one backend.
type Store interface {
	SyncRunStore
	TransactionStore
	RuleStore
	DocumentStore
	SettlementStore
	Close() error
}
