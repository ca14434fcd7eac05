// Package reconcile links bank transactions to financial documents through
// settlements.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// Store is the subset of a backend the coordinator needs.
type Store interface {
	store.TransactionStore
	store.DocumentStore
	store.SettlementStore
}

// Coordinator applies and reverses matches. Every write goes through one
// atomic store call, so a rejected request leaves nothing behind.
type Coordinator struct {
	store  Store
	scorer *scoring.Scorer
	now    func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(s Store, scorer *scoring.Scorer) *Coordinator {
	return &Coordinator{store: s, scorer: scorer, now: time.Now}
}

// ApplyMatch allocates amount of the transaction to the document. Over-allocation
// and matches on reconciled or ignored transactions fail with *domain.ConflictError.
func (c *Coordinator) ApplyMatch(ctx context.Context, txID, docID string, amount decimal.Decimal, actor string) (*domain.Settlement, error) {
	log := logger.FromContext(ctx)

	st, err := c.store.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: txID,
		DocumentID:    docID,
		Amount:        amount,
		Actor:         actor,
		At:            c.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyMatch: %w", err)
	}

	log.Info().
		Str("settlement_id", st.ID).
		Str("transaction_id", txID).
		Str("document_id", docID).
		Str("amount", amount.StringFixed(2)).
		Str("actor", st.CreatedBy).
		Msg("Match applied")
	return st, nil
}

// Unmatch voids a settlement and reopens the transaction and the document.
func (c *Coordinator) Unmatch(ctx context.Context, settlementID, actor string) (*domain.Settlement, error) {
	log := logger.FromContext(ctx)

	st, err := c.store.VoidAllocation(ctx, settlementID, actor, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("Unmatch: %w", err)
	}

	log.Info().
		Str("settlement_id", st.ID).
		Str("transaction_id", st.TransactionID).
		Str("document_id", st.DocumentID).
		Str("actor", st.VoidedBy).
		Msg("Match voided")
	return st, nil
}

// Confirm moves a matched transaction to reconciled.
func (c *Coordinator) Confirm(ctx context.Context, txID, actor string) (*domain.BankTransaction, error) {
	log := logger.FromContext(ctx)

	tx, err := c.setStatus(ctx, txID, domain.StatusReconciled)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	log.Info().
		Str("transaction_id", txID).
		Str("actor", actor).
		Msg("Transaction reconciled")
	return tx, nil
}

// Ignore sets a transaction aside. It must carry no active settlement.
func (c *Coordinator) Ignore(ctx context.Context, txID, reason string) (*domain.BankTransaction, error) {
	log := logger.FromContext(ctx)

	tx, err := c.setStatus(ctx, txID, domain.StatusIgnored)
	if err != nil {
		return nil, fmt.Errorf("Ignore: %w", err)
	}
	log.Info().
		Str("transaction_id", txID).
		Str("reason", reason).
		Msg("Transaction ignored")
	return tx, nil
}

// Unignore returns an ignored transaction to unclassified.
func (c *Coordinator) Unignore(ctx context.Context, txID string) (*domain.BankTransaction, error) {
	tx, err := c.store.SetClassification(ctx, store.ClassificationUpdate{
		TransactionID: txID,
		To:            domain.StatusUnclassified,
		At:            c.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("Unignore: %w", err)
	}
	return tx, nil
}

func (c *Coordinator) setStatus(ctx context.Context, txID string, to domain.ClassificationStatus) (*domain.BankTransaction, error) {
	return c.store.SetClassification(ctx, store.ClassificationUpdate{
		TransactionID: txID,
		To:            to,
		KeepCategory:  true,
		At:            c.now().UTC(),
	})
}

// Candidates ranks the open documents the transaction could still settle.
func (c *Coordinator) Candidates(ctx context.Context, txID string) ([]scoring.Candidate, error) {
	tx, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("Candidates: %w", err)
	}
	candidates, err := c.candidates(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("Candidates: %w", err)
	}
	return candidates, nil
}

func (c *Coordinator) candidates(ctx context.Context, tx *domain.BankTransaction) ([]scoring.Candidate, error) {
	switch tx.Status {
	case domain.StatusReconciled:
		return nil, &domain.ConflictError{Reason: domain.ConflictAlreadyReconciled, TransactionID: tx.ID}
	case domain.StatusIgnored:
		return nil, &domain.ConflictError{Reason: domain.ConflictTransactionIgnored, TransactionID: tx.ID}
	}

	unallocated, err := c.unallocated(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !unallocated.IsPositive() {
		return nil, nil
	}

	docs, err := c.store.OpenDocuments(ctx, store.DocumentFilter{
		Direction: tx.MatchingDirection(),
		Currency:  tx.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("loading open documents: %w", err)
	}
	return c.scorer.ScoreCandidates(*tx, unallocated, docs), nil
}

// unallocated is the part of the transaction no active settlement covers.
func (c *Coordinator) unallocated(ctx context.Context, tx *domain.BankTransaction) (decimal.Decimal, error) {
	active, err := c.store.ListSettlements(ctx, store.SettlementFilter{TransactionID: tx.ID, ActiveOnly: true})
	if err != nil {
		return decimal.Zero, fmt.Errorf("loading settlements: %w", err)
	}
	allocated := decimal.Zero
	for _, st := range active {
		allocated = allocated.Add(st.AllocatedAmount)
	}
	return tx.AbsAmount().Sub(allocated), nil
}
