package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// Thresholds decide what the auto-matcher does with the best candidate.
type Thresholds struct {
	// AutoAccept is the score at or above which the match is applied.
	AutoAccept float64
	// ReviewFlag is the score at or above which the transaction is flagged
	// pending_review instead.
	ReviewFlag float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoAccept: 0.95, ReviewFlag: 0.70}
}

// AutoMatchResult counts what one auto-match pass did.
type AutoMatchResult struct {
	Matched   int
	Flagged   int
	Untouched int
	Conflicts int
}

// AutoMatcher applies confident matches and flags plausible ones for review.
type AutoMatcher struct {
	coordinator *Coordinator
	thresholds  Thresholds
}

func NewAutoMatcher(c *Coordinator, t Thresholds) *AutoMatcher {
	return &AutoMatcher{coordinator: c, thresholds: t}
}

// Run considers every unclassified or auto_classified transaction of the
// account. Conflicts with concurrent writers are logged and skipped.
func (m *AutoMatcher) Run(ctx context.Context, accountID string) (AutoMatchResult, error) {
	log := logger.FromContext(ctx).With().Str("account_id", accountID).Logger()
	var res AutoMatchResult

	txs, err := m.coordinator.store.ListTransactions(ctx, store.TransactionFilter{
		AccountID: accountID,
		Statuses:  []domain.ClassificationStatus{domain.StatusUnclassified, domain.StatusAutoClassified},
	})
	if err != nil {
		return res, fmt.Errorf("AutoMatcher.Run: listing transactions: %w", err)
	}

	for _, tx := range txs {
		err := m.consider(ctx, tx, &res)
		if errors.Is(err, domain.ErrConflict) {
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Msg("Skipping transaction after reconciliation conflict")
			res.Conflicts++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("AutoMatcher.Run: transaction %s: %w", tx.ID, err)
		}
	}

	log.Info().
		Int("matched", res.Matched).
		Int("flagged", res.Flagged).
		Int("untouched", res.Untouched).
		Int("conflicts", res.Conflicts).
		Msg("Auto-match pass finished")
	return res, nil
}

func (m *AutoMatcher) consider(ctx context.Context, tx *domain.BankTransaction, res *AutoMatchResult) error {
	c := m.coordinator
	candidates, err := c.candidates(ctx, tx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		res.Untouched++
		return nil
	}
	top := candidates[0]

	switch {
	case top.Score >= m.thresholds.AutoAccept:
		unallocated, err := c.unallocated(ctx, tx)
		if err != nil {
			return err
		}
		amount := decimal.Min(unallocated, top.Document.OpenAmount)
		if _, err := c.ApplyMatch(ctx, tx.ID, top.DocumentID, amount, domain.ActorSystem); err != nil {
			return err
		}
		res.Matched++
	case top.Score >= m.thresholds.ReviewFlag:
		if _, err := c.setStatus(ctx, tx.ID, domain.StatusPendingReview); err != nil {
			return err
		}
		res.Flagged++
	default:
		res.Untouched++
	}
	return nil
}
