package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/store"
)

// ClassifyResult counts what one classification pass did.
type ClassifyResult struct {
	Classified int
	Unmatched  int
	// Conflicts are transactions whose status changed between read and write.
	Conflicts int
}

// Classifier applies the stored rules to unclassified transactions.
type Classifier struct {
	rules store.RuleStore
	txs   store.TransactionStore
	now   func() time.Time
}

// NewClassifier creates a classifier over the given stores.
func NewClassifier(rules store.RuleStore, txs store.TransactionStore) *Classifier {
	return &Classifier{rules: rules, txs: txs, now: time.Now}
}

// Engine loads the current rules and compiles them.
func (c *Classifier) Engine(ctx context.Context) (*Engine, error) {
	rules, err := c.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("Engine: loading rules: %w", err)
	}
	return NewEngine(ctx, rules), nil
}

// ClassifyNew classifies the given transactions if they are still unclassified.
func (c *Classifier) ClassifyNew(ctx context.Context, ids []string) (ClassifyResult, error) {
	if len(ids) == 0 {
		return ClassifyResult{}, nil
	}
	txs, err := c.txs.ListTransactions(ctx, store.TransactionFilter{
		IDs:      ids,
		Statuses: []domain.ClassificationStatus{domain.StatusUnclassified},
	})
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("ClassifyNew: listing transactions: %w", err)
	}
	return c.classify(ctx, txs)
}

// ClassifyAccount classifies every unclassified transaction of an account.
func (c *Classifier) ClassifyAccount(ctx context.Context, accountID string) (ClassifyResult, error) {
	txs, err := c.txs.ListTransactions(ctx, store.TransactionFilter{
		AccountID: accountID,
		Statuses:  []domain.ClassificationStatus{domain.StatusUnclassified},
	})
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("ClassifyAccount: listing transactions: %w", err)
	}
	return c.classify(ctx, txs)
}

func (c *Classifier) classify(ctx context.Context, txs []*domain.BankTransaction) (ClassifyResult, error) {
	var res ClassifyResult
	if len(txs) == 0 {
		return res, nil
	}

	engine, err := c.Engine(ctx)
	if err != nil {
		return res, err
	}
	log := logger.FromContext(ctx)

	for _, tx := range txs {
		m, ok := engine.Classify(*tx)
		if !ok {
			res.Unmatched++
			continue
		}
		_, err := c.txs.SetClassification(ctx, store.ClassificationUpdate{
			TransactionID:  tx.ID,
			To:             domain.StatusAutoClassified,
			Category:       m.Category,
			OrganisationID: m.OrganisationID,
			RuleID:         m.RuleID,
			At:             c.now().UTC(),
		})
		if errors.Is(err, domain.ErrConflict) {
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Msg("Transaction changed while classifying, skipping")
			res.Conflicts++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("classifying %s: %w", tx.ID, err)
		}
		res.Classified++
	}

	log.Info().
		Int("classified", res.Classified).
		Int("unmatched", res.Unmatched).
		Int("conflicts", res.Conflicts).
		Msg("Classification pass finished")
	return res, nil
}
