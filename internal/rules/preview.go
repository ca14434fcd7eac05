package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

const maxSampleLabels = 3

// PreviewGroup gathers the transactions a rule would hit that share a
// normalized label.
type PreviewGroup struct {
	NormalizedLabel string
	SampleLabels    []string
	TransactionIDs  []string
	Count           int
	// Total is the sum of absolute amounts.
	Total     decimal.Decimal
	FirstSeen time.Time
	LastSeen  time.Time
	// AlreadyApplied counts transactions that already carry the rule's category.
	AlreadyApplied int
	// Pending counts transactions the rule would still classify.
	Pending int
}

// Preview reports which of txs the rule would match, without changing anything.
// The rule does not need to be active. Settled and ignored transactions are
// never reclassified and are left out.
func Preview(rule domain.MatchingRule, txs []*domain.BankTransaction) ([]PreviewGroup, error) {
	c, err := compile(rule)
	if err != nil {
		return nil, fmt.Errorf("Preview: rule %s: %w", rule.ID, err)
	}

	groups := make(map[string]*PreviewGroup)
	for _, tx := range txs {
		if tx.Status.Settled() || tx.Status == domain.StatusIgnored {
			continue
		}
		label := Normalize(tx.Label)
		if label == "" || !c.matches(label) {
			continue
		}

		g, ok := groups[label]
		if !ok {
			g = &PreviewGroup{NormalizedLabel: label, Total: decimal.Zero, FirstSeen: tx.Date, LastSeen: tx.Date}
			groups[label] = g
		}
		g.Count++
		g.Total = g.Total.Add(tx.AbsAmount())
		g.TransactionIDs = append(g.TransactionIDs, tx.ID)
		if tx.Date.Before(g.FirstSeen) {
			g.FirstSeen = tx.Date
		}
		if tx.Date.After(g.LastSeen) {
			g.LastSeen = tx.Date
		}
		if tx.Category == rule.Category {
			g.AlreadyApplied++
		} else {
			g.Pending++
		}
		if len(g.SampleLabels) < maxSampleLabels && !contains(g.SampleLabels, tx.Label) {
			g.SampleLabels = append(g.SampleLabels, tx.Label)
		}
	}

	result := make([]PreviewGroup, 0, len(groups))
	for _, g := range groups {
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].NormalizedLabel < result[j].NormalizedLabel
	})
	return result, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
