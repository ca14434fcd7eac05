package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActorSystem marks settlements created by the auto-matcher.
const ActorSystem = "system"

// Settlement allocates part of a transaction to a document.
// VoidedAt is set once the allocation has been reversed by unmatch.
type Settlement struct {
	ID              string
	TransactionID   string
	DocumentID      string
	AllocatedAmount decimal.Decimal
	CreatedAt       time.Time
	CreatedBy       string
	VoidedAt        *time.Time
	VoidedBy        string
}

// Active reports whether the allocation still counts.
func (s Settlement) Active() bool {
	return s.VoidedAt == nil
}

// SumActive totals the active allocations in settlements.
func SumActive(settlements []Settlement) decimal.Decimal {
	total := decimal.Zero
	for _, s := range settlements {
		if s.Active() {
			total = total.Add(s.AllocatedAmount)
		}
	}
	return total
}
