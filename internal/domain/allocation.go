package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// transitions lists the forward moves allowed outside of unmatch.
var transitions = map[ClassificationStatus][]ClassificationStatus{
	StatusUnclassified:   {StatusAutoClassified, StatusPendingReview, StatusMatched, StatusIgnored},
	StatusAutoClassified: {StatusPendingReview, StatusMatched, StatusIgnored},
	StatusPendingReview:  {StatusMatched, StatusIgnored},
	StatusMatched:        {StatusReconciled},
	StatusIgnored:        {StatusUnclassified},
}

// CanTransition reports whether a transaction may move from one status to another
// without going through unmatch.
func CanTransition(from, to ClassificationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *ConflictError when the move is not allowed.
func CheckTransition(tx BankTransaction, to ClassificationStatus) error {
	if CanTransition(tx.Status, to) {
		return nil
	}
	return &ConflictError{
		Reason:        ConflictInvalidTransition,
		TransactionID: tx.ID,
		From:          tx.Status,
		To:            to,
	}
}

// AllocationPlan is the full set of writes for one applied match. Stores persist
// all three parts in a single atomic unit.
type AllocationPlan struct {
	Settlement  Settlement
	Transaction BankTransaction
	Document    FinancialDocument
}

// PlanAllocation validates an allocation of amount from tx to doc against the
// current state and returns the resulting writes. txAllocated is the sum of the
// transaction's active settlements. Over-allocation is reported, never clamped.
func PlanAllocation(tx BankTransaction, doc FinancialDocument, txAllocated, amount decimal.Decimal, actor string, now time.Time) (AllocationPlan, error) {
	conflict := func(reason ConflictReason) *ConflictError {
		return &ConflictError{Reason: reason, TransactionID: tx.ID, DocumentID: doc.ID, Requested: amount}
	}

	if !amount.IsPositive() {
		return AllocationPlan{}, conflict(ConflictInvalidAmount)
	}
	switch tx.Status {
	case StatusReconciled:
		return AllocationPlan{}, conflict(ConflictAlreadyReconciled)
	case StatusIgnored:
		return AllocationPlan{}, conflict(ConflictTransactionIgnored)
	}
	if !strings.EqualFold(tx.Currency, doc.Currency) {
		return AllocationPlan{}, conflict(ConflictCurrencyMismatch)
	}
	if tx.MatchingDirection() != doc.Direction {
		return AllocationPlan{}, conflict(ConflictDirectionMismatch)
	}
	if amount.GreaterThan(doc.OpenAmount) {
		c := conflict(ConflictDocumentCapacity)
		c.Remaining = decimal.Max(doc.OpenAmount, decimal.Zero)
		return AllocationPlan{}, c
	}
	txRemaining := tx.AbsAmount().Sub(txAllocated)
	if amount.GreaterThan(txRemaining) {
		c := conflict(ConflictTransactionCapacity)
		c.Remaining = decimal.Max(txRemaining, decimal.Zero)
		return AllocationPlan{}, c
	}

	if actor == "" {
		actor = ActorSystem
	}

	plan := AllocationPlan{
		Settlement: Settlement{
			ID:              uuid.NewString(),
			TransactionID:   tx.ID,
			DocumentID:      doc.ID,
			AllocatedAmount: amount,
			CreatedAt:       now,
			CreatedBy:       actor,
		},
		Transaction: tx,
		Document:    doc,
	}

	if txRemaining.Equal(amount) {
		plan.Transaction.Status = StatusMatched
	}
	plan.Transaction.UpdatedAt = now

	plan.Document.OpenAmount = doc.OpenAmount.Sub(amount)
	plan.Document.Status = DocumentStatusFor(doc.TotalAmount, plan.Document.OpenAmount)

	return plan, nil
}

// ReleasePlan is the set of writes that reverses one settlement.
type ReleasePlan struct {
	Settlement  Settlement
	Transaction BankTransaction
	Document    FinancialDocument
}

// PlanRelease voids s and reopens both sides. The transaction goes back to
// unclassified with its category cleared, so it can be classified again.
func PlanRelease(s Settlement, tx BankTransaction, doc FinancialDocument, actor string, now time.Time) (ReleasePlan, error) {
	if !s.Active() {
		return ReleasePlan{}, &ConflictError{
			Reason:        ConflictAlreadyVoided,
			SettlementID:  s.ID,
			TransactionID: s.TransactionID,
			DocumentID:    s.DocumentID,
		}
	}
	if actor == "" {
		actor = ActorSystem
	}

	plan := ReleasePlan{Settlement: s, Transaction: tx, Document: doc}

	voided := now
	plan.Settlement.VoidedAt = &voided
	plan.Settlement.VoidedBy = actor

	plan.Transaction.Status = StatusUnclassified
	plan.Transaction.Category = ""
	plan.Transaction.OrganisationID = ""
	plan.Transaction.RuleID = ""
	plan.Transaction.UpdatedAt = now

	open := doc.OpenAmount.Add(s.AllocatedAmount)
	if open.GreaterThan(doc.TotalAmount) {
		open = doc.TotalAmount
	}
	plan.Document.OpenAmount = open
	plan.Document.Status = DocumentStatusFor(doc.TotalAmount, open)

	return plan, nil
}

// CheckIgnore validates that tx can be set aside. A transaction carrying active
// settlements must be unmatched first.
func CheckIgnore(tx BankTransaction, activeAllocated decimal.Decimal) error {
	if activeAllocated.IsPositive() {
		return &ConflictError{Reason: ConflictHasSettlements, TransactionID: tx.ID, Remaining: activeAllocated}
	}
	return CheckTransition(tx, StatusIgnored)
}
