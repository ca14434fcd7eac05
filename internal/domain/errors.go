package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by stores when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy matches every *BusyError.
	ErrBusy = errors.New("sync already running")

	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("reconciliation conflict")

	// ErrLockLost is returned when a run is completed after it was reaped or already finished.
	ErrLockLost = errors.New("sync run lock lost")
)

// BusyError is returned by BeginSync when another run holds the account.
type BusyError struct {
	AccountID string
	RunID     string
	StartedAt time.Time
}

func (e *BusyError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("account %s: %s", e.AccountID, ErrBusy)
	}
	return fmt.Sprintf("account %s: %s (run %s since %s)", e.AccountID, ErrBusy, e.RunID, e.StartedAt.Format(time.RFC3339))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// ConflictReason classifies a rejected reconciliation request.
type ConflictReason string

const (
	ConflictInvalidAmount        ConflictReason = "invalid_amount"
	ConflictTransactionCapacity  ConflictReason = "over_allocation_transaction"
	ConflictDocumentCapacity     ConflictReason = "over_allocation_document"
	ConflictAlreadyReconciled    ConflictReason = "already_reconciled"
	ConflictTransactionIgnored   ConflictReason = "transaction_ignored"
	ConflictCurrencyMismatch     ConflictReason = "currency_mismatch"
	ConflictDirectionMismatch    ConflictReason = "direction_mismatch"
	ConflictHasSettlements       ConflictReason = "has_settlements"
	ConflictAlreadyVoided        ConflictReason = "already_voided"
	ConflictInvalidTransition    ConflictReason = "invalid_transition"
	ConflictConcurrentAllocation ConflictReason = "concurrent_allocation"
	ConflictTotalBelowAllocated  ConflictReason = "total_below_allocated"
)

// ConflictError describes why a reconciliation request was refused.
// Requested and Remaining are set for capacity conflicts so the caller can
// resubmit a corrected amount.
type ConflictError struct {
	Reason        ConflictReason
	TransactionID string
	DocumentID    string
	SettlementID  string
	Requested     decimal.Decimal
	Remaining     decimal.Decimal
	From          ClassificationStatus
	To            ClassificationStatus
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ConflictTransactionCapacity:
		return fmt.Sprintf("conflict: allocation %s exceeds remaining %s on transaction %s",
			e.Requested.StringFixed(2), e.Remaining.StringFixed(2), e.TransactionID)
	case ConflictDocumentCapacity:
		return fmt.Sprintf("conflict: allocation %s exceeds remaining %s on document %s",
			e.Requested.StringFixed(2), e.Remaining.StringFixed(2), e.DocumentID)
	case ConflictInvalidTransition:
		return fmt.Sprintf("conflict: transaction %s cannot move from %s to %s", e.TransactionID, e.From, e.To)
	case ConflictTotalBelowAllocated:
		return fmt.Sprintf("conflict: document %s total %s is below the %s already settled",
			e.DocumentID, e.Requested.StringFixed(2), e.Remaining.StringFixed(2))
	case ConflictAlreadyVoided:
		return fmt.Sprintf("conflict: settlement %s already voided", e.SettlementID)
	}
	return fmt.Sprintf("conflict: %s (transaction %s, document %s)", e.Reason, e.TransactionID, e.DocumentID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
