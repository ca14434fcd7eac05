package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentKind string

const (
	KindInvoice DocumentKind = "invoice"
	KindExpense DocumentKind = "expense"
	KindOrder   DocumentKind = "order"
)

// Direction says whether the document expects money in or out.
type Direction string

const (
	DirectionReceivable Direction = "receivable"
	DirectionPayable    Direction = "payable"
)

type DocumentStatus string

const (
	DocumentOpen    DocumentStatus = "open"
	DocumentPartial DocumentStatus = "partial"
	DocumentPaid    DocumentStatus = "paid"
)

// FinancialDocument is an invoice, expense or order owned by another part of the
// business. The engine only changes OpenAmount and Status, and only by applying
// or voiding settlements.
type FinancialDocument struct {
	ID           string
	Kind         DocumentKind
	Direction    Direction
	TotalAmount  decimal.Decimal
	OpenAmount   decimal.Decimal
	Currency     string
	Counterparty string
	DueDate      *time.Time
	IssuedAt     time.Time
	Status       DocumentStatus
}

// Allocated is the amount already settled against the document.
func (d FinancialDocument) Allocated() decimal.Decimal {
	return d.TotalAmount.Sub(d.OpenAmount)
}

// ReferenceDate is the date transactions are compared against: the due date when
// known, the issue date otherwise.
func (d FinancialDocument) ReferenceDate() time.Time {
	if d.DueDate != nil {
		return *d.DueDate
	}
	return d.IssuedAt
}

// DocumentStatusFor derives the status from the open and total amounts.
func DocumentStatusFor(total, open decimal.Decimal) DocumentStatus {
	switch {
	case open.LessThanOrEqual(decimal.Zero):
		return DocumentPaid
	case open.LessThan(total):
		return DocumentPartial
	default:
		return DocumentOpen
	}
}

// PlanDocumentRevision merges an incoming copy of a document with the stored one.
// existing is nil for a new document. allocated is the sum of the document's
// active settlements; the open amount is recomputed from it and never exceeds
// what the incoming copy reports as open.
func PlanDocumentRevision(existing *FinancialDocument, incoming FinancialDocument, allocated decimal.Decimal) (FinancialDocument, error) {
	if existing != nil && allocated.IsPositive() {
		if existing.Direction != incoming.Direction || !strings.EqualFold(existing.Currency, incoming.Currency) {
			return FinancialDocument{}, &ConflictError{Reason: ConflictHasSettlements, DocumentID: incoming.ID, Remaining: allocated}
		}
		if incoming.TotalAmount.LessThan(allocated) {
			return FinancialDocument{}, &ConflictError{
				Reason:     ConflictTotalBelowAllocated,
				DocumentID: incoming.ID,
				Requested:  incoming.TotalAmount,
				Remaining:  allocated,
			}
		}
	}

	doc := incoming
	open := incoming.TotalAmount.Sub(allocated)
	if incoming.OpenAmount.LessThan(open) {
		open = incoming.OpenAmount
	}
	doc.OpenAmount = decimal.Max(open, decimal.Zero)
	doc.Status = DocumentStatusFor(doc.TotalAmount, doc.OpenAmount)
	return doc, nil
}
