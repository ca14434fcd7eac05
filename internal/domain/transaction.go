package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of money movement on the bank account.
type Side string

const (
	SideCredit Side = "credit"
	SideDebit  Side = "debit"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideCredit || s == SideDebit
}

// ClassificationStatus tracks how far a transaction has progressed towards reconciliation.
type ClassificationStatus string

const (
	StatusUnclassified   ClassificationStatus = "unclassified"
	StatusAutoClassified ClassificationStatus = "auto_classified"
	StatusPendingReview  ClassificationStatus = "pending_review"
	StatusMatched        ClassificationStatus = "matched"
	StatusReconciled     ClassificationStatus = "reconciled"
	StatusIgnored        ClassificationStatus = "ignored"
)

// Settled reports whether the status can only be left through unmatch.
func (s ClassificationStatus) Settled() bool {
	return s == StatusMatched || s == StatusReconciled
}

// Valid reports whether s is a known status.
func (s ClassificationStatus) Valid() bool {
	switch s {
	case StatusUnclassified, StatusAutoClassified, StatusPendingReview,
		StatusMatched, StatusReconciled, StatusIgnored:
		return true
	}
	return false
}

// BankTransaction is one movement pulled from the banking API.
// ExternalID, AccountID, Amount and Date never change after the first insert;
// only the classification fields are updated afterwards.
type BankTransaction struct {
	ID         string
	ExternalID string
	AccountID  string

	// Amount is signed: credits are positive, debits negative.
	Amount       decimal.Decimal
	Currency     string
	Date         time.Time
	Label        string
	Counterparty string
	Side         Side
	Raw          json.RawMessage

	Status         ClassificationStatus
	Category       string
	OrganisationID string
	RuleID         string
	SyncRunID      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AbsAmount returns the unsigned amount of the transaction.
func (t BankTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// IsCredit reports whether money came into the account.
func (t BankTransaction) IsCredit() bool {
	if t.Side.Valid() {
		return t.Side == SideCredit
	}
	return t.Amount.IsPositive()
}

// MatchingDirection is the document direction a transaction can settle.
func (t BankTransaction) MatchingDirection() Direction {
	if t.IsCredit() {
		return DirectionReceivable
	}
	return DirectionPayable
}
