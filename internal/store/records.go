package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/google/uuid"
)

var (
	errMissingExternalID = errors.New("missing external id")
	errMissingAccount    = errors.New("missing account id")
	errMissingCurrency   = errors.New("missing currency")
	errMissingDate       = errors.New("missing date")
	errZeroAmount        = errors.New("zero amount")
	errInvalidSide       = errors.New("invalid side")
	errSideMismatch      = errors.New("amount sign does not match side")
)

// ValidateRecord reports the first required field missing from r.
func ValidateRecord(r connector.Record) error {
	switch {
	case strings.TrimSpace(r.ExternalID) == "":
		return errMissingExternalID
	case strings.TrimSpace(r.AccountID) == "":
		return errMissingAccount
	case strings.TrimSpace(r.Currency) == "":
		return errMissingCurrency
	case r.Date.IsZero():
		return errMissingDate
	case r.Amount.IsZero():
		return errZeroAmount
	case !r.Side.Valid():
		return errInvalidSide
	case r.Side == domain.SideCredit && r.Amount.IsNegative(),
		r.Side == domain.SideDebit && r.Amount.IsPositive():
		return errSideMismatch
	}
	return nil
}

// NewTransaction builds the row inserted for a record seen for the first time.
func NewTransaction(r connector.Record, runID string, now time.Time) domain.BankTransaction {
	return domain.BankTransaction{
		ID:           uuid.NewString(),
		ExternalID:   strings.TrimSpace(r.ExternalID),
		AccountID:    strings.TrimSpace(r.AccountID),
		Amount:       r.Amount,
		Currency:     strings.ToUpper(strings.TrimSpace(r.Currency)),
		Date:         r.Date.UTC(),
		Label:        r.Label,
		Counterparty: r.Counterparty,
		Side:         r.Side,
		Raw:          r.Raw,
		Status:       domain.StatusUnclassified,
		SyncRunID:    runID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RecordKey is the idempotency key of a record.
func RecordKey(accountID, externalID string) string {
	return strings.TrimSpace(accountID) + "\x00" + strings.TrimSpace(externalID)
}

// AdvanceWatermark returns the later of current and t.
func AdvanceWatermark(current *time.Time, t time.Time) *time.Time {
	if current == nil || t.After(*current) {
		w := t.UTC()
		return &w
	}
	return current
}

// Skip logs a rejected record and adds it to the result.
func (r *IngestResult) Skip(ctx context.Context, rec connector.Record, err error) {
	log := logger.FromContext(ctx)
	log.Warn().
		Err(err).
		Str("account_id", rec.AccountID).
		Str("external_id", rec.ExternalID).
		Msg("Skipping malformed record")
	r.Skipped = append(r.Skipped, SkippedRecord{ExternalID: rec.ExternalID, Reason: err.Error()})
}

// ApplyClassification checks update against tx and returns the updated copy.
func ApplyClassification(tx domain.BankTransaction, update ClassificationUpdate) (domain.BankTransaction, error) {
	if err := domain.CheckTransition(tx, update.To); err != nil {
		return tx, err
	}
	tx.Status = update.To
	if !update.KeepCategory {
		tx.Category = update.Category
		tx.OrganisationID = update.OrganisationID
		tx.RuleID = update.RuleID
	}
	tx.UpdatedAt = update.At
	return tx, nil
}

// StatusIn reports whether s is in statuses; an empty list matches everything.
func StatusIn(s domain.ClassificationStatus, statuses []domain.ClassificationStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
