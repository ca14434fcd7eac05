// Package handlers exposes the reconciliation operations over HTTP. Every
// mutation goes through the same services as the CLI, so the invariants are
// enforced by the store and not by the handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/shopspring/decimal"
)

// Reconciler is the part of reconcile.Coordinator the handlers drive.
type Reconciler interface {
	ApplyMatch(ctx context.Context, txID, docID string, amount decimal.Decimal, actor string) (*domain.Settlement, error)
	Unmatch(ctx context.Context, settlementID, actor string) (*domain.Settlement, error)
	Confirm(ctx context.Context, txID, actor string) (*domain.BankTransaction, error)
	Ignore(ctx context.Context, txID, reason string) (*domain.BankTransaction, error)
	Unignore(ctx context.Context, txID string) (*domain.BankTransaction, error)
	Candidates(ctx context.Context, txID string) ([]scoring.Candidate, error)
}

// RunStatus reports the last sync run of an account.
type RunStatus interface {
	LastStatus(ctx context.Context, accountID string) (*domain.SyncRun, error)
}

// writeServiceError maps domain errors to status codes. Conflicts carry their
// reason and, for capacity conflicts, the remaining amount.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if conflict, ok := domain.AsConflict(err); ok {
		body := map[string]string{
			"error":  conflict.Error(),
			"reason": string(conflict.Reason),
		}
		if conflict.Reason == domain.ConflictTransactionCapacity || conflict.Reason == domain.ConflictDocumentCapacity {
			body["requested"] = conflict.Requested.StringFixed(2)
			body["remaining"] = conflict.Remaining.StringFixed(2)
		}
		middleware.WriteJSON(w, http.StatusConflict, body)
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBusy):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// transactionView is the JSON form of a BankTransaction.
type transactionView struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id"`
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Date           string          `json:"date"`
	Label          string          `json:"label"`
	Counterparty   string          `json:"counterparty,omitempty"`
	Side           domain.Side     `json:"side"`
	Status         string          `json:"status"`
	Category       string          `json:"category,omitempty"`
	OrganisationID string          `json:"organisation_id,omitempty"`
	RuleID         string          `json:"rule_id,omitempty"`
	SyncRunID      string          `json:"sync_run_id"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func viewTransaction(tx *domain.BankTransaction) transactionView {
	return transactionView{
		ID:             tx.ID,
		ExternalID:     tx.ExternalID,
		AccountID:      tx.AccountID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Date:           tx.Date.Format(time.DateOnly),
		Label:          tx.Label,
		Counterparty:   tx.Counterparty,
		Side:           tx.Side,
		Status:         string(tx.Status),
		Category:       tx.Category,
		OrganisationID: tx.OrganisationID,
		RuleID:         tx.RuleID,
		SyncRunID:      tx.SyncRunID,
		UpdatedAt:      tx.UpdatedAt,
	}
}

// settlementView is the JSON form of a Settlement.
type settlementView struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	DocumentID      string          `json:"document_id"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	VoidedBy        string          `json:"voided_by,omitempty"`
}

func viewSettlement(s *domain.Settlement) settlementView {
	return settlementView{
		ID:              s.ID,
		TransactionID:   s.TransactionID,
		DocumentID:      s.DocumentID,
		AllocatedAmount: s.AllocatedAmount,
		CreatedAt:       s.CreatedAt,
		CreatedBy:       s.CreatedBy,
		VoidedAt:        s.VoidedAt,
		VoidedBy:        s.VoidedBy,
	}
}
