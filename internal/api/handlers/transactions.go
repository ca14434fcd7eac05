package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// TransactionsHandler handles transaction endpoints.
type TransactionsHandler struct {
	txs        store.TransactionStore
	reconciler Reconciler
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(txs store.TransactionStore, reconciler Reconciler) *TransactionsHandler {
	return &TransactionsHandler{txs: txs, reconciler: reconciler}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.TransactionFilter{AccountID: query.Get("account_id")}
	for _, s := range query["status"] {
		status := domain.ClassificationStatus(s)
		if !status.Valid() {
			middleware.WriteError(w, http.StatusBadRequest, "Unknown status "+s)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	txs, err := h.txs.ListTransactions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}

	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, viewTransaction(tx))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
	})
}

// GetTransaction handles GET /api/transactions/{id}
func (h *TransactionsHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.txs.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to get transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewTransaction(tx))
}

type candidateView struct {
	DocumentID        string          `json:"document_id"`
	Kind              string          `json:"kind"`
	Counterparty      string          `json:"counterparty"`
	OpenAmount        decimal.Decimal `json:"open_amount"`
	Currency          string          `json:"currency"`
	Score             float64         `json:"score"`
	AmountScore       float64         `json:"amount_score"`
	DateScore         float64         `json:"date_score"`
	CounterpartyScore float64         `json:"counterparty_score"`
	AmountDiff        decimal.Decimal `json:"amount_diff"`
	DaysApart         int             `json:"days_apart"`
}

// ListCandidates handles GET /api/transactions/{id}/candidates
func (h *TransactionsHandler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	candidates, err := h.reconciler.Candidates(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to rank candidates")
		return
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	views := make([]candidateView, 0, len(candidates))
	for _, c := range candidates {
		views = append(views, candidateView{
			DocumentID:        c.DocumentID,
			Kind:              string(c.Document.Kind),
			Counterparty:      c.Document.Counterparty,
			OpenAmount:        c.Document.OpenAmount,
			Currency:          c.Document.Currency,
			Score:             c.Score,
			AmountScore:       c.AmountScore,
			DateScore:         c.DateScore,
			CounterpartyScore: c.CounterpartyScore,
			AmountDiff:        c.AmountDiff,
			DaysApart:         c.DaysApart,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": views,
		"count":      len(views),
	})
}

// Confirm handles POST /api/transactions/{id}/confirm
func (h *TransactionsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Actor == "" {
		middleware.WriteError(w, http.StatusBadRequest, "actor is required")
		return
	}

	tx, err := h.reconciler.Confirm(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		writeServiceError(w, r, err, "Failed to confirm transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewTransaction(tx))
}

// Ignore handles POST /api/transactions/{id}/ignore
func (h *TransactionsHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.reconciler.Ignore(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err, "Failed to ignore transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewTransaction(tx))
}

// Unignore handles POST /api/transactions/{id}/unignore
func (h *TransactionsHandler) Unignore(w http.ResponseWriter, r *http.Request) {
	tx, err := h.reconciler.Unignore(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to unignore transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewTransaction(tx))
}
