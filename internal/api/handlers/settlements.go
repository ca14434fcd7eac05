package handlers

import (
	"net/http"

	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// SettlementsHandler handles match and unmatch requests.
type SettlementsHandler struct {
	settlements store.SettlementStore
	reconciler  Reconciler
}

// NewSettlementsHandler creates a new settlements handler.
func NewSettlementsHandler(settlements store.SettlementStore, reconciler Reconciler) *SettlementsHandler {
	return &SettlementsHandler{settlements: settlements, reconciler: reconciler}
}

// ListSettlements handles GET /api/settlements
func (h *SettlementsHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.SettlementFilter{
		TransactionID: query.Get("transaction_id"),
		DocumentID:    query.Get("document_id"),
		ActiveOnly:    query.Get("active") == "true",
	}
	if filter.TransactionID == "" && filter.DocumentID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "transaction_id or document_id is required")
		return
	}

	settlements, err := h.settlements.ListSettlements(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list settlements")
		return
	}

	views := make([]settlementView, 0, len(settlements))
	for _, s := range settlements {
		views = append(views, viewSettlement(s))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": views,
		"count":       len(views),
	})
}

// CreateSettlement handles POST /api/settlements
func (h *SettlementsHandler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string          `json:"transaction_id"`
		DocumentID    string          `json:"document_id"`
		Amount        decimal.Decimal `json:"amount"`
		Actor         string          `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TransactionID == "" || req.DocumentID == "" || req.Actor == "" {
		middleware.WriteError(w, http.StatusBadRequest, "transaction_id, document_id and actor are required")
		return
	}

	st, err := h.reconciler.ApplyMatch(r.Context(), req.TransactionID, req.DocumentID, req.Amount, req.Actor)
	if err != nil {
		writeServiceError(w, r, err, "Failed to apply match")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, viewSettlement(st))
}

// VoidSettlement handles POST /api/settlements/{id}/void
func (h *SettlementsHandler) VoidSettlement(w http.ResponseWriter, r *http.Request) {
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

	st, err := h.reconciler.Unmatch(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		writeServiceError(w, r, err, "Failed to void settlement")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewSettlement(st))
}
