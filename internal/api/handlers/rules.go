package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// RulesHandler lists rules and previews their effect.
type RulesHandler struct {
	rules store.RuleStore
	txs   store.TransactionStore
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(rules store.RuleStore, txs store.TransactionStore) *RulesHandler {
	return &RulesHandler{rules: rules, txs: txs}
}

type ruleView struct {
	ID             string    `json:"id"`
	Pattern        string    `json:"pattern"`
	AltPatterns    []string  `json:"alt_patterns,omitempty"`
	MatchType      string    `json:"match_type"`
	Category       string    `json:"category"`
	OrganisationID string    `json:"organisation_id,omitempty"`
	Priority       int       `json:"priority"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListRules handles GET /api/rules, in evaluation order.
func (h *RulesHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := h.rules.ListRules(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "Failed to list rules")
		return
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Less(rs[j]) })

	views := make([]ruleView, 0, len(rs))
	for _, rule := range rs {
		views = append(views, ruleView{
			ID:             rule.ID,
			Pattern:        rule.Pattern,
			AltPatterns:    rule.AltPatterns,
			MatchType:      string(rule.MatchType),
			Category:       rule.Category,
			OrganisationID: rule.OrganisationID,
			Priority:       rule.Priority,
			Active:         rule.Active,
			CreatedAt:      rule.CreatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules": views,
		"count": len(views),
	})
}

type previewGroupView struct {
	NormalizedLabel string          `json:"normalized_label"`
	SampleLabels    []string        `json:"sample_labels"`
	Count           int             `json:"count"`
	Total           decimal.Decimal `json:"total"`
	FirstSeen       string          `json:"first_seen"`
	LastSeen        string          `json:"last_seen"`
	AlreadyApplied  int             `json:"already_applied"`
	Pending         int             `json:"pending"`
}

// PreviewRule handles GET /api/rules/{id}/preview
func (h *RulesHandler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule, err := h.rules.GetRule(ctx, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to get rule")
		return
	}
	txs, err := h.txs.ListTransactions(ctx, store.TransactionFilter{AccountID: r.URL.Query().Get("account_id")})
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}

	groups, err := rules.Preview(*rule, txs)
	if err != nil {
		middleware.WriteError(w, http.StatusUnprocessableEntity, "Rule cannot be compiled: "+err.Error())
		return
	}

	views := make([]previewGroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, previewGroupView{
			NormalizedLabel: g.NormalizedLabel,
			SampleLabels:    g.SampleLabels,
			Count:           g.Count,
			Total:           g.Total,
			FirstSeen:       g.FirstSeen.Format(time.DateOnly),
			LastSeen:        g.LastSeen.Format(time.DateOnly),
			AlreadyApplied:  g.AlreadyApplied,
			Pending:         g.Pending,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rule_id": rule.ID,
		"groups":  views,
		"count":   len(views),
	})
}

// DocumentsHandler lists the documents that can still be settled.
type DocumentsHandler struct {
	docs store.DocumentStore
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(docs store.DocumentStore) *DocumentsHandler {
	return &DocumentsHandler{docs: docs}
}

type documentView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Direction    string          `json:"direction"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	OpenAmount   decimal.Decimal `json:"open_amount"`
	Currency     string          `json:"currency"`
	Counterparty string          `json:"counterparty"`
	DueDate      *time.Time      `json:"due_date,omitempty"`
	IssuedAt     time.Time       `json:"issued_at"`
	Status       string          `json:"status"`
}

// ListOpenDocuments handles GET /api/documents
func (h *DocumentsHandler) ListOpenDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.DocumentFilter{
		Direction: domain.Direction(query.Get("direction")),
		Currency:  strings.ToUpper(query.Get("currency")),
	}

	docs, err := h.docs.OpenDocuments(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list documents")
		return
	}

	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, documentView{
			ID:           d.ID,
			Kind:         string(d.Kind),
			Direction:    string(d.Direction),
			TotalAmount:  d.TotalAmount,
			OpenAmount:   d.OpenAmount,
			Currency:     d.Currency,
			Counterparty: d.Counterparty,
			DueDate:      d.DueDate,
			IssuedAt:     d.IssuedAt,
			Status:       string(d.Status),
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"documents": views,
		"count":     len(views),
	})
}
