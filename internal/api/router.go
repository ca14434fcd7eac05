// Package api assembles the HTTP handlers and middleware into one handler.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/api/handlers"
	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/rs/zerolog"
)

// Deps are the services the HTTP API is served from.
type Deps struct {
	Store      store.Store
	Reconciler handlers.Reconciler
	Runs       handlers.RunStatus
	Publisher  jobs.Publisher
	Jobs       jobs.JobStore
	// MaxRetries applies to sync jobs enqueued over HTTP.
	MaxRetries int
	// Token is the bearer token callers must present; empty disables auth.
	Token string
}

// NewHandler registers every route and wraps them in the middleware chain.
func NewHandler(deps Deps, log zerolog.Logger) http.Handler {
	accounts := handlers.NewAccountsHandler(deps.Publisher, deps.Runs, deps.MaxRetries)
	transactions := handlers.NewTransactionsHandler(deps.Store, deps.Reconciler)
	settlements := handlers.NewSettlementsHandler(deps.Store, deps.Reconciler)
	documents := handlers.NewDocumentsHandler(deps.Store)
	rules := handlers.NewRulesHandler(deps.Store, deps.Store)
	jobsHandler := handlers.NewJobsHandler(deps.Jobs)

	mux := http.NewServeMux()

	// Accounts endpoints
	mux.HandleFunc("POST /api/accounts/{account}/sync", accounts.EnqueueSync)
	mux.HandleFunc("GET /api/accounts/{account}/status", accounts.GetStatus)

	// Transactions endpoints
	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)
	mux.HandleFunc("GET /api/transactions/{id}", transactions.GetTransaction)
	mux.HandleFunc("GET /api/transactions/{id}/candidates", transactions.ListCandidates)
	mux.HandleFunc("POST /api/transactions/{id}/confirm", transactions.Confirm)
	mux.HandleFunc("POST /api/transactions/{id}/ignore", transactions.Ignore)
	mux.HandleFunc("POST /api/transactions/{id}/unignore", transactions.Unignore)

	// Settlements endpoints
	mux.HandleFunc("GET /api/settlements", settlements.ListSettlements)
	mux.HandleFunc("POST /api/settlements", settlements.CreateSettlement)
	mux.HandleFunc("POST /api/settlements/{id}/void", settlements.VoidSettlement)

	// Documents and rules endpoints
	mux.HandleFunc("GET /api/documents", documents.ListOpenDocuments)
	mux.HandleFunc("GET /api/rules", rules.ListRules)
	mux.HandleFunc("GET /api/rules/{id}/preview", rules.PreviewRule)

	// Jobs endpoints
	mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.GetJob)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.Auth(deps.Token)(mux),
			),
		),
	)
}
