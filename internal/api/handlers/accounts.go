package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/api/middleware"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/logger"
)

// AccountsHandler enqueues syncs and reports their state.
type AccountsHandler struct {
	publisher  jobs.Publisher
	runs       RunStatus
	maxRetries int
}

// NewAccountsHandler creates a new accounts handler. Enqueued jobs are retried
// up to maxRetries times.
func NewAccountsHandler(publisher jobs.Publisher, runs RunStatus, maxRetries int) *AccountsHandler {
	return &AccountsHandler{publisher: publisher, runs: runs, maxRetries: maxRetries}
}

// EnqueueSync handles POST /api/accounts/{account}/sync[?full=true|?since=YYYY-MM-DD]
func (h *AccountsHandler) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("account")
	if accountID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Account ID is required")
		return
	}

	job := &jobs.SyncAccountJob{AccountID: accountID, Trigger: jobs.TriggerAPI, MaxRetries: h.maxRetries}
	q := r.URL.Query()
	job.Full = q.Get("full") == "true"
	if since := q.Get("since"); since != "" {
		day, err := time.Parse(time.DateOnly, since)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "since must be a YYYY-MM-DD date")
			return
		}
		job.Since = &day
	}
	if job.Full && job.Since != nil {
		middleware.WriteError(w, http.StatusBadRequest, "full and since cannot be combined")
		return
	}

	if err := h.publisher.PublishSyncAccount(ctx, job); err != nil {
		writeServiceError(w, r, err, "Failed to enqueue sync job")
		return
	}

	log := logger.FromContext(ctx)
	log.Info().Str("job_id", job.JobID).Str("account_id", accountID).Msg("Sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     job.JobID,
		"account_id": accountID,
		"status":     string(job.Status),
	})
}

type runView struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt time.Time       `json:"heartbeat_at"`
	Cursor      string          `json:"cursor"`
	Watermark   *time.Time      `json:"watermark,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stats       domain.RunStats `json:"stats"`
}

// GetStatus handles GET /api/accounts/{account}/status
func (h *AccountsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.LastStatus(r.Context(), r.PathValue("account"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to get sync status")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, runView{
		ID:          run.ID,
		AccountID:   run.AccountID,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		HeartbeatAt: run.HeartbeatAt,
		Cursor:      run.Cursor,
		Watermark:   run.Watermark,
		Error:       run.Error,
		Stats:       run.Stats,
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		AccountID: query.Get("account_id"),
		Status:    jobs.JobStatus(query.Get("status")),
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
