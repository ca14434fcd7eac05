// Package jobs describes account syncs queued for background workers.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/google/uuid"
)

// JobStatus is where a sync job is in its lifecycle.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusCompleted, JobStatusFailed and JobStatusSkipped are final.
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusSkipped means another sync of the account held the run claim.
	JobStatusSkipped JobStatus = "skipped"
)

// Final reports whether no worker will touch a job in this status again.
func (s JobStatus) Final() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusSkipped
}

// DefaultMaxRetries is applied to jobs published without MaxRetries.
const DefaultMaxRetries = 3

// Triggers record who asked for a sync.
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// SyncAccountJob asks a worker to sync one account. Full and Since choose the
// starting point the same way the sync command's flags do; both unset resumes
// from the saved cursor.
type SyncAccountJob struct {
	JobID     string     `json:"job_id"`
	AccountID string     `json:"account_id"`
	Trigger   string     `json:"trigger,omitempty"`
	Full      bool       `json:"full,omitempty"`
	Since     *time.Time `json:"since,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error holds the last failure, or why the job was skipped.
	Error string `json:"error,omitempty"`
	// RunID is the sync run that served the job, once it has one.
	RunID string `json:"run_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Prepare fills in what a caller may leave out before the job is queued.
func (j *SyncAccountJob) Prepare(now time.Time) {
	if j.JobID == "" {
		j.JobID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
}

// Begin marks the job as picked up by a worker.
func (j *SyncAccountJob) Begin(now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.CompletedAt = nil
}

// Finish records the outcome of one attempt. It returns the job to queue
// again when err leaves a retry, and nil once the job is final.
func (j *SyncAccountJob) Finish(now time.Time, err error) *SyncAccountJob {
	j.CompletedAt = &now
	switch {
	case err == nil:
		j.Status = JobStatusCompleted
		j.Error = ""
		return nil
	case errors.Is(err, domain.ErrBusy):
		// the sync already running covers this one
		j.Status = JobStatusSkipped
		j.Error = err.Error()
		return nil
	}

	j.Error = err.Error()
	if !j.CanRetry() {
		j.Status = JobStatusFailed
		return nil
	}
	j.Status = JobStatusRetrying
	return j.Retry()
}

// CanRetry reports whether a failed attempt leaves retries over.
func (j *SyncAccountJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Retry returns the pending copy to enqueue after a failed attempt and counts
// the attempt on both.
func (j *SyncAccountJob) Retry() *SyncAccountJob {
	j.RetryCount++
	next := *j
	next.Status = JobStatusPending
	next.StartedAt = nil
	next.CompletedAt = nil
	return &next
}

// Publisher enqueues sync jobs.
type Publisher interface {
	PublishSyncAccount(ctx context.Context, job *SyncAccountJob) error
	Close() error
}

// Consumer hands queued jobs to a handler until stopped.
type Consumer interface {
	Start(ctx context.Context, handler JobHandler) error
	// Stop waits for in-flight jobs to finish.
	Stop(ctx context.Context) error
}

// JobHandler runs one job. A returned error is retried while the job has
// retries left; an error matching domain.ErrBusy marks the job skipped instead.
type JobHandler func(ctx context.Context, job *SyncAccountJob) error

// JobStore keeps the state of jobs for status queries.
type JobStore interface {
	SaveJob(ctx context.Context, job *SyncAccountJob) error
	GetJob(ctx context.Context, jobID string) (*SyncAccountJob, error)
	// ListJobs returns matching jobs, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncAccountJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter selects jobs. Zero fields match everything.
type JobFilter struct {
	AccountID string
	Status    JobStatus
	Limit     int
	Offset    int
}

// Matches reports whether job passes the account and status filters.
func (f JobFilter) Matches(job *SyncAccountJob) bool {
	if f.AccountID != "" && job.AccountID != f.AccountID {
		return false
	}
	return f.Status == "" || job.Status == f.Status
}

// Window returns the bounds of the requested page within n sorted results.
func (f JobFilter) Window(n int) (lo, hi int) {
	lo = min(max(f.Offset, 0), n)
	hi = n
	if f.Limit > 0 {
		hi = min(lo+f.Limit, n)
	}
	return lo, hi
}
