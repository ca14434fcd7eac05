package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Final(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		JobStatusPending:   false,
		JobStatusRunning:   false,
		JobStatusRetrying:  false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusSkipped:   true,
	} {
		assert.Equal(t, want, status.Final(), string(status))
	}
}

func TestSyncAccountJob_Prepare(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	job := &SyncAccountJob{AccountID: "acc-1"}
	job.Prepare(now)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, now, job.CreatedAt)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	// a retried job keeps what it already has
	retried := &SyncAccountJob{JobID: "job-1", Status: JobStatusPending, CreatedAt: now.Add(-time.Hour), MaxRetries: 1, RetryCount: 1}
	retried.Prepare(now)
	assert.Equal(t, "job-1", retried.JobID)
	assert.Equal(t, now.Add(-time.Hour), retried.CreatedAt)
	assert.Equal(t, 1, retried.MaxRetries)
}

func TestSyncAccountJob_Finish(t *testing.T) {
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	boom := errors.New("bank API unavailable")

	tests := []struct {
		name       string
		retries    int
		err        error
		want       JobStatus
		wantError  string
		wantResend bool
	}{
		{"success", 0, nil, JobStatusCompleted, "", false},
		{"busy account", 1, fmt.Errorf("sync: %w", domain.ErrBusy), JobStatusSkipped, "sync: " + domain.ErrBusy.Error(), false},
		{"failure with retries left", 1, boom, JobStatusRetrying, boom.Error(), true},
		{"failure without retries", 0, boom, JobStatusFailed, boom.Error(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &SyncAccountJob{JobID: "job-1", AccountID: "acc-1", MaxRetries: tt.retries, Error: "earlier"}
			job.Begin(now)
			require.Equal(t, JobStatusRunning, job.Status)

			next := job.Finish(now.Add(time.Minute), tt.err)
			assert.Equal(t, tt.want, job.Status)
			assert.Equal(t, tt.wantError, job.Error)
			require.NotNil(t, job.CompletedAt)
			assert.Equal(t, now.Add(time.Minute), *job.CompletedAt)
			if !tt.wantResend {
				assert.Nil(t, next)
				return
			}
			require.NotNil(t, next)
			assert.Equal(t, JobStatusPending, next.Status)
			assert.Equal(t, 1, next.RetryCount)
		})
	}
}

func TestSyncAccountJob_Retry(t *testing.T) {
	started := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	job := &SyncAccountJob{
		JobID: "job-1", AccountID: "acc-1", Full: true,
		Status: JobStatusRunning, StartedAt: &started, CompletedAt: &started,
		MaxRetries: 2,
	}

	assert.True(t, job.CanRetry())
	next := job.Retry()
	assert.Equal(t, 1, job.RetryCount, "the failed attempt is counted on the original")
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, JobStatusPending, next.Status)
	assert.Nil(t, next.StartedAt)
	assert.Nil(t, next.CompletedAt)
	assert.Equal(t, "job-1", next.JobID)
	assert.True(t, next.Full, "the starting point carries over")
	assert.NotNil(t, job.StartedAt)

	next.Retry()
	assert.False(t, next.CanRetry())
}

func TestJobFilter(t *testing.T) {
	job := &SyncAccountJob{AccountID: "acc-1", Status: JobStatusFailed}
	assert.True(t, JobFilter{}.Matches(job))
	assert.True(t, JobFilter{AccountID: "acc-1", Status: JobStatusFailed}.Matches(job))
	assert.False(t, JobFilter{AccountID: "acc-2"}.Matches(job))
	assert.False(t, JobFilter{Status: JobStatusCompleted}.Matches(job))

	tests := []struct {
		name   string
		filter JobFilter
		lo, hi int
	}{
		{"everything", JobFilter{}, 0, 5},
		{"limit", JobFilter{Limit: 2}, 0, 2},
		{"page", JobFilter{Offset: 2, Limit: 2}, 2, 4},
		{"short last page", JobFilter{Offset: 4, Limit: 2}, 4, 5},
		{"past the end", JobFilter{Offset: 9, Limit: 2}, 5, 5},
		{"negative offset", JobFilter{Offset: -1}, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.filter.Window(5)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}
