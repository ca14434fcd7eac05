package inmemory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, workers int, handler jobs.JobHandler) (*Queue, *Store) {
	t.Helper()
	store := NewStore()
	q := NewQueue(10, workers, store)
	q.retryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx, handler))
	t.Cleanup(func() {
		cancel()
		_ = q.Close()
	})
	return q, store
}

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.SyncAccountJob {
	t.Helper()
	var job *jobs.SyncAccountJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_CompletesJob(t *testing.T) {
	var synced atomic.Value
	q, store := newTestQueue(t, 1, func(ctx context.Context, job *jobs.SyncAccountJob) error {
		synced.Store(job.AccountID)
		return nil
	})

	job := &jobs.SyncAccountJob{AccountID: "acc-1"}
	require.NoError(t, q.PublishSyncAccount(context.Background(), job))
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, jobs.DefaultMaxRetries, job.MaxRetries)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "acc-1", synced.Load())
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)
	assert.Zero(t, done.RetryCount)
}

func TestQueue_BusyIsSkippedNotRetried(t *testing.T) {
	var calls atomic.Int32
	q, store := newTestQueue(t, 1, func(ctx context.Context, job *jobs.SyncAccountJob) error {
		calls.Add(1)
		return &domain.BusyError{AccountID: "acc-1", RunID: "run-1"}
	})

	job := &jobs.SyncAccountJob{AccountID: "acc-1"}
	require.NoError(t, q.PublishSyncAccount(context.Background(), job))

	skipped := waitForStatus(t, store, job.JobID, jobs.JobStatusSkipped)
	assert.Contains(t, skipped.Error, "sync already running")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	q, store := newTestQueue(t, 1, func(ctx context.Context, job *jobs.SyncAccountJob) error {
		if calls.Add(1) == 1 {
			return errors.New("bank API unavailable")
		}
		return nil
	})

	job := &jobs.SyncAccountJob{AccountID: "acc-1"}
	require.NoError(t, q.PublishSyncAccount(context.Background(), job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Empty(t, done.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_FailsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	q, store := newTestQueue(t, 1, func(ctx context.Context, job *jobs.SyncAccountJob) error {
		calls.Add(1)
		return errors.New("bank API unavailable")
	})

	job := &jobs.SyncAccountJob{AccountID: "acc-1", MaxRetries: 2}
	require.NoError(t, q.PublishSyncAccount(context.Background(), job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, "bank API unavailable", failed.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_AccountsRunInParallel(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	q, store := newTestQueue(t, 2, func(ctx context.Context, job *jobs.SyncAccountJob) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	a := &jobs.SyncAccountJob{AccountID: "acc-1"}
	b := &jobs.SyncAccountJob{AccountID: "acc-2"}
	require.NoError(t, q.PublishSyncAccount(context.Background(), a))
	require.NoError(t, q.PublishSyncAccount(context.Background(), b))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	waitForStatus(t, store, a.JobID, jobs.JobStatusCompleted)
	waitForStatus(t, store, b.JobID, jobs.JobStatusCompleted)
}

func TestQueue_PublishValidation(t *testing.T) {
	q := NewQueue(1, 1, NewStore())

	err := q.PublishSyncAccount(context.Background(), &jobs.SyncAccountJob{})
	assert.ErrorContains(t, err, "account ID is required")

	require.NoError(t, q.Close())
	err = q.PublishSyncAccount(context.Background(), &jobs.SyncAccountJob{AccountID: "acc-1"})
	assert.ErrorContains(t, err, "queue is closed")

	assert.Error(t, q.Start(context.Background(), func(context.Context, *jobs.SyncAccountJob) error { return nil }))
}
