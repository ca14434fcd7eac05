package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/logger"
)

// DefaultWorkers is the number of accounts synced in parallel.
const DefaultWorkers = 5

var errClosed = errors.New("job queue is closed")

// Queue runs sync jobs on a fixed pool of goroutines fed by a buffered
// channel. Jobs for different accounts run in parallel; the run claim the
// syncer takes keeps two jobs of one account from overlapping.
type Queue struct {
	pending    chan *jobs.SyncAccountJob
	done       chan struct{}
	running    sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	store      jobs.JobStore
	size       int
	retryDelay time.Duration
}

// NewQueue creates a queue holding up to bufferSize jobs before publishers
// block, drained by workers goroutines (DefaultWorkers when not positive).
// store may be nil when nobody queries job state.
func NewQueue(bufferSize, workers int, store jobs.JobStore) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		pending:    make(chan *jobs.SyncAccountJob, bufferSize),
		done:       make(chan struct{}),
		store:      store,
		size:       workers,
		retryDelay: time.Second,
	}
}

// PublishSyncAccount queues job, filling in its ID and defaults.
func (q *Queue) PublishSyncAccount(ctx context.Context, job *jobs.SyncAccountJob) error {
	if job.AccountID == "" {
		return fmt.Errorf("PublishSyncAccount: account ID is required")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("PublishSyncAccount: %w", errClosed)
	}

	// Fill in defaults
	job.Prepare(time.Now())

	// Record the job before a worker can pick it up
	if err := q.record(ctx, job); err != nil {
		return fmt.Errorf("PublishSyncAccount: %w", err)
	}

	// Hand it to the pool
	select {
	case q.pending <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("PublishSyncAccount: %w", errClosed)
	}
}

// Start launches the workers. They run handler on one job at a time until
// ctx ends or the queue is stopped.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("Start: %w", errClosed)
	}

	for range q.size {
		q.running.Add(1)
		go func() {
			defer q.running.Done()
			q.drain(ctx, handler)
		}()
	}
	return nil
}

func (q *Queue) drain(ctx context.Context, handler jobs.JobHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case job := <-q.pending:
			q.attempt(ctx, job, handler)
		}
	}
}

// attempt runs job once and queues the next attempt after a linear backoff
// when it failed with retries left.
func (q *Queue) attempt(ctx context.Context, job *jobs.SyncAccountJob, handler jobs.JobHandler) {
	log := logger.ForAccount(logger.FromContext(ctx), job.AccountID, "")

	// Mark job as running
	job.Begin(time.Now())
	q.save(ctx, job)

	// Execute the handler
	err := handler(ctx, job)

	// Apply the outcome
	next := job.Finish(time.Now(), err)
	q.save(ctx, job)
	if next == nil {
		return
	}

	// Re-enqueue after backoff
	backoff := time.Duration(next.RetryCount) * q.retryDelay
	log.Warn().
		Err(err).
		Str("job_id", job.JobID).
		Int("retry", next.RetryCount).
		Dur("backoff", backoff).
		Msg("Sync job failed, retrying")
	time.AfterFunc(backoff, func() {
		if err := q.PublishSyncAccount(ctx, next); err != nil {
			log.Error().Err(err).Str("job_id", next.JobID).Msg("Failed to re-enqueue sync job")
		}
	})
}

func (q *Queue) record(ctx context.Context, job *jobs.SyncAccountJob) error {
	if q.store == nil {
		return nil
	}
	return q.store.SaveJob(ctx, job)
}

// save records job's state once it is queued; losing it only costs status queries.
func (q *Queue) save(ctx context.Context, job *jobs.SyncAccountJob) {
	if err := q.record(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop closes the queue to new jobs and waits for running ones to finish, or
// for ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		q.running.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
