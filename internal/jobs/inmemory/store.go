package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
)

// Store keeps job state in memory for status queries.
// Data is lost on restart; sync runs themselves are persisted by the run store.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*jobs.SyncAccountJob
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*jobs.SyncAccountJob)}
}

// SaveJob implements jobs.JobStore.
func (s *Store) SaveJob(ctx context.Context, job *jobs.SyncAccountJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy so the worker can keep mutating its own
	s.byID[job.JobID] = clone(job)
	return nil
}

// GetJob implements jobs.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.SyncAccountJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.byID[jobID]
	if !ok {
		return nil, fmt.Errorf("GetJob: job %s: %w", jobID, domain.ErrNotFound)
	}
	return clone(job), nil
}

// ListJobs implements jobs.JobStore.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.SyncAccountJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Apply filters
	matched := make([]*jobs.SyncAccountJob, 0, len(s.byID))
	for _, job := range s.byID {
		if filter.Matches(job) {
			matched = append(matched, job)
		}
	}

	// Oldest first, ties broken by ID so pages are stable
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.JobID < b.JobID
	})

	// Paginate, copying only what is returned
	lo, hi := filter.Window(len(matched))
	result := make([]*jobs.SyncAccountJob, 0, hi-lo)
	for _, job := range matched[lo:hi] {
		result = append(result, clone(job))
	}
	return result, nil
}

// UpdateJobStatus implements jobs.JobStore. An empty errorMsg keeps the
// recorded error.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[jobID]
	if !ok {
		return fmt.Errorf("UpdateJobStatus: job %s: %w", jobID, domain.ErrNotFound)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	return nil
}

// Prune drops final jobs that completed before cutoff and returns how many
// went. Pending and running jobs are always kept.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, job := range s.byID {
		if job.Status.Final() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
			pruned++
		}
	}
	return pruned
}

func clone(job *jobs.SyncAccountJob) *jobs.SyncAccountJob {
	c := *job
	if job.Since != nil {
		since := *job.Since
		c.Since = &since
	}
	return &c
}

var _ jobs.JobStore = (*Store)(nil)
