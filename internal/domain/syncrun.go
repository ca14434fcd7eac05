package domain

import "time"

// RunStatus is the lifecycle state of a SyncRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunStats are the counters collected while a sync run pages through the connector.
type RunStats struct {
	Pages      int
	Fetched    int
	Inserted   int
	Duplicates int
	Skipped    int
	Classified int
}

// SyncRun records one synchronization attempt for an account.
// At most one run per account is in RunRunning at any time.
type SyncRun struct {
	ID        string
	AccountID string
	Status    RunStatus

	StartedAt   time.Time
	FinishedAt  *time.Time
	HeartbeatAt time.Time

	// Cursor is the opaque connector cursor to resume from.
	Cursor string
	// Watermark is the latest transaction date ingested so far.
	Watermark *time.Time

	Error     string
	LockToken string

	Stats RunStats
}

// LastActivity is the most recent sign of life from the run owner.
func (r SyncRun) LastActivity() time.Time {
	if r.HeartbeatAt.After(r.StartedAt) {
		return r.HeartbeatAt
	}
	return r.StartedAt
}
