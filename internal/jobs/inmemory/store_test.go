package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
)

func TestStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	job := &jobs.SyncAccountJob{JobID: "job-1", AccountID: "acc-1", Status: jobs.JobStatusPending}
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	// the store keeps its own copy
	job.Status = jobs.JobStatusRunning

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.JobStatusPending {
		t.Errorf("Status = %q, want %q", got.Status, jobs.JobStatusPending)
	}

	if err := store.SaveJob(ctx, &jobs.SyncAccountJob{}); err == nil {
		t.Error("SaveJob without ID: expected error")
	}
	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	for i, j := range []jobs.SyncAccountJob{
		{JobID: "c", AccountID: "acc-1", Status: jobs.JobStatusCompleted},
		{JobID: "a", AccountID: "acc-2", Status: jobs.JobStatusFailed},
		{JobID: "b", AccountID: "acc-1", Status: jobs.JobStatusSkipped},
	} {
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveJob(ctx, &j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{"all oldest first", jobs.JobFilter{}, []string{"c", "a", "b"}},
		{"by account", jobs.JobFilter{AccountID: "acc-1"}, []string{"c", "b"}},
		{"by status", jobs.JobFilter{Status: jobs.JobStatusFailed}, []string{"a"}},
		{"limit", jobs.JobFilter{Limit: 2}, []string{"c", "a"}},
		{"offset", jobs.JobFilter{Offset: 1}, []string{"a", "b"}},
		{"offset past end", jobs.JobFilter{Offset: 5}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListJobs returned %d jobs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].JobID != id {
					t.Errorf("job %d = %q, want %q", i, got[i].JobID, id)
				}
			}
		})
	}
}

func TestStore_UpdateJobStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.SaveJob(ctx, &jobs.SyncAccountJob{JobID: "job-1", Status: jobs.JobStatusRunning}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	if err := store.UpdateJobStatus(ctx, "job-1", jobs.JobStatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	got, _ := store.GetJob(ctx, "job-1")
	if got.Status != jobs.JobStatusFailed || got.Error != "boom" {
		t.Errorf("got status %q error %q", got.Status, got.Error)
	}

	if err := store.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateJobStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	cutoff := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	before, after := cutoff.Add(-time.Hour), cutoff.Add(time.Hour)

	for _, j := range []*jobs.SyncAccountJob{
		{JobID: "old-done", Status: jobs.JobStatusCompleted, CompletedAt: &before},
		{JobID: "old-failed", Status: jobs.JobStatusFailed, CompletedAt: &before},
		{JobID: "new-done", Status: jobs.JobStatusCompleted, CompletedAt: &after},
		{JobID: "retrying", Status: jobs.JobStatusRetrying, CompletedAt: &before},
		{JobID: "pending", Status: jobs.JobStatusPending},
	} {
		if err := store.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	if n := store.Prune(cutoff); n != 2 {
		t.Errorf("Prune = %d, want 2", n)
	}
	left, _ := store.ListJobs(ctx, jobs.JobFilter{})
	if len(left) != 3 {
		t.Fatalf("%d jobs left, want 3", len(left))
	}
	for _, id := range []string{"old-done", "old-failed"} {
		if _, err := store.GetJob(ctx, id); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetJob(%s) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestStore_CopiesSince(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveJob(ctx, &jobs.SyncAccountJob{JobID: "job-1", Since: &since}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	since = since.AddDate(0, 1, 0)
	got, _ := store.GetJob(ctx, "job-1")
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !got.Since.Equal(want) {
		t.Errorf("Since = %v, want %v", got.Since, want)
	}
}
