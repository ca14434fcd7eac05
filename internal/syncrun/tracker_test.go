package syncrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewTracker(memory.New(), 15*time.Minute)
	tr.now = c.Now
	return tr, c
}

func TestBeginSync_Busy(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	first, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, first.Status)
	assert.NotEmpty(t, first.LockToken)
	assert.Empty(t, first.Cursor)
	assert.Nil(t, first.Watermark)

	_, err = tr.BeginSync(ctx, "acc-A")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBusy))
	var busy *domain.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, first.ID, busy.RunID)

	other, err := tr.BeginSync(ctx, "acc-B")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	last, err := tr.LastStatus(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, first.ID, last.ID, "a busy claim writes nothing")

	_, err = tr.BeginSync(ctx, "")
	assert.Error(t, err)
}

func TestBeginSync_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		runs  []*domain.SyncRun
		busys int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := tr.BeginSync(ctx, "acc-A")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrBusy) {
				busys++
				return
			}
			if assert.NoError(t, err) {
				runs = append(runs, run)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, runs, 1)
	assert.Equal(t, 1, busys)
}

func TestCompleteSync_Success(t *testing.T) {
	ctx := context.Background()
	tr, c := newTracker(t)

	run, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)

	c.Advance(time.Minute)
	watermark := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
	done, err := tr.CompleteSync(ctx, run, Outcome{
		Cursor:    "3",
		Watermark: &watermark,
		Stats:     domain.RunStats{Pages: 3, Fetched: 3, Inserted: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, done.Status)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, c.Now(), *done.FinishedAt)

	last, err := tr.LastStatus(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, last.Status)
	assert.Equal(t, "3", last.Cursor)
	require.NotNil(t, last.Watermark)
	assert.True(t, last.Watermark.Equal(watermark))
	assert.Equal(t, 3, last.Stats.Inserted)

	// the next run resumes where this one stopped
	c.Advance(time.Minute)
	next, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, "3", next.Cursor)
	require.NotNil(t, next.Watermark)
	assert.True(t, next.Watermark.Equal(watermark))

	// an older watermark never moves it back
	older := watermark.AddDate(0, 0, -10)
	done, err = tr.CompleteSync(ctx, next, Outcome{Cursor: "3", Watermark: &older})
	require.NoError(t, err)
	assert.True(t, done.Watermark.Equal(watermark))

	_, err = tr.CompleteSync(ctx, next, Outcome{})
	assert.ErrorIs(t, err, domain.ErrLockLost, "a run completes once")
}

func TestCompleteSync_FailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	tr, c := newTracker(t)

	run, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)
	watermark := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err = tr.CompleteSync(ctx, run, Outcome{Cursor: "1", Watermark: &watermark})
	require.NoError(t, err)

	c.Advance(time.Minute)
	run, err = tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)

	newer := watermark.AddDate(0, 0, 5)
	failed, err := tr.CompleteSync(ctx, run, Outcome{
		Err:       errors.New("connector: 503 Service Unavailable"),
		Cursor:    "2",
		Watermark: &newer,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, failed.Status)
	assert.Contains(t, failed.Error, "503")
	assert.Equal(t, "2", failed.Cursor)
	assert.True(t, failed.Watermark.Equal(watermark))

	c.Advance(time.Minute)
	retry, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, "1", retry.Cursor, "resume from the last successful run")
	assert.True(t, retry.Watermark.Equal(watermark))
}

func TestReap(t *testing.T) {
	ctx := context.Background()
	tr, c := newTracker(t)

	stale, err := tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err)
	alive, err := tr.BeginSync(ctx, "acc-B")
	require.NoError(t, err)

	c.Advance(10 * time.Minute)
	require.NoError(t, tr.Heartbeat(ctx, alive))

	c.Advance(10 * time.Minute)
	reaped, err := tr.Reap(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, domain.RunFailed, reaped[0].Status)
	assert.Contains(t, reaped[0].Error, "reaped")

	_, err = tr.CompleteSync(ctx, stale, Outcome{})
	assert.ErrorIs(t, err, domain.ErrLockLost)
	assert.ErrorIs(t, tr.Heartbeat(ctx, stale), domain.ErrLockLost)

	_, err = tr.BeginSync(ctx, "acc-A")
	require.NoError(t, err, "a reaped account can be claimed again")

	_, err = tr.CompleteSync(ctx, alive, Outcome{})
	require.NoError(t, err)
}

func TestReaper_Run(t *testing.T) {
	tr, c := newTracker(t)
	run, err := tr.BeginSync(context.Background(), "acc-A")
	require.NoError(t, err)
	c.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewReaper(tr).Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		last, err := tr.LastStatus(context.Background(), "acc-A")
		return err == nil && last.ID == run.ID && last.Status == domain.RunFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
