package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/archive"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/dvloznov/bank-reconciler/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MemoryBackendSyncs(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default())
	require.NoError(t, err)
	defer a.Close()

	archiver, err := a.Archiver(ctx)
	require.NoError(t, err)
	assert.IsType(t, archive.Nop{}, archiver)

	conn := connector.NewMemory()
	conn.Add("acc-1", storetest.Record("acc-1", "t1", "10.00", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))

	syncer, err := a.Syncer(ctx, conn)
	require.NoError(t, err)
	res, err := syncer.Sync(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, domain.RunSucceeded, res.Run.Status)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, config.StorageConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "recon.db"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenStore(ctx, config.StorageConfig{Backend: "postgres"})
	assert.ErrorContains(t, err, `unknown backend "postgres"`)
}

func TestApp_ExternalClientsNeedCredentials(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Connector()
	assert.ErrorContains(t, err, "api_key mode requires")

	_, err = a.ReviewExporter(false)
	assert.ErrorContains(t, err, "notion.token")
}

func TestApp_RetryPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 7
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	p := a.RetryPolicy()
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, cfg.Retry.InitialDelay, p.Delay(1))
}

func TestApp_SyncJobHandler(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, config.Default())
	require.NoError(t, err)
	defer a.Close()

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	conn := connector.NewMemory()
	conn.Add("acc-1", storetest.Record("acc-1", "t1", "100.00", day))
	require.NoError(t, a.Store.UpsertDocument(ctx, storetest.Document("inv-1", domain.DirectionReceivable, "100.00")))

	syncer, err := a.Syncer(ctx, conn)
	require.NoError(t, err)
	handler := a.SyncJobHandler(syncer)

	job := &jobs.SyncAccountJob{JobID: "j1", AccountID: "acc-1", Trigger: jobs.TriggerAPI}
	require.NoError(t, handler(ctx, job))
	assert.NotEmpty(t, job.RunID, "the job records the run that served it")

	txs, err := a.Store.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusMatched, txs[0].Status, "an exact match is applied after the sync")

	// a second job while a run is held is reported busy
	_, err = a.Tracker.BeginSync(ctx, "acc-1")
	require.NoError(t, err)
	err = handler(ctx, &jobs.SyncAccountJob{JobID: "j2", AccountID: "acc-1"})
	assert.ErrorIs(t, err, domain.ErrBusy)
}

func TestApp_SyncJobHandler_FullJobRepullsHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Sync.PageSize = 1
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	mar1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := storetest.Record("acc-1", "t2", "20.00", mar1.AddDate(0, 0, 1))
	t3 := storetest.Record("acc-1", "t3", "30.00", mar1.AddDate(0, 0, 2))
	conn := connector.NewMemory()
	conn.Add("acc-1", t2, t3)

	syncer, err := a.Syncer(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, a.SyncJobHandler(syncer)(ctx, &jobs.SyncAccountJob{JobID: "j1", AccountID: "acc-1"}))

	// the bank backfills an older record behind the saved cursor
	backfilled := connector.NewMemory()
	backfilled.Add("acc-1", storetest.Record("acc-1", "t1", "10.00", mar1), t2, t3)
	syncer, err = a.Syncer(ctx, backfilled)
	require.NoError(t, err)
	handler := a.SyncJobHandler(syncer)

	require.NoError(t, handler(ctx, &jobs.SyncAccountJob{JobID: "j2", AccountID: "acc-1"}))
	txs, err := a.Store.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, txs, 2, "a resumed sync starts after the cursor")

	require.NoError(t, handler(ctx, &jobs.SyncAccountJob{JobID: "j3", AccountID: "acc-1", Full: true}))
	txs, err = a.Store.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}
