// Package storetest holds the behaviour every store.Store backend must share.
// Backend tests call Run with a factory returning a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It should register cleanup with t.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"IngestIsIdempotent", testIngestIsIdempotent},
		{"IngestSkipsMalformed", testIngestSkipsMalformed},
		{"ListTransactionsFilters", testListTransactionsFilters},
		{"SetClassification", testSetClassification},
		{"ClaimRunSingleFlight", testClaimRunSingleFlight},
		{"ClaimRunConcurrent", testClaimRunConcurrent},
		{"ClaimRunResumesFromLastSuccess", testClaimRunResumes},
		{"FinishRunLockToken", testFinishRunLockToken},
		{"ReapRuns", testReapRuns},
		{"Rules", testRules},
		{"Documents", testDocuments},
		{"AllocateFullMatch", testAllocateFullMatch},
		{"AllocatePartialThenOverAllocate", testAllocatePartial},
		{"AllocateConservation", testAllocateConservation},
		{"DocumentRevisionKeepsAllocations", testDocumentRevision},
		{"VoidAllocation", testVoidAllocation},
		{"IgnoreRequiresNoSettlements", testIgnoreRequiresNoSettlements},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var day = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

// Record builds a valid record. Negative amounts become debits.
func Record(accountID, externalID, amount string, date time.Time) connector.Record {
	amt := decimal.RequireFromString(amount)
	side := domain.SideCredit
	if amt.IsNegative() {
		side = domain.SideDebit
	}
	return connector.Record{
		ExternalID:   externalID,
		AccountID:    accountID,
		Amount:       amt,
		Currency:     "EUR",
		Date:         date,
		Label:        "Label " + externalID,
		Counterparty: "Acme SAS",
		Side:         side,
	}
}

// Document builds an open document with its full amount outstanding.
func Document(id string, direction domain.Direction, total string) domain.FinancialDocument {
	amt := decimal.RequireFromString(total)
	kind := domain.KindInvoice
	if direction == domain.DirectionPayable {
		kind = domain.KindExpense
	}
	return domain.FinancialDocument{
		ID:           id,
		Kind:         kind,
		Direction:    direction,
		TotalAmount:  amt,
		OpenAmount:   amt,
		Currency:     "EUR",
		Counterparty: "Acme SAS",
		IssuedAt:     day,
		Status:       domain.DocumentOpen,
	}
}

func newClaim(accountID string, now time.Time) domain.SyncRun {
	return domain.SyncRun{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		StartedAt:   now,
		HeartbeatAt: now,
		LockToken:   uuid.NewString(),
	}
}

func ingestOne(t *testing.T, s store.Store, rec connector.Record) *domain.BankTransaction {
	t.Helper()
	ctx := context.Background()
	res, err := s.Ingest(ctx, "run-1", []connector.Record{rec})
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	tx, err := s.GetTransaction(ctx, res.Inserted[0])
	require.NoError(t, err)
	return tx
}

func testIngestIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	records := []connector.Record{
		Record("acc-A", "e1", "10.00", day),
		Record("acc-A", "e2", "-20.50", day.AddDate(0, 0, 1)),
		Record("acc-A", "e3", "30.00", day.AddDate(0, 0, 2)),
	}

	first, err := s.Ingest(ctx, "run-1", records)
	require.NoError(t, err)
	assert.Len(t, first.Inserted, 3)
	assert.Zero(t, first.Duplicates)
	require.NotNil(t, first.Watermark)
	assert.True(t, first.Watermark.Equal(day.AddDate(0, 0, 2)))

	second, err := s.Ingest(ctx, "run-2", records)
	require.NoError(t, err)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 3, second.Duplicates)

	// same external id on another account is a different transaction
	other, err := s.Ingest(ctx, "run-3", []connector.Record{Record("acc-B", "e1", "10.00", day)})
	require.NoError(t, err)
	assert.Len(t, other.Inserted, 1)

	txs, err := s.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-A"})
	require.NoError(t, err)
	require.Len(t, txs, 3)

	tx, err := s.GetTransaction(ctx, first.Inserted[1])
	require.NoError(t, err)
	assert.Equal(t, "e2", tx.ExternalID)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("-20.50")))
	assert.Equal(t, domain.SideDebit, tx.Side)
	assert.Equal(t, domain.StatusUnclassified, tx.Status)
	assert.Equal(t, "run-1", tx.SyncRunID)
	assert.True(t, tx.Date.Equal(day.AddDate(0, 0, 1)))
}

func testIngestSkipsMalformed(t *testing.T, s store.Store) {
	ctx := context.Background()
	noCurrency := Record("acc-A", "bad-1", "10.00", day)
	noCurrency.Currency = ""
	wrongSign := Record("acc-A", "bad-2", "10.00", day)
	wrongSign.Side = domain.SideDebit

	res, err := s.Ingest(ctx, "run-1", []connector.Record{
		noCurrency,
		Record("acc-A", "ok", "5.00", day),
		wrongSign,
		{AccountID: "acc-A"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, "bad-1", res.Skipped[0].ExternalID)
	assert.NotEmpty(t, res.Skipped[0].Reason)
}

func testListTransactionsFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	res, err := s.Ingest(ctx, "run-1", []connector.Record{
		Record("acc-A", "e1", "10.00", day),
		Record("acc-A", "e2", "11.00", day),
		Record("acc-A", "e3", "12.00", day),
	})
	require.NoError(t, err)

	_, err = s.SetClassification(ctx, store.ClassificationUpdate{
		TransactionID: res.Inserted[0], To: domain.StatusAutoClassified, Category: "Sales", At: day,
	})
	require.NoError(t, err)

	unclassified, err := s.ListTransactions(ctx, store.TransactionFilter{
		Statuses: []domain.ClassificationStatus{domain.StatusUnclassified},
	})
	require.NoError(t, err)
	assert.Len(t, unclassified, 2)

	byID, err := s.ListTransactions(ctx, store.TransactionFilter{IDs: []string{res.Inserted[2]}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "e3", byID[0].ExternalID)

	limited, err := s.ListTransactions(ctx, store.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testSetClassification(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "-49.90", day))

	updated, err := s.SetClassification(ctx, store.ClassificationUpdate{
		TransactionID: tx.ID, To: domain.StatusAutoClassified, Category: "Rent", RuleID: "r1", At: day,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoClassified, updated.Status)
	assert.Equal(t, "Rent", updated.Category)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rent", got.Category)
	assert.Equal(t, "r1", got.RuleID)

	// auto_classified cannot go back to auto_classified
	_, err = s.SetClassification(ctx, store.ClassificationUpdate{
		TransactionID: tx.ID, To: domain.StatusAutoClassified, Category: "Other", At: day,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.SetClassification(ctx, store.ClassificationUpdate{TransactionID: "missing", To: domain.StatusIgnored})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testClaimRunSingleFlight(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, err := s.ClaimRun(ctx, newClaim("acc-A", day))
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, first.Status)

	_, err = s.ClaimRun(ctx, newClaim("acc-A", day.Add(time.Second)))
	var busy *domain.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, first.ID, busy.RunID)
	assert.ErrorIs(t, err, domain.ErrBusy)

	// other accounts are independent
	_, err = s.ClaimRun(ctx, newClaim("acc-B", day))
	require.NoError(t, err)

	done := *first
	finished := day.Add(time.Minute)
	done.Status = domain.RunSucceeded
	done.FinishedAt = &finished
	require.NoError(t, s.FinishRun(ctx, done))

	_, err = s.ClaimRun(ctx, newClaim("acc-A", day.Add(2*time.Minute)))
	require.NoError(t, err)
}

func testClaimRunConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const callers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		busy    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimRun(ctx, newClaim("acc-A", day))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, domain.ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Equal(t, callers-1, busy)
}

func testClaimRunResumes(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.ClaimRun(ctx, newClaim("acc-A", day))
	require.NoError(t, err)
	assert.Empty(t, run.Cursor)
	assert.Nil(t, run.Watermark)

	watermark := day.AddDate(0, 0, -1)
	finished := day.Add(time.Minute)
	done := *run
	done.Status = domain.RunSucceeded
	done.FinishedAt = &finished
	done.Cursor = "3"
	done.Watermark = &watermark
	done.Stats = domain.RunStats{Pages: 3, Fetched: 250, Inserted: 250}
	require.NoError(t, s.FinishRun(ctx, done))

	// a failed run does not move the resume point
	failedRun, err := s.ClaimRun(ctx, newClaim("acc-A", day.Add(time.Hour)))
	require.NoError(t, err)
	failed := *failedRun
	failed.Status = domain.RunFailed
	failed.FinishedAt = &finished
	failed.Cursor = "9"
	failed.Error = "boom"
	require.NoError(t, s.FinishRun(ctx, failed))

	next, err := s.ClaimRun(ctx, newClaim("acc-A", day.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "3", next.Cursor)
	require.NotNil(t, next.Watermark)
	assert.True(t, next.Watermark.Equal(watermark))

	last, err := s.LastRun(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, next.ID, last.ID)
	assert.Equal(t, domain.RunRunning, last.Status)

	_, err = s.LastRun(ctx, "acc-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testFinishRunLockToken(t *testing.T, s store.Store) {
	ctx := context.Background()
	run, err := s.ClaimRun(ctx, newClaim("acc-A", day))
	require.NoError(t, err)

	touched := *run
	touched.HeartbeatAt = day.Add(time.Minute)
	touched.Stats.Pages = 2
	require.NoError(t, s.TouchRun(ctx, touched))

	stolen := *run
	stolen.LockToken = "someone-else"
	stolen.Status = domain.RunSucceeded
	assert.ErrorIs(t, s.FinishRun(ctx, stolen), domain.ErrLockLost)
	assert.ErrorIs(t, s.TouchRun(ctx, stolen), domain.ErrLockLost)

	finished := day.Add(2 * time.Minute)
	done := touched
	done.Status = domain.RunSucceeded
	done.FinishedAt = &finished
	require.NoError(t, s.FinishRun(ctx, done))

	// finishing twice is refused
	assert.ErrorIs(t, s.FinishRun(ctx, done), domain.ErrLockLost)

	last, err := s.LastRun(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, last.Status)
	assert.Equal(t, 2, last.Stats.Pages)
}

func testReapRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale, err := s.ClaimRun(ctx, newClaim("acc-A", day))
	require.NoError(t, err)
	_, err = s.ClaimRun(ctx, newClaim("acc-B", day.Add(30*time.Minute)))
	require.NoError(t, err)

	now := day.Add(40 * time.Minute)
	reaped, err := s.ReapRuns(ctx, now.Add(-15*time.Minute), "heartbeat expired", now)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, domain.RunFailed, reaped[0].Status)
	assert.Equal(t, "heartbeat expired", reaped[0].Error)

	// the reaped run can no longer finish, and the account is free again
	done := *stale
	done.Status = domain.RunSucceeded
	assert.ErrorIs(t, s.FinishRun(ctx, done), domain.ErrLockLost)
	_, err = s.ClaimRun(ctx, newClaim("acc-A", now))
	require.NoError(t, err)

	_, err = s.ClaimRun(ctx, newClaim("acc-B", now))
	assert.ErrorIs(t, err, domain.ErrBusy)
}

func testRules(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, domain.MatchingRule{
		ID: "b", Pattern: "RENT*", MatchType: domain.MatchGlob, Category: "Rent", Priority: 10, Active: true, CreatedAt: day,
	}))
	require.NoError(t, s.SaveRule(ctx, domain.MatchingRule{
		ID: "a", Pattern: "uber", AltPatterns: []string{"bolt"}, MatchType: domain.MatchContains,
		Category: "Travel", Priority: 10, Active: false, CreatedAt: day,
	}))
	require.NoError(t, s.SaveRule(ctx, domain.MatchingRule{
		ID: "c", Pattern: "ACME", MatchType: domain.MatchExact, Category: "Sales", Priority: 1, Active: true, CreatedAt: day,
	}))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})
	assert.Equal(t, []string{"bolt"}, rules[1].AltPatterns)
	assert.False(t, rules[1].Active)

	r, err := s.GetRule(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.MatchGlob, r.MatchType)

	_, err = s.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDocuments(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "100.00")))
	require.NoError(t, s.UpsertDocument(ctx, Document("bill-1", domain.DirectionPayable, "50.00")))
	paid := Document("inv-2", domain.DirectionReceivable, "70.00")
	paid.OpenAmount = decimal.Zero
	paid.Status = domain.DocumentPaid
	require.NoError(t, s.UpsertDocument(ctx, paid))

	open, err := s.OpenDocuments(ctx, store.DocumentFilter{Direction: domain.DirectionReceivable, Currency: "EUR"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "inv-1", open[0].ID)

	all, err := s.OpenDocuments(ctx, store.DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	doc, err := s.GetDocument(ctx, "bill-1")
	require.NoError(t, err)
	assert.True(t, doc.TotalAmount.Equal(decimal.RequireFromString("50")))

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testAllocateFullMatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "1200.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "1200.00")))

	settlement, err := s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("1200.00"), Actor: "alice", At: day,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", settlement.CreatedBy)

	doc, err := s.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.IsZero())
	assert.Equal(t, domain.DocumentPaid, doc.Status)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, got.Status)

	// upserting the same document again does not reopen it
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "1200.00")))
	doc, err = s.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.IsZero())
}

func testAllocatePartial(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "-500.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("bill-1", domain.DirectionPayable, "1200.00")))

	_, err := s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "bill-1", Amount: decimal.RequireFromString("500"), At: day,
	})
	require.NoError(t, err)

	doc, err := s.GetDocument(ctx, "bill-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(decimal.RequireFromString("700")))
	assert.Equal(t, domain.DocumentPartial, doc.Status)

	_, err = s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "bill-1", Amount: decimal.RequireFromString("800"), At: day,
	})
	c, ok := domain.AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, domain.ConflictDocumentCapacity, c.Reason)
	assert.True(t, c.Remaining.Equal(decimal.RequireFromString("700")))
	assert.Contains(t, err.Error(), "700.00")

	// the refused request wrote nothing
	doc, err = s.GetDocument(ctx, "bill-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(decimal.RequireFromString("700")))
	active, err := s.ListSettlements(ctx, store.SettlementFilter{DocumentID: "bill-1", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func testAllocateConservation(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "100.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "60.00")))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-2", domain.DirectionReceivable, "60.00")))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, docID := range []string{"inv-1", "inv-2"} {
		wg.Add(1)
		go func(i int, docID string) {
			defer wg.Done()
			_, errs[i] = s.ApplyAllocation(ctx, store.AllocationRequest{
				TransactionID: tx.ID, DocumentID: docID, Amount: decimal.RequireFromString("60"), At: day,
			})
		}(i, docID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)

	active, err := s.ListSettlements(ctx, store.SettlementFilter{TransactionID: tx.ID, ActiveOnly: true})
	require.NoError(t, err)
	total := decimal.Zero
	for _, st := range active {
		total = total.Add(st.AllocatedAmount)
	}
	assert.True(t, total.LessThanOrEqual(decimal.RequireFromString("100")))

	// the remaining 40 can still be allocated, but not a cent more
	var free string
	for _, id := range []string{"inv-1", "inv-2"} {
		doc, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		if doc.Status == domain.DocumentOpen {
			free = id
		}
	}
	require.NotEmpty(t, free)
	_, err = s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: free, Amount: decimal.RequireFromString("40.01"), At: day,
	})
	c, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictTransactionCapacity, c.Reason)
	assert.True(t, c.Remaining.Equal(decimal.RequireFromString("40")))

	_, err = s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: free, Amount: decimal.RequireFromString("40"), At: day,
	})
	require.NoError(t, err)
	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, got.Status)
}

func testDocumentRevision(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "1200.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "1200.00")))
	settlement, err := s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("500"), At: day,
	})
	require.NoError(t, err)

	// a corrected total below what is already settled is refused
	err = s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "300.00"))
	c, ok := domain.AsConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.ConflictTotalBelowAllocated, c.Reason)
	assert.True(t, c.Remaining.Equal(decimal.RequireFromString("500")))

	moved := Document("inv-1", domain.DirectionReceivable, "1200.00")
	moved.Currency = "USD"
	err = s.UpsertDocument(ctx, moved)
	c, ok = domain.AsConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.ConflictHasSettlements, c.Reason)

	// a lower total that still covers the settlements recomputes the open amount
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "800.00")))
	doc, err := s.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.TotalAmount.Equal(decimal.RequireFromString("800")))
	assert.True(t, doc.OpenAmount.Equal(decimal.RequireFromString("300")), "open = %s", doc.OpenAmount)
	assert.Equal(t, domain.DocumentPartial, doc.Status)

	_, err = s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("700"), At: day,
	})
	c, ok = domain.AsConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.ConflictDocumentCapacity, c.Reason)

	active, err := s.ListSettlements(ctx, store.SettlementFilter{DocumentID: "inv-1", ActiveOnly: true})
	require.NoError(t, err)
	settled := decimal.Zero
	for _, st := range active {
		settled = settled.Add(st.AllocatedAmount)
	}
	assert.True(t, settled.LessThanOrEqual(doc.TotalAmount))

	// once the settlement is voided any correction is accepted
	_, err = s.VoidAllocation(ctx, settlement.ID, "", day)
	require.NoError(t, err)
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "300.00")))
	doc, err = s.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(decimal.RequireFromString("300")))
	assert.Equal(t, domain.DocumentOpen, doc.Status)
}

func testVoidAllocation(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "1200.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "1200.00")))
	settlement, err := s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("1200"), At: day,
	})
	require.NoError(t, err)

	voided, err := s.VoidAllocation(ctx, settlement.ID, "bob", day.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, voided.VoidedAt)
	assert.Equal(t, "bob", voided.VoidedBy)

	doc, err := s.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(decimal.RequireFromString("1200")))
	assert.Equal(t, domain.DocumentOpen, doc.Status)

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnclassified, got.Status)

	all, err := s.ListSettlements(ctx, store.SettlementFilter{TransactionID: tx.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active())

	_, err = s.VoidAllocation(ctx, settlement.ID, "bob", day.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.VoidAllocation(ctx, "missing", "bob", day)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testIgnoreRequiresNoSettlements(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := ingestOne(t, s, Record("acc-A", "e1", "100.00", day))
	require.NoError(t, s.UpsertDocument(ctx, Document("inv-1", domain.DirectionReceivable, "500.00")))
	settlement, err := s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("30"), At: day,
	})
	require.NoError(t, err)

	_, err = s.SetClassification(ctx, store.ClassificationUpdate{TransactionID: tx.ID, To: domain.StatusIgnored, At: day})
	c, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictHasSettlements, c.Reason)

	_, err = s.VoidAllocation(ctx, settlement.ID, "", day)
	require.NoError(t, err)

	got, err := s.SetClassification(ctx, store.ClassificationUpdate{TransactionID: tx.ID, To: domain.StatusIgnored, At: day})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnored, got.Status)

	_, err = s.ApplyAllocation(ctx, store.AllocationRequest{
		TransactionID: tx.ID, DocumentID: "inv-1", Amount: decimal.RequireFromString("30"), At: day,
	})
	c, ok = domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictTransactionIgnored, c.Reason)
}
