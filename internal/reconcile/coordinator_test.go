package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/dvloznov/bank-reconciler/internal/store/memory"
	"github.com/dvloznov/bank-reconciler/internal/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var booked = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store *memory.Store
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)
	s := memory.New()
	return &fixture{store: s, coord: NewCoordinator(s, scorer)}
}

func (f *fixture) ingest(t *testing.T, records ...connector.Record) []string {
	t.Helper()
	res, err := f.store.Ingest(context.Background(), "run-1", records)
	require.NoError(t, err)
	require.Len(t, res.Inserted, len(records))
	return res.Inserted
}

func (f *fixture) document(t *testing.T, id string, direction domain.Direction, total string) {
	t.Helper()
	require.NoError(t, f.store.UpsertDocument(context.Background(), storetest.Document(id, direction, total)))
}

func TestCoordinator_FullMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txID := f.ingest(t, storetest.Record("acc-A", "e1", "1200.00", booked))[0]
	f.document(t, "inv-1", domain.DirectionReceivable, "1200.00")
	f.document(t, "inv-2", domain.DirectionReceivable, "90.00")
	f.document(t, "bill-1", domain.DirectionPayable, "1200.00")

	candidates, err := f.coord.Candidates(ctx, txID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "inv-1", candidates[0].DocumentID)
	assert.InDelta(t, 1.0, candidates[0].Score, 0.001)

	st, err := f.coord.ApplyMatch(ctx, txID, "inv-1", dec("1200.00"), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", st.CreatedBy)
	assert.True(t, st.AllocatedAmount.Equal(dec("1200")))

	doc, err := f.store.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.IsZero())
	assert.Equal(t, domain.DocumentPaid, doc.Status)

	tx, err := f.store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, tx.Status)

	candidates, err = f.coord.Candidates(ctx, txID)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestCoordinator_PartialThenOverAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txID := f.ingest(t, storetest.Record("acc-A", "e1", "-500.00", booked))[0]
	f.document(t, "bill-1", domain.DirectionPayable, "1200.00")

	_, err := f.coord.ApplyMatch(ctx, txID, "bill-1", dec("500.00"), "bob")
	require.NoError(t, err)

	doc, err := f.store.GetDocument(ctx, "bill-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(dec("700.00")))
	assert.Equal(t, domain.DocumentPartial, doc.Status)

	_, err = f.coord.ApplyMatch(ctx, txID, "bill-1", dec("800.00"), "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Contains(t, err.Error(), "700.00")

	conflict, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictDocumentCapacity, conflict.Reason)
	assert.True(t, conflict.Remaining.Equal(dec("700")))

	doc, err = f.store.GetDocument(ctx, "bill-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(dec("700.00")), "a rejected match leaves the document alone")
}

func TestCoordinator_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.ingest(t,
		storetest.Record("acc-A", "e1", "100.00", booked),
		storetest.Record("acc-A", "e2", "-100.00", booked),
	)
	credit, debit := ids[0], ids[1]
	f.document(t, "inv-1", domain.DirectionReceivable, "100.00")

	tests := []struct {
		name   string
		txID   string
		amount string
		reason domain.ConflictReason
	}{
		{"zero amount", credit, "0", domain.ConflictInvalidAmount},
		{"negative amount", credit, "-5", domain.ConflictInvalidAmount},
		{"wrong direction", debit, "100.00", domain.ConflictDirectionMismatch},
		{"more than the document", credit, "150.00", domain.ConflictDocumentCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.ApplyMatch(ctx, tt.txID, "inv-1", dec(tt.amount), "alice")
			conflict, ok := domain.AsConflict(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.reason, conflict.Reason)
		})
	}

	_, err := f.coord.ApplyMatch(ctx, "missing", "inv-1", dec("1"), "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinator_UnmatchRestoresBothSides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txID := f.ingest(t, storetest.Record("acc-A", "e1", "1200.00", booked))[0]
	f.document(t, "inv-1", domain.DirectionReceivable, "1200.00")

	st, err := f.coord.ApplyMatch(ctx, txID, "inv-1", dec("1200.00"), "alice")
	require.NoError(t, err)

	voided, err := f.coord.Unmatch(ctx, st.ID, "carol")
	require.NoError(t, err)
	require.NotNil(t, voided.VoidedAt)
	assert.Equal(t, "carol", voided.VoidedBy)

	tx, err := f.store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnclassified, tx.Status)

	doc, err := f.store.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, doc.OpenAmount.Equal(dec("1200")))
	assert.Equal(t, domain.DocumentOpen, doc.Status)

	_, err = f.coord.Unmatch(ctx, st.ID, "carol")
	conflict, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictAlreadyVoided, conflict.Reason)

	// the transaction can be matched again
	_, err = f.coord.ApplyMatch(ctx, txID, "inv-1", dec("1200.00"), "alice")
	require.NoError(t, err)
}

func TestCoordinator_Confirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	txID := f.ingest(t, storetest.Record("acc-A", "e1", "100.00", booked))[0]
	f.document(t, "inv-1", domain.DirectionReceivable, "100.00")
	f.document(t, "inv-2", domain.DirectionReceivable, "100.00")

	_, err := f.coord.Confirm(ctx, txID, "alice")
	conflict, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictInvalidTransition, conflict.Reason)

	_, err = f.coord.ApplyMatch(ctx, txID, "inv-1", dec("100.00"), "alice")
	require.NoError(t, err)

	tx, err := f.coord.Confirm(ctx, txID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReconciled, tx.Status)

	_, err = f.coord.ApplyMatch(ctx, txID, "inv-2", dec("1.00"), "alice")
	conflict, ok = domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictAlreadyReconciled, conflict.Reason)

	_, err = f.coord.Candidates(ctx, txID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCoordinator_IgnoreAndUnignore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.ingest(t,
		storetest.Record("acc-A", "e1", "100.00", booked),
		storetest.Record("acc-A", "e2", "300.00", booked),
	)
	f.document(t, "inv-1", domain.DirectionReceivable, "1000.00")

	_, err := f.coord.ApplyMatch(ctx, ids[1], "inv-1", dec("100.00"), "alice")
	require.NoError(t, err)
	_, err = f.coord.Ignore(ctx, ids[1], "internal transfer")
	conflict, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictHasSettlements, conflict.Reason)

	tx, err := f.coord.Ignore(ctx, ids[0], "internal transfer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIgnored, tx.Status)

	_, err = f.coord.Candidates(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.coord.ApplyMatch(ctx, ids[0], "inv-1", dec("100.00"), "alice")
	assert.ErrorIs(t, err, domain.ErrConflict)

	tx, err = f.coord.Unignore(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnclassified, tx.Status)
}
