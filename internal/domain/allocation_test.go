package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func debit(amount string) BankTransaction {
	return BankTransaction{
		ID:       "tx-1",
		Amount:   dec(amount).Neg(),
		Currency: "EUR",
		Side:     SideDebit,
		Status:   StatusUnclassified,
	}
}

func payable(total string) FinancialDocument {
	return FinancialDocument{
		ID:          "doc-1",
		Direction:   DirectionPayable,
		TotalAmount: dec(total),
		OpenAmount:  dec(total),
		Currency:    "EUR",
		Status:      DocumentOpen,
	}
}

func TestPlanAllocation_PartialKeepsStatus(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tx := debit("500.00")
	tx.Status = StatusPendingReview

	plan, err := PlanAllocation(tx, payable("1200.00"), decimal.Zero, dec("200"), "alice", now)
	require.NoError(t, err)

	assert.Equal(t, StatusPendingReview, plan.Transaction.Status)
	assert.True(t, plan.Document.OpenAmount.Equal(dec("1000")))
	assert.Equal(t, DocumentPartial, plan.Document.Status)
	assert.Equal(t, "alice", plan.Settlement.CreatedBy)
	assert.NotEmpty(t, plan.Settlement.ID)
	assert.Equal(t, now, plan.Settlement.CreatedAt)
}

func TestPlanAllocation_FullAllocationMatches(t *testing.T) {
	plan, err := PlanAllocation(debit("500.00"), payable("1200.00"), decimal.Zero, dec("500"), "", time.Now())
	require.NoError(t, err)

	assert.Equal(t, StatusMatched, plan.Transaction.Status)
	assert.True(t, plan.Document.OpenAmount.Equal(dec("700")))
	assert.Equal(t, ActorSystem, plan.Settlement.CreatedBy)
}

func TestPlanAllocation_Conflicts(t *testing.T) {
	reconciled := debit("500")
	reconciled.Status = StatusReconciled

	ignored := debit("500")
	ignored.Status = StatusIgnored

	credit := BankTransaction{ID: "tx-2", Amount: dec("500"), Currency: "EUR", Side: SideCredit, Status: StatusUnclassified}

	usd := debit("500")
	usd.Currency = "USD"

	partlyPaid := payable("1200")
	partlyPaid.OpenAmount = dec("700")

	tests := []struct {
		name      string
		tx        BankTransaction
		doc       FinancialDocument
		allocated string
		amount    string
		reason    ConflictReason
		remaining string
	}{
		{"zero amount", debit("500"), payable("1200"), "0", "0", ConflictInvalidAmount, "0"},
		{"negative amount", debit("500"), payable("1200"), "0", "-5", ConflictInvalidAmount, "0"},
		{"already reconciled", reconciled, payable("1200"), "0", "100", ConflictAlreadyReconciled, "0"},
		{"ignored", ignored, payable("1200"), "0", "100", ConflictTransactionIgnored, "0"},
		{"currency", usd, payable("1200"), "0", "100", ConflictCurrencyMismatch, "0"},
		{"direction", credit, payable("1200"), "0", "100", ConflictDirectionMismatch, "0"},
		{"document capacity", debit("900"), partlyPaid, "0", "800", ConflictDocumentCapacity, "700"},
		{"transaction capacity", debit("500"), payable("1200"), "300", "250", ConflictTransactionCapacity, "200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanAllocation(tt.tx, tt.doc, dec(tt.allocated), dec(tt.amount), "bob", time.Now())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConflict)

			c, ok := AsConflict(err)
			require.True(t, ok)
			assert.Equal(t, tt.reason, c.Reason)
			assert.True(t, c.Remaining.Equal(dec(tt.remaining)), "remaining %s", c.Remaining)
		})
	}
}

func TestPlanRelease(t *testing.T) {
	now := time.Now()
	tx := debit("500")
	tx.Status = StatusMatched
	tx.Category = "rent"
	doc := payable("1200")
	doc.OpenAmount = dec("700")
	s := Settlement{ID: "s-1", TransactionID: tx.ID, DocumentID: doc.ID, AllocatedAmount: dec("500")}

	plan, err := PlanRelease(s, tx, doc, "alice", now)
	require.NoError(t, err)

	assert.Equal(t, StatusUnclassified, plan.Transaction.Status)
	assert.Empty(t, plan.Transaction.Category)
	assert.True(t, plan.Document.OpenAmount.Equal(dec("1200")))
	assert.Equal(t, DocumentOpen, plan.Document.Status)
	require.NotNil(t, plan.Settlement.VoidedAt)
	assert.Equal(t, "alice", plan.Settlement.VoidedBy)

	_, err = PlanRelease(plan.Settlement, plan.Transaction, plan.Document, "alice", now)
	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, ConflictAlreadyVoided, c.Reason)
}

func TestPlanDocumentRevision(t *testing.T) {
	stored := payable("1200")
	stored.OpenAmount = dec("700")
	stored.Status = DocumentPartial

	tests := []struct {
		name      string
		existing  *FinancialDocument
		incoming  func() FinancialDocument
		allocated string
		wantOpen  string
		wantState DocumentStatus
		reason    ConflictReason
	}{
		{
			name:      "new document keeps the reported open amount",
			incoming:  func() FinancialDocument { d := payable("100"); d.OpenAmount = dec("40"); return d },
			allocated: "0",
			wantOpen:  "40",
			wantState: DocumentPartial,
		},
		{
			name:      "lower total recomputes open from settlements",
			existing:  &stored,
			incoming:  func() FinancialDocument { return payable("800") },
			allocated: "500",
			wantOpen:  "300",
			wantState: DocumentPartial,
		},
		{
			name:      "same total keeps the settled part",
			existing:  &stored,
			incoming:  func() FinancialDocument { return payable("1200") },
			allocated: "500",
			wantOpen:  "700",
			wantState: DocumentPartial,
		},
		{
			name:      "paid elsewhere closes the document",
			existing:  &stored,
			incoming:  func() FinancialDocument { d := payable("1200"); d.OpenAmount = decimal.Zero; return d },
			allocated: "500",
			wantOpen:  "0",
			wantState: DocumentPaid,
		},
		{
			name:      "total below settled",
			existing:  &stored,
			incoming:  func() FinancialDocument { return payable("300") },
			allocated: "500",
			reason:    ConflictTotalBelowAllocated,
		},
		{
			name:      "currency change with settlements",
			existing:  &stored,
			incoming:  func() FinancialDocument { d := payable("1200"); d.Currency = "USD"; return d },
			allocated: "500",
			reason:    ConflictHasSettlements,
		},
		{
			name:      "direction change with settlements",
			existing:  &stored,
			incoming:  func() FinancialDocument { d := payable("1200"); d.Direction = DirectionReceivable; return d },
			allocated: "500",
			reason:    ConflictHasSettlements,
		},
		{
			name:      "currency change without settlements",
			existing:  &stored,
			incoming:  func() FinancialDocument { d := payable("1200"); d.Currency = "USD"; return d },
			allocated: "0",
			wantOpen:  "1200",
			wantState: DocumentOpen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlanDocumentRevision(tt.existing, tt.incoming(), dec(tt.allocated))
			if tt.reason != "" {
				c, ok := AsConflict(err)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, tt.reason, c.Reason)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.OpenAmount.Equal(dec(tt.wantOpen)), "open %s", got.OpenAmount)
			assert.Equal(t, tt.wantState, got.Status)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusUnclassified, StatusAutoClassified))
	assert.True(t, CanTransition(StatusAutoClassified, StatusPendingReview))
	assert.True(t, CanTransition(StatusMatched, StatusReconciled))
	assert.True(t, CanTransition(StatusIgnored, StatusUnclassified))

	assert.False(t, CanTransition(StatusMatched, StatusUnclassified))
	assert.False(t, CanTransition(StatusReconciled, StatusUnclassified))
	assert.False(t, CanTransition(StatusReconciled, StatusMatched))
	assert.False(t, CanTransition(StatusPendingReview, StatusAutoClassified))
}

func TestCheckIgnore(t *testing.T) {
	tx := debit("500")
	assert.NoError(t, CheckIgnore(tx, decimal.Zero))

	err := CheckIgnore(tx, dec("10"))
	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, ConflictHasSettlements, c.Reason)

	tx.Status = StatusMatched
	assert.ErrorIs(t, CheckIgnore(tx, decimal.Zero), ErrConflict)
}

func TestBusyErrorMatchesSentinel(t *testing.T) {
	var err error = &BusyError{AccountID: "acc", RunID: "run", StartedAt: time.Now()}
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "acc")
}
