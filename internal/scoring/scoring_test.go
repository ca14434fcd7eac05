package scoring

import (
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var booked = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(amount, counterparty string) domain.BankTransaction {
	return domain.BankTransaction{
		ID:           "tx-1",
		Amount:       dec(amount),
		Currency:     "EUR",
		Date:         booked,
		Label:        "VIR " + counterparty,
		Counterparty: counterparty,
		Side:         domain.SideCredit,
	}
}

func invoice(id, open, counterparty string, issued time.Time) *domain.FinancialDocument {
	return &domain.FinancialDocument{
		ID:           id,
		Kind:         domain.KindInvoice,
		Direction:    domain.DirectionReceivable,
		TotalAmount:  dec(open),
		OpenAmount:   dec(open),
		Currency:     "EUR",
		Counterparty: counterparty,
		IssuedAt:     issued,
		Status:       domain.DocumentOpen,
	}
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestNewScorer_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative weight", Config{Weights: Weights{Amount: -1, Date: 1, Counterparty: 1}, AmountTolerance: 0.05, DateWindowDays: 30}},
		{"zero weights", Config{AmountTolerance: 0.05, DateWindowDays: 30}},
		{"zero tolerance", Config{Weights: Weights{Amount: 1}, DateWindowDays: 30}},
		{"zero window", Config{Weights: Weights{Amount: 1}, AmountTolerance: 0.05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScorer(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestScoreCandidates_ExactMatchScoresOne(t *testing.T) {
	s := newScorer(t)
	tx := credit("1000.00", "Acme SAS")

	got := s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{invoice("inv-1", "1000.00", "ACME SAS", booked)})
	require.Len(t, got, 1)
	assert.Equal(t, "inv-1", got[0].DocumentID)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, 1.0, got[0].AmountScore)
	assert.Equal(t, 1.0, got[0].DateScore)
	assert.Equal(t, 1.0, got[0].CounterpartyScore)
	assert.True(t, got[0].AmountDiff.IsZero())
	assert.Equal(t, 0, got[0].DaysApart)
}

func TestScoreCandidates_Filters(t *testing.T) {
	s := newScorer(t)
	tx := credit("100.00", "Acme")

	payable := invoice("payable", "100.00", "Acme", booked)
	payable.Direction = domain.DirectionPayable
	usd := invoice("usd", "100.00", "Acme", booked)
	usd.Currency = "USD"
	paid := invoice("paid", "100.00", "Acme", booked)
	paid.OpenAmount = decimal.Zero
	lower := invoice("lower-currency", "100.00", "Acme", booked)
	lower.Currency = "eur"

	got := s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{payable, usd, paid, lower})
	require.Len(t, got, 1)
	assert.Equal(t, "lower-currency", got[0].DocumentID)

	debit := tx
	debit.Amount = dec("-100.00")
	debit.Side = domain.SideDebit
	got = s.ScoreCandidates(debit, debit.AbsAmount(), []*domain.FinancialDocument{payable, usd, paid, lower})
	require.Len(t, got, 1)
	assert.Equal(t, "payable", got[0].DocumentID)

	assert.Empty(t, s.ScoreCandidates(tx, decimal.Zero, []*domain.FinancialDocument{lower}))
}

func TestScoreCandidates_AmountSignal(t *testing.T) {
	s := newScorer(t)
	tests := []struct {
		name   string
		amount string
		score  float64
	}{
		{"exact", "1000.00", 1},
		{"half the tolerance", "1025.00", 0.5},
		{"under by half the tolerance", "975.00", 0.5},
		{"at the tolerance", "1050.00", 0},
		{"beyond the tolerance", "2000.00", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := credit(tt.amount, "Acme")
			got := s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{invoice("d", "1000.00", "Acme", booked)})
			require.Len(t, got, 1)
			assert.InDelta(t, tt.score, got[0].AmountScore, 1e-9)
		})
	}
}

func TestScoreCandidates_DateSignalUsesDueDate(t *testing.T) {
	s := newScorer(t)
	tx := credit("100.00", "Acme")

	// the due date wins even when the issue date is closer
	doc := invoice("d", "100.00", "Acme", booked)
	due := booked.AddDate(0, 0, 15)
	doc.DueDate = &due

	got := s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{doc})
	require.Len(t, got, 1)
	assert.Equal(t, 15, got[0].DaysApart)
	assert.InDelta(t, 0.5, got[0].DateScore, 1e-9)

	undated := invoice("undated", "100.00", "Acme", booked.AddDate(0, 0, -15))
	got = s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{undated})
	require.Len(t, got, 1)
	assert.Equal(t, 15, got[0].DaysApart, "issue date without a due date")

	far := invoice("far", "100.00", "Acme", booked.AddDate(0, 0, 45))
	got = s.ScoreCandidates(tx, tx.AbsAmount(), []*domain.FinancialDocument{far})
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].DateScore)
}

func TestScoreCandidates_Ordering(t *testing.T) {
	s := newScorer(t)
	tx := credit("500.00", "Globex")

	docs := []*domain.FinancialDocument{
		invoice("b-same", "500.00", "Globex", booked),
		invoice("weak", "900.00", "Initech", booked.AddDate(0, 0, -20)),
		invoice("a-same", "500.00", "Globex", booked),
		invoice("close", "510.00", "Globex", booked),
	}
	got := s.ScoreCandidates(tx, tx.AbsAmount(), docs)
	require.Len(t, got, 4)

	ids := []string{got[0].DocumentID, got[1].DocumentID, got[2].DocumentID, got[3].DocumentID}
	assert.Equal(t, []string{"a-same", "b-same", "close", "weak"}, ids)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestScoreCandidates_UsesUnallocatedAmount(t *testing.T) {
	s := newScorer(t)
	tx := credit("1000.00", "Acme")

	got := s.ScoreCandidates(tx, dec("700.00"), []*domain.FinancialDocument{
		invoice("full", "1000.00", "Acme", booked),
		invoice("rest", "700.00", "Acme", booked),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "rest", got[0].DocumentID)
	assert.Equal(t, 1.0, got[0].AmountScore)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Acme SAS", "acme sas"))
	assert.Equal(t, 1.0, Similarity("Américo", "AMERICO FOODS"))
	assert.Equal(t, 1.0, Similarity("VIR SEPA ORANGE SA", "Orange"))
	assert.Equal(t, 1.0, Similarity("SA", "sa"))
	assert.Equal(t, 0.0, Similarity("", "Acme"))
	assert.Equal(t, 0.0, Similarity("Acme", "   "))

	near := Similarity("Globex Corp", "Globx Corp")
	far := Similarity("Globex Corp", "Initech")
	assert.Greater(t, near, 0.8)
	assert.Less(t, far, near)
	assert.GreaterOrEqual(t, far, 0.0)
}

func TestSimilarity_ShortOrPartialNamesDoNotContain(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"VIR SEPA ORANGE SA", "SA"},
		{"AMAZON EU SARL", "A"},
		{"AMAZON EU SARL", "EU"},
		{"VIR SEPA ORANGE SA", "ORANG"},
		{"Globex Corporation", "Glob"},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Less(t, Similarity(tt.a, tt.b), 0.5)
			assert.Equal(t, Similarity(tt.a, tt.b), Similarity(tt.b, tt.a))
		})
	}
}
