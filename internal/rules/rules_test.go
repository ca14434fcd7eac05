package rules

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/dvloznov/bank-reconciler/internal/store/memory"
	"github.com/dvloznov/bank-reconciler/internal/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"RENT OFFICE PARIS", "rent office paris"},
		{"  Américo   SAS ", "americo sas"},
		{"Crédit\tAgricole\nÉpargne", "credit agricole epargne"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func rule(id, pattern string, mt domain.MatchType, category string, priority int) domain.MatchingRule {
	return domain.MatchingRule{ID: id, Pattern: pattern, MatchType: mt, Category: category, Priority: priority, Active: true}
}

func TestEngine_Classify(t *testing.T) {
	engine := NewEngine(context.Background(), []domain.MatchingRule{
		rule("rent", "RENT*", domain.MatchGlob, "Rent", 10),
		rule("rent-paris", "*paris", domain.MatchGlob, "Rent Paris", 5),
		rule("uber", "uber", domain.MatchContains, "Travel", 20),
		rule("acme", "ACME SAS", domain.MatchExact, "Sales", 20),
		rule("invoice", `^inv-\d+`, domain.MatchRegex, "Receivables", 30),
		{ID: "off", Pattern: "*", MatchType: domain.MatchGlob, Category: "Everything", Priority: 1, Active: false},
		{ID: "alt", Pattern: "AMERICO", AltPatterns: []string{"AMÉRICO FOODS"}, MatchType: domain.MatchContains,
			Category: "Food", Priority: 40, Active: true},
	})
	require.Equal(t, 6, engine.Len())
	assert.Empty(t, engine.Skipped())

	tests := []struct {
		label    string
		ruleID   string
		category string
	}{
		{"RENT OFFICE PARIS", "rent-paris", "Rent Paris"},
		{"Rent office Lyon", "rent", "Rent"},
		{"PAYMENT UBER BV", "uber", "Travel"},
		{"acme  sas", "acme", "Sales"},
		{"ACME SAS LTD", "", ""},
		{"INV-2024 settlement", "invoice", "Receivables"},
		{"Américo Foods", "alt", "Food"},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			m, ok := engine.Classify(domain.BankTransaction{Label: tt.label})
			if tt.ruleID == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.ruleID, m.RuleID)
			assert.Equal(t, tt.category, m.Category)
		})
	}
}

func TestEngine_SamePriorityOrderedByID(t *testing.T) {
	engine := NewEngine(context.Background(), []domain.MatchingRule{
		rule("b", "shop*", domain.MatchGlob, "B", 10),
		rule("a", "shop", domain.MatchContains, "A", 10),
	})
	m, ok := engine.Classify(domain.BankTransaction{Label: "SHOP 12"})
	require.True(t, ok)
	assert.Equal(t, "a", m.RuleID)
}

func TestEngine_SkipsMalformedRules(t *testing.T) {
	engine := NewEngine(context.Background(), []domain.MatchingRule{
		rule("bad-regex", "([", domain.MatchRegex, "X", 1),
		rule("empty", "   ", domain.MatchContains, "X", 1),
		rule("star", "**", domain.MatchGlob, "X", 1),
		rule("no-category", "rent", domain.MatchContains, "", 1),
		rule("unknown", "rent", "fuzzy", "X", 1),
		rule("good", "rent", domain.MatchContains, "Rent", 2),
	})
	assert.Equal(t, 1, engine.Len())

	skipped := engine.Skipped()
	require.Len(t, skipped, 5)
	ids := make([]string, 0, len(skipped))
	for _, s := range skipped {
		ids = append(ids, s.RuleID)
		assert.NotEmpty(t, s.Reason)
	}
	assert.ElementsMatch(t, []string{"bad-regex", "empty", "star", "no-category", "unknown"}, ids)

	m, ok := engine.Classify(domain.BankTransaction{Label: "RENT"})
	require.True(t, ok)
	assert.Equal(t, "good", m.RuleID)
}

func TestPreview(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	txs := []*domain.BankTransaction{
		{ID: "1", Label: "RENT OFFICE PARIS", Amount: decimal.RequireFromString("-1000"), Date: day, Status: domain.StatusUnclassified},
		{ID: "2", Label: "Rent Office  Paris", Amount: decimal.RequireFromString("-1000"), Date: day.AddDate(0, 1, 0), Status: domain.StatusAutoClassified, Category: "Rent"},
		{ID: "3", Label: "RENT PARKING", Amount: decimal.RequireFromString("-80"), Date: day, Status: domain.StatusUnclassified},
		{ID: "4", Label: "RENT OFFICE PARIS", Amount: decimal.RequireFromString("-1000"), Date: day, Status: domain.StatusMatched},
		{ID: "5", Label: "GROCERIES", Amount: decimal.RequireFromString("-20"), Date: day, Status: domain.StatusUnclassified},
	}

	groups, err := Preview(rule("rent", "RENT*", domain.MatchGlob, "Rent", 1), txs)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	office := groups[0]
	assert.Equal(t, "rent office paris", office.NormalizedLabel)
	assert.Equal(t, 2, office.Count)
	assert.True(t, office.Total.Equal(decimal.RequireFromString("2000")))
	assert.Equal(t, []string{"1", "2"}, office.TransactionIDs)
	assert.Equal(t, 1, office.AlreadyApplied)
	assert.Equal(t, 1, office.Pending)
	assert.Equal(t, day, office.FirstSeen)
	assert.Equal(t, day.AddDate(0, 1, 0), office.LastSeen)
	assert.Len(t, office.SampleLabels, 2)

	assert.Equal(t, "rent parking", groups[1].NormalizedLabel)

	_, err = Preview(rule("bad", "([", domain.MatchRegex, "X", 1), txs)
	assert.Error(t, err)
}

func TestClassifier_ClassifyNew(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveRule(ctx, rule("rent", "RENT*", domain.MatchGlob, "Rent", 10)))

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	rent := storetest.Record("acc-A", "e1", "-1500.00", day)
	rent.Label = "RENT OFFICE PARIS"
	other := storetest.Record("acc-A", "e2", "-12.00", day)
	other.Label = "COFFEE"

	res, err := s.Ingest(ctx, "run-1", []connector.Record{rent, other})
	require.NoError(t, err)

	c := NewClassifier(s, s)
	out, err := c.ClassifyNew(ctx, res.Inserted)
	require.NoError(t, err)
	assert.Equal(t, ClassifyResult{Classified: 1, Unmatched: 1}, out)

	tx, err := s.GetTransaction(ctx, res.Inserted[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoClassified, tx.Status)
	assert.Equal(t, "Rent", tx.Category)
	assert.Equal(t, "rent", tx.RuleID)

	// a second pass leaves classified transactions alone
	out, err = c.ClassifyNew(ctx, res.Inserted)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Classified)
	assert.Equal(t, 1, out.Unmatched)

	out, err = c.ClassifyNew(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ClassifyResult{}, out)
}

func TestClassifier_ClassifyAccount(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveRule(ctx, rule("uber", "uber", domain.MatchContains, "Travel", 1)))

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	a := storetest.Record("acc-A", "e1", "-20.00", day)
	a.Label = "UBER TRIP"
	b := storetest.Record("acc-B", "e1", "-20.00", day)
	b.Label = "UBER TRIP"
	_, err := s.Ingest(ctx, "run-1", []connector.Record{a, b})
	require.NoError(t, err)

	out, err := NewClassifier(s, s).ClassifyAccount(ctx, "acc-A")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Classified)

	rest, err := s.ListTransactions(ctx, store.TransactionFilter{Statuses: []domain.ClassificationStatus{domain.StatusUnclassified}})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "acc-B", rest[0].AccountID)
}
