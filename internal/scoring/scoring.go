// Package scoring ranks open financial documents against a bank transaction.
package scoring

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Weights are relative; NewScorer normalizes them to sum to 1.
type Weights struct {
	Amount       float64
	Date         float64
	Counterparty float64
}

// Config tunes the three signals.
type Config struct {
	Weights Weights
	// AmountTolerance is the fraction of the open amount at which the amount
	// signal reaches zero.
	AmountTolerance float64
	// DateWindowDays is the distance at which the date signal reaches zero.
	DateWindowDays int
}

// DefaultConfig weighs the signals equally.
func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Amount: 1, Date: 1, Counterparty: 1},
		AmountTolerance: 0.05,
		DateWindowDays:  30,
	}
}

// Candidate is one scored document.
type Candidate struct {
	DocumentID        string
	Document          domain.FinancialDocument
	Score             float64
	AmountScore       float64
	DateScore         float64
	CounterpartyScore float64
	// AmountDiff is the absolute difference between the amount being matched
	// and the document's open amount.
	AmountDiff decimal.Decimal
	DaysApart  int
}

// Scorer is safe for concurrent use.
type Scorer struct {
	weights   Weights
	tolerance decimal.Decimal
	window    float64
}

// NewScorer validates cfg and normalizes its weights.
func NewScorer(cfg Config) (*Scorer, error) {
	w := cfg.Weights
	if w.Amount < 0 || w.Date < 0 || w.Counterparty < 0 {
		return nil, errors.New("NewScorer: weights must not be negative")
	}
	sum := w.Amount + w.Date + w.Counterparty
	if sum == 0 {
		return nil, errors.New("NewScorer: weights must not all be zero")
	}
	if cfg.AmountTolerance <= 0 {
		return nil, errors.New("NewScorer: amount tolerance must be positive")
	}
	if cfg.DateWindowDays <= 0 {
		return nil, errors.New("NewScorer: date window must be positive")
	}
	return &Scorer{
		weights:   Weights{Amount: w.Amount / sum, Date: w.Date / sum, Counterparty: w.Counterparty / sum},
		tolerance: decimal.NewFromFloat(cfg.AmountTolerance),
		window:    float64(cfg.DateWindowDays),
	}, nil
}

// ScoreCandidates scores the documents tx can settle, best first. unallocated is
// the part of the transaction not yet allocated; documents of the wrong
// direction or currency, and fully paid ones, are left out.
func (s *Scorer) ScoreCandidates(tx domain.BankTransaction, unallocated decimal.Decimal, docs []*domain.FinancialDocument) []Candidate {
	if !unallocated.IsPositive() {
		return nil
	}
	direction := tx.MatchingDirection()

	var result []Candidate
	for _, doc := range docs {
		if doc.Direction != direction || !doc.OpenAmount.IsPositive() ||
			!strings.EqualFold(doc.Currency, tx.Currency) {
			continue
		}
		result = append(result, s.score(tx, unallocated, *doc))
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := a.AmountDiff.Cmp(b.AmountDiff); c != 0 {
			return c < 0
		}
		return a.DocumentID < b.DocumentID
	})
	return result
}

func (s *Scorer) score(tx domain.BankTransaction, amount decimal.Decimal, doc domain.FinancialDocument) Candidate {
	c := Candidate{DocumentID: doc.ID, Document: doc}

	c.AmountDiff = amount.Sub(doc.OpenAmount).Abs()
	c.AmountScore = s.amountScore(c.AmountDiff, doc.OpenAmount)

	c.DaysApart = daysApart(tx.Date, doc)
	c.DateScore = math.Max(0, 1-float64(c.DaysApart)/s.window)

	name := tx.Counterparty
	if strings.TrimSpace(name) == "" {
		name = tx.Label
	}
	c.CounterpartyScore = Similarity(name, doc.Counterparty)

	total := s.weights.Amount*c.AmountScore + s.weights.Date*c.DateScore + s.weights.Counterparty*c.CounterpartyScore
	c.Score = round(total)
	return c
}

func (s *Scorer) amountScore(diff, open decimal.Decimal) float64 {
	if diff.IsZero() {
		return 1
	}
	limit := open.Mul(s.tolerance)
	if !limit.IsPositive() {
		return 0
	}
	return math.Max(0, 1-diff.Div(limit).InexactFloat64())
}

// daysApart measures from the document's reference date: the due date when
// known, the issue date otherwise.
func daysApart(booked time.Time, doc domain.FinancialDocument) int {
	return dayDistance(booked, doc.ReferenceDate())
}

func dayDistance(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

// minContainedRunes is the shortest name that may match by containment. Shorter
// ones ("SA", "EU") appear in too many unrelated names.
const minContainedRunes = 4

// Similarity compares two counterparty names in [0, 1] after normalization.
// A name found as whole words inside the other counts as identical when it has
// at least minContainedRunes runes; everything else is scored by edit distance.
func Similarity(a, b string) float64 {
	a, b = rules.Normalize(a), rules.Normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)

	short, long := a, b
	if len(ra) > len(rb) {
		short, long = b, a
	}
	if min(len(ra), len(rb)) >= minContainedRunes && strings.Contains(" "+long+" ", " "+short+" ") {
		return 1
	}

	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	longest := max(len(ra), len(rb))
	return math.Max(0, 1-float64(distance)/float64(longest))
}

func round(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
