// Package rules assigns categories to bank transactions from operator-defined
// matching rules.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
)

// Match is the outcome of a rule hit.
type Match struct {
	RuleID         string
	Category       string
	OrganisationID string
}

// SkippedRule is a rule left out of an engine because it could not be compiled.
type SkippedRule struct {
	RuleID string
	Reason string
}

type matcher func(normalized string) bool

type compiledRule struct {
	rule     domain.MatchingRule
	matchers []matcher
}

// Engine evaluates active rules in (Priority, ID) order. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	rules   []compiledRule
	skipped []SkippedRule
}

// NewEngine compiles the active rules. A malformed rule is skipped with a warning
// and does not prevent the others from being used.
func NewEngine(ctx context.Context, rules []domain.MatchingRule) *Engine {
	log := logger.FromContext(ctx)

	sorted := make([]domain.MatchingRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	e := &Engine{}
	for _, r := range sorted {
		c, err := compile(r)
		if err != nil {
			log.Warn().
				Err(err).
				Str("rule_id", r.ID).
				Str("pattern", r.Pattern).
				Msg("Skipping malformed matching rule")
			e.skipped = append(e.skipped, SkippedRule{RuleID: r.ID, Reason: err.Error()})
			continue
		}
		e.rules = append(e.rules, c)
	}
	return e
}

// Skipped lists the rules that failed to compile.
func (e *Engine) Skipped() []SkippedRule {
	return append([]SkippedRule(nil), e.skipped...)
}

// Len is the number of usable rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Classify returns the first rule matching the transaction label.
func (e *Engine) Classify(tx domain.BankTransaction) (Match, bool) {
	label := Normalize(tx.Label)
	if label == "" {
		return Match{}, false
	}
	for _, c := range e.rules {
		if c.matches(label) {
			return Match{RuleID: c.rule.ID, Category: c.rule.Category, OrganisationID: c.rule.OrganisationID}, true
		}
	}
	return Match{}, false
}

func (c compiledRule) matches(normalized string) bool {
	for _, m := range c.matchers {
		if m(normalized) {
			return true
		}
	}
	return false
}

var errEmptyPattern = errors.New("empty pattern")

// Validate reports why r could not be used by an engine, or nil.
func Validate(r domain.MatchingRule) error {
	_, err := compile(r)
	return err
}

// compile builds one matcher per pattern of r. The rule is rejected as a whole
// when any pattern is malformed.
func compile(r domain.MatchingRule) (compiledRule, error) {
	if strings.TrimSpace(r.Category) == "" {
		return compiledRule{}, errors.New("rule has no category")
	}

	patterns := append([]string{r.Pattern}, r.AltPatterns...)
	c := compiledRule{rule: r}
	for _, p := range patterns {
		m, err := compilePattern(r.MatchType, p)
		if err != nil {
			return compiledRule{}, fmt.Errorf("pattern %q: %w", p, err)
		}
		c.matchers = append(c.matchers, m)
	}
	return c, nil
}

func compilePattern(matchType domain.MatchType, pattern string) (matcher, error) {
	switch matchType {
	case domain.MatchRegex:
		if strings.TrimSpace(pattern) == "" {
			return nil, errEmptyPattern
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}

	p := Normalize(pattern)
	if p == "" {
		return nil, errEmptyPattern
	}

	switch matchType {
	case domain.MatchGlob, "":
		if strings.Trim(p, "*? ") == "" {
			return nil, errors.New("glob matches every label")
		}
		re, err := regexp.Compile(globToRegexp(p))
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	case domain.MatchContains:
		return func(label string) bool { return strings.Contains(label, p) }, nil
	case domain.MatchExact:
		return func(label string) bool { return label == p }, nil
	}
	return nil, fmt.Errorf("unknown match type %q", matchType)
}

// globToRegexp anchors a glob where '*' is any run of characters and '?' one.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
