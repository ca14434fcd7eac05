// Package suggest drafts matching rules for labels no rule covers yet. Drafts
// are inactive; an operator reviews them before saving.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/google/uuid"
)

// DraftPriority is given to every drafted rule, after hand-written ones.
const DraftPriority = 1000

type draft struct {
	Pattern   string `json:"pattern"`
	MatchType string `json:"match_type"`
	Category  string `json:"category"`
	Sample    string `json:"sample"`
}

// Suggester asks a model for rule drafts.
type Suggester struct {
	model Model
	now   func() time.Time
}

func NewSuggester(model Model) *Suggester {
	return &Suggester{model: model, now: time.Now}
}

// Suggest returns inactive rule drafts for labels. When categories is not
// empty, drafts outside of it are dropped. Drafts that would not compile,
// duplicate another draft or match none of the labels are dropped as well.
func (s *Suggester) Suggest(ctx context.Context, labels, categories []string) ([]domain.MatchingRule, error) {
	log := logger.FromContext(ctx)
	if len(labels) == 0 {
		return nil, nil
	}

	raw, err := s.model.Generate(ctx, buildPrompt(labels, categories))
	if err != nil {
		return nil, fmt.Errorf("Suggest: %w", err)
	}

	var drafts []draft
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &drafts); err != nil {
		return nil, fmt.Errorf("Suggest: unmarshal JSON: %w\nraw response: %s", err, raw)
	}

	validator := NewCategoryValidator(categories)
	seen := make(map[string]bool)
	now := s.now().UTC()

	var result []domain.MatchingRule
	for i, d := range drafts {
		rule := domain.MatchingRule{
			ID:        "draft-" + uuid.NewString(),
			Pattern:   strings.TrimSpace(d.Pattern),
			MatchType: domain.MatchType(strings.ToLower(strings.TrimSpace(d.MatchType))),
			Category:  validator.Canonical(d.Category),
			Priority:  DraftPriority,
			Active:    false,
			CreatedAt: now,
		}
		if rule.MatchType == "" {
			rule.MatchType = domain.MatchGlob
		}

		reason := s.reject(ctx, rule, labels, validator, seen)
		if reason != "" {
			log.Warn().
				Int("index", i).
				Str("pattern", d.Pattern).
				Str("category", d.Category).
				Str("reason", reason).
				Msg("Dropping rule draft")
			continue
		}
		seen[string(rule.MatchType)+"\x00"+rules.Normalize(rule.Pattern)] = true
		result = append(result, rule)
	}

	log.Info().
		Int("labels", len(labels)).
		Int("drafts", len(drafts)).
		Int("kept", len(result)).
		Msg("Rule suggestions ready")
	return result, nil
}

func (s *Suggester) reject(ctx context.Context, rule domain.MatchingRule, labels []string, v *CategoryValidator, seen map[string]bool) string {
	if rule.MatchType == domain.MatchRegex {
		return "regex drafts are not accepted"
	}
	if err := v.ValidateCategory(rule.Category); err != nil {
		return err.Error()
	}
	if err := rules.Validate(rule); err != nil {
		return err.Error()
	}
	if seen[string(rule.MatchType)+"\x00"+rules.Normalize(rule.Pattern)] {
		return "duplicate pattern"
	}

	active := rule
	active.Active = true
	engine := rules.NewEngine(ctx, []domain.MatchingRule{active})
	for _, l := range labels {
		if _, ok := engine.Classify(domain.BankTransaction{Label: l}); ok {
			return ""
		}
	}
	return "matches none of the labels"
}

// Labels returns the distinct labels of txs, most frequent first, at most limit
// of them (all when limit is not positive). Labels equal after normalization
// count as one.
func Labels(txs []*domain.BankTransaction, limit int) []string {
	type entry struct {
		label string
		count int
	}
	byKey := make(map[string]*entry)
	var order []*entry
	for _, tx := range txs {
		key := rules.Normalize(tx.Label)
		if key == "" {
			continue
		}
		e, ok := byKey[key]
		if !ok {
			e = &entry{label: strings.TrimSpace(tx.Label)}
			byKey[key] = e
			order = append(order, e)
		}
		e.count++
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].count > order[j].count })
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	labels := make([]string, 0, len(order))
	for _, e := range order {
		labels = append(labels, e.label)
	}
	return labels
}

// Categories lists the distinct categories used by rules, sorted.
func Categories(rs []domain.MatchingRule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs {
		c := strings.TrimSpace(r.Category)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
