package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/bank-reconciler/internal/domain"
)

const ruleSelect = `
	SELECT rule_id, pattern, alt_patterns, match_type, category, organisation_id, priority, active, created_ts
	FROM %s`

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context) ([]domain.MatchingRule, error) {
	rows, err := read[RuleRow](ctx, s.client,
		fmt.Sprintf(ruleSelect+` ORDER BY priority, rule_id`, s.table(rulesTable)), nil)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	rules := make([]domain.MatchingRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toDomain())
	}
	return rules, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, id string) (*domain.MatchingRule, error) {
	rows, err := read[RuleRow](ctx, s.client,
		fmt.Sprintf(ruleSelect+` WHERE rule_id = @rule_id`, s.table(rulesTable)),
		[]bigquery.QueryParameter{{Name: "rule_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("GetRule %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("GetRule %s: %w", id, domain.ErrNotFound)
	}
	rule := rows[0].toDomain()
	return &rule, nil
}

// SaveRule implements store.RuleStore.
func (s *Store) SaveRule(ctx context.Context, rule domain.MatchingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("SaveRule: rule ID is required")
	}
	alt := rule.AltPatterns
	if alt == nil {
		alt = []string{}
	}

	_, err := s.exec(ctx, fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @rule_id AS rule_id) S
		ON T.rule_id = S.rule_id
		WHEN MATCHED THEN
		  UPDATE SET pattern = @pattern, alt_patterns = @alt_patterns, match_type = @match_type,
		             category = @category, organisation_id = @organisation_id, priority = @priority,
		             active = @active
		WHEN NOT MATCHED THEN
		  INSERT (rule_id, pattern, alt_patterns, match_type, category, organisation_id, priority, active, created_ts)
		  VALUES (@rule_id, @pattern, @alt_patterns, @match_type, @category, @organisation_id, @priority,
		          @active, @created_ts)
	`, s.table(rulesTable)), []bigquery.QueryParameter{
		{Name: "rule_id", Value: rule.ID},
		{Name: "pattern", Value: rule.Pattern},
		{Name: "alt_patterns", Value: alt},
		{Name: "match_type", Value: string(rule.MatchType)},
		{Name: "category", Value: rule.Category},
		{Name: "organisation_id", Value: nullString(rule.OrganisationID)},
		{Name: "priority", Value: rule.Priority},
		{Name: "active", Value: rule.Active},
		{Name: "created_ts", Value: rule.CreatedAt.UTC()},
	})
	if err != nil {
		return fmt.Errorf("SaveRule %s: %w", rule.ID, err)
	}
	return nil
}
