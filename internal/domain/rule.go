package domain

import "time"

// MatchType selects how a rule pattern is compared with a normalized label.
type MatchType string

const (
	// MatchGlob treats '*' as "any run of characters", e.g. RENT*.
	MatchGlob     MatchType = "glob"
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
)

// DefaultRulePriority is applied to rules created without an explicit priority.
const DefaultRulePriority = 100

// MatchingRule assigns a category (and optionally an organisation) to transactions
// whose label matches Pattern or one of AltPatterns.
type MatchingRule struct {
	ID             string
	Pattern        string
	AltPatterns    []string
	MatchType      MatchType
	Category       string
	OrganisationID string
	Priority       int
	Active         bool
	CreatedAt      time.Time
}

// Less orders rules by priority, then by id.
func (r MatchingRule) Less(other MatchingRule) bool {
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	return r.ID < other.ID
}
