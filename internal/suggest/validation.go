package suggest

import (
	"fmt"
	"strings"
)

// CategoryValidator checks drafted categories against the known ones.
type CategoryValidator struct {
	categories map[string]string // normalized -> canonical spelling
}

// NewCategoryValidator creates a validator. With no categories every non-empty
// category is accepted.
func NewCategoryValidator(categories []string) *CategoryValidator {
	v := &CategoryValidator{categories: make(map[string]string)}
	for _, c := range categories {
		if n := normalizeCategory(c); n != "" {
			v.categories[n] = strings.TrimSpace(c)
		}
	}
	return v
}

// ValidateCategory returns nil if category is valid.
func (v *CategoryValidator) ValidateCategory(category string) error {
	norm := normalizeCategory(category)
	if norm == "" {
		return fmt.Errorf("empty category")
	}
	if len(v.categories) == 0 {
		return nil
	}
	if _, ok := v.categories[norm]; !ok {
		return fmt.Errorf("invalid category: %q (normalized: %q)", category, norm)
	}
	return nil
}

// Canonical returns the known spelling of category, or category trimmed.
func (v *CategoryValidator) Canonical(category string) string {
	if c, ok := v.categories[normalizeCategory(category)]; ok {
		return c
	}
	return strings.TrimSpace(category)
}

// normalizeCategory converts to uppercase and trims whitespace for
// case-insensitive comparison.
func normalizeCategory(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
