package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds a bank label into the form rules are matched against: lower
// case, no diacritics, single spaces, trimmed. "  Américo  SAS " becomes
// "americo sas".
func Normalize(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
