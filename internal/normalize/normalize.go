// Package normalize produces the deterministic matching keys used to compare
// scraped names against the canonical catalog.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mfenderov/gigsync/pkg/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var leadingArticles = []string{"the ", "a ", "an "}

// sortNameForm matches "Beatles, The" style sort names.
var sortNameForm = regexp.MustCompile(`(?i)^(.+?),\s*(the|a|an)$`)

// Text case-folds s, strips diacritics, replaces everything outside letters
// and digits with spaces, and collapses runs of whitespace.
func Text(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Name returns the matching key for an artist or venue name: Text with a
// leading article removed and all whitespace stripped. Name is idempotent.
func Name(s string) string {
	s = strings.TrimSpace(s)
	if m := sortNameForm.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	key := Text(s)
	for _, article := range leadingArticles {
		if rest, ok := strings.CutPrefix(key, article); ok && rest != "" {
			key = rest
			break
		}
	}
	return strings.ReplaceAll(key, " ", "")
}

// Country upper-cases a country code or name for comparison.
func Country(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Date parses a provider date string into a plain calendar date.
func Date(s string) (models.Date, bool) {
	return models.ParseDate(s)
}
