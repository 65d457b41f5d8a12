package reconciler

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeName case-folds and collapses whitespace for organization name
// matching (spec.md §4.E step 1: "exact normalized name").
func normalizeName(name string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(name), " "))
}

// normalizedPhoneDigits strips everything but digits, the semantic key the
// merge policy's phone set-union uses (spec.md §4.E).
func normalizedPhoneDigits(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// addressKey is the case-insensitive (address_1,city,state,postal_code)
// semantic key the merge policy's address set-union uses.
func addressKey(address1, city, state, postal string) string {
	return strings.ToLower(strings.Join([]string{address1, city, state, postal}, "|"))
}
