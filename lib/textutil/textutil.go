package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a rendered label and strips all whitespace,
// so "Amount  Due" and "amountdue" compare equal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return whitespaceRegex.ReplaceAllString(name, "")
}

// MatchName reports whether a rendered label contains any of the
// matcher phrases. matchers must already be in normalized form.
func MatchName(name string, matchers []string) bool {
	name = NormalizeName(name)
	for _, m := range matchers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}
