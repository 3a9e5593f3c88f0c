package models

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeName turns a client supplied build or job identifier into a name that
// is safe as a single path segment: accents are folded to ASCII, separators
// become underscores and anything outside [A-Za-z0-9_.-] is dropped. Leading
// and trailing dots and underscores are trimmed. An empty result means the
// identifier is unusable.
func SanitizeName(s string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))),
		s,
	)
	if err != nil {
		return ""
	}
	folded = strings.NewReplacer("/", " ", "\\", " ").Replace(folded)
	folded = strings.Join(strings.Fields(folded), "_")
	folded = unsafeNameChars.ReplaceAllString(folded, "")
	return strings.Trim(folded, "._")
}
