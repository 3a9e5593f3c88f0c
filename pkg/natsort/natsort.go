// Package natsort orders names that embed numbers by the value of those numbers,
// so "job-2" sorts before "job-10" and "build-9" before "build-10".
package natsort

import (
	"sort"
	"strings"
)

// Token is one run of a sort key: either all decimal digits or no digits at all.
type Token struct {
	Text    string
	Numeric bool
}

// Key splits s into alternating text and digit runs. The key always starts with a
// text token (possibly empty), so two keys line up kind-for-kind at every position.
func Key(s string) []Token {
	key := make([]Token, 0, 4)
	start := 0
	numeric := false
	for i := 0; i < len(s); i++ {
		d := isDigit(s[i])
		if d == numeric {
			continue
		}
		key = append(key, Token{Text: s[start:i], Numeric: numeric})
		start = i
		numeric = d
	}
	return append(key, Token{Text: s[start:], Numeric: numeric})
}

// CompareKeys compares two keys token by token. A key that is a prefix of the
// other sorts first.
func CompareKeys(a, b []Token) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		var c int
		if a[i].Numeric && b[i].Numeric {
			c = compareDigits(a[i].Text, b[i].Text)
		} else {
			c = strings.Compare(a[i].Text, b[i].Text)
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Compare returns -1, 0 or 1 ordering a and b naturally. Names whose keys are
// equal but whose spelling differs ("a01", "a1") fall back to byte order, so
// Compare(a, b) == 0 only when a == b.
func Compare(a, b string) int {
	if c := CompareKeys(Key(a), Key(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// Less reports whether a sorts before b.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Strings sorts ss in ascending natural order.
func Strings(ss []string) {
	sort.SliceStable(ss, func(i, j int) bool { return Less(ss[i], ss[j]) })
}

// StringsDesc sorts ss in descending natural order.
func StringsDesc(ss []string) {
	sort.SliceStable(ss, func(i, j int) bool { return Less(ss[j], ss[i]) })
}

// compareDigits compares two digit runs by integer value without converting
// them, so runs of any length are handled.
func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
