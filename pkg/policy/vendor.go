package policy

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeVendor reduces a vendor identifier to canonical domain form:
// lowercase, IDNA (punycode) ASCII, scheme/path/port stripped, leading
// "www." removed. Matching is ALWAYS exact on this form; substring
// containment is forbidden, so "aws-evil.com" never matches "aws".
func NormalizeVendor(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")

	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		// Not a resolvable domain label; fall back to the trimmed form so
		// plain vendor names ("acme corp") still match exactly.
		return s
	}
	return ascii
}

// vendorSet holds pre-normalized vendor domains for exact membership tests.
type vendorSet map[string]struct{}

func newVendorSet(vendors []string) vendorSet {
	set := make(vendorSet, len(vendors))
	for _, v := range vendors {
		if n := NormalizeVendor(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s vendorSet) contains(normalized string) bool {
	_, ok := s[normalized]
	return ok
}
