package core

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldKey normalizes a field name or value for case-insensitive comparison.
// It applies NFC composition and Unicode case folding, so "Датум" and
// "датум" produce the same key.
func FoldKey(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	// Casers are stateful and must not be shared between goroutines.
	return cases.Fold().String(s)
}

// EqualFold reports whether a and b are equal under FoldKey.
func EqualFold(a, b string) bool {
	return FoldKey(a) == FoldKey(b)
}

// ContainsFold reports whether substr is within s, case-insensitively.
func ContainsFold(s, substr string) bool {
	return strings.Contains(FoldKey(s), FoldKey(substr))
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// firstNonEmpty returns the first argument that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
