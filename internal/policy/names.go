package policy

import (
	"strings"

	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// NormalizeName returns the case-folded form used to compare capability,
// application and process names.
func NormalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return folder.String(trimmed)
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if key := NormalizeName(n); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}
