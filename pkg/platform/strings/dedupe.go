// Package strings holds small string-list helpers used by config parsing.
package strings

import (
	"strings"
)

// SplitList splits a comma-separated value, trims each item and drops empty
// items and repeats. Order is preserved. An empty input yields nil.
//
//	SplitList(" a, b ,a,,") // []string{"a", "b"}
func SplitList(raw string) []string {
	return dedupe(raw, strings.TrimSpace)
}

// SplitListFold is SplitList for values that compare case-insensitively,
// such as origins and hostnames. Items are lowercased.
func SplitListFold(raw string) []string {
	return dedupe(raw, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

func dedupe(raw string, normalize func(string) string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := normalize(p)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
