package config

import "strings"

// NormalizeSensitivePaths trims and deduplicates entries while preserving
// order. Paths are matched exactly, so "/admin" and "/admin/" stay distinct.
func NormalizeSensitivePaths(entries []string) []string {
	if len(entries) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, raw := range entries {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// SensitivePathSet builds a lookup set from the configured paths.
func SensitivePathSet(entries []string) map[string]struct{} {
	normalized := NormalizeSensitivePaths(entries)
	set := make(map[string]struct{}, len(normalized))
	for _, path := range normalized {
		set[path] = struct{}{}
	}
	return set
}
