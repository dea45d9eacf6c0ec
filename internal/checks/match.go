package checks

import (
	"path"
	"strings"
)

// MatchPath matches a slash-separated glob against a path. A "**" segment
// crosses directory boundaries; other segments use path.Match rules.
func MatchPath(pattern, p string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path.Clean(p), "/"))
}

func matchSegments(pattern, parts []string) bool {
	if len(pattern) == 0 {
		return len(parts) == 0
	}
	if pattern[0] == "**" {
		// ** matches zero or more leading segments
		for i := 0; i <= len(parts); i++ {
			if matchSegments(pattern[1:], parts[i:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], parts[1:])
}

// MatchAny reports whether any path matches any pattern.
func MatchAny(patterns, paths []string) (string, bool) {
	for _, pattern := range patterns {
		for _, p := range paths {
			if MatchPath(pattern, p) {
				return p, true
			}
		}
	}
	return "", false
}
