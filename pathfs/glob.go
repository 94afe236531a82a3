package pathfs

import "strings"

// DoublestarMatch reports whether path matches pattern using doublestar
// glob semantics: "**" matches zero or more path segments, "*" matches
// within a single segment, "?" matches exactly one character within a
// segment. Both pattern and path are expected to be "/"-separated.
//
// No third-party glob library appears anywhere in the retrieved example
// corpus, so this is a direct segment-recursive matcher rather than a
// dependency; see DESIGN.md.
func DoublestarMatch(pattern, path string) bool {
	patSegs := splitSegments(pattern)
	pathSegs := splitSegments(path)
	return matchSegments(patSegs, pathSegs)
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}

	if pat[0] == "**" {
		// "**" matches zero or more segments: try consuming 0, 1, 2, ... of path.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pat[1:], path[i:]) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 {
		return false
	}

	if !matchSegment(pat[0], path[0]) {
		return false
	}
	return matchSegments(pat[1:], path[1:])
}

// matchSegment matches a single path segment against a single pattern
// segment containing "*" (any run within the segment) and "?" (one char).
func matchSegment(pat, seg string) bool {
	return matchSegmentRunes([]rune(pat), []rune(seg))
}

func matchSegmentRunes(pat, seg []rune) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	switch pat[0] {
	case '*':
		for i := 0; i <= len(seg); i++ {
			if matchSegmentRunes(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(seg) == 0 {
			return false
		}
		return matchSegmentRunes(pat[1:], seg[1:])
	default:
		if len(seg) == 0 || pat[0] != seg[0] {
			return false
		}
		return matchSegmentRunes(pat[1:], seg[1:])
	}
}
