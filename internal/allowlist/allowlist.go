// Package allowlist implements the hostname allow-list consulted after SNI
// extraction. An empty rule set allows everything.
package allowlist

import "strings"

// List is a set of glob-style hostname patterns. The zero value allows
// every hostname (empty rule set == allow-all, per spec §6).
type List struct {
	patterns []string
}

// New builds a List from the given patterns, loaded from config.
func New(patterns []string) *List {
	return &List{patterns: patterns}
}

// IsAllowed reports whether hostname matches at least one pattern. Patterns
// support multi-asterisk globbing: '*' matches any run of characters
// (including none); the pattern is split on '*' and each literal piece must
// appear in order, a trailing '*' permits any remainder, and otherwise the
// final piece must end exactly at the end of the hostname.
func (l *List) IsAllowed(hostname string) bool {
	if l == nil || len(l.patterns) == 0 {
		return true
	}
	for _, p := range l.patterns {
		if matchPattern(hostname, p) {
			return true
		}
	}
	return false
}

func matchPattern(hostname, pattern string) bool {
	if pattern == "*" {
		return hostname != ""
	}

	pieces := strings.Split(pattern, "*")
	trailingWildcard := strings.HasSuffix(pattern, "*")

	pos := 0
	for i, piece := range pieces {
		if piece == "" {
			continue
		}
		// Without a trailing '*', the final piece must sit at the very end of
		// the hostname, so it is matched there rather than at its first
		// occurrence.
		if i == len(pieces)-1 && !trailingWildcard {
			start := len(hostname) - len(piece)
			if start < pos || hostname[start:] != piece {
				return false
			}
			// A single piece means the pattern has no '*' at all.
			return i != 0 || start == 0
		}
		idx := strings.Index(hostname[pos:], piece)
		if idx < 0 {
			return false
		}
		// The first literal piece must be anchored to the start unless the
		// pattern began with '*'.
		if i == 0 && !strings.HasPrefix(pattern, "*") && idx != 0 {
			return false
		}
		pos += idx + len(piece)
	}

	if trailingWildcard {
		return true
	}
	return pos == len(hostname)
}
