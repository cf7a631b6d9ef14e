// Package glob implements the wildcard matching used by policy conditions.
//
// Patterns support two metacharacters: '*' matches any run of characters
// (including none) and '?' matches exactly one character. Everything else is
// literal. Policies match agent and recipient identifiers with these
// patterns, so the matcher must never fail: a pattern that cannot be
// compiled degrades to literal equality instead of returning an error.
package glob

import (
	"regexp"
	"strings"
	"sync"
)

var (
	mu    sync.RWMutex
	cache = make(map[string]*regexp.Regexp)
)

// Match reports whether s matches pattern.
func Match(s, pattern string) bool {
	// Fast paths cover the two overwhelmingly common cases.
	if pattern == "*" {
		return true
	}
	if pattern == s {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return false
	}

	re := compiled(pattern)
	if re == nil {
		// Malformed pattern: fall back to literal comparison, which the
		// equality fast path above already answered false.
		return false
	}
	return re.MatchString(s)
}

// MatchAny reports whether s matches at least one of the patterns.
func MatchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if Match(s, p) {
			return true
		}
	}
	return false
}

func compiled(pattern string) *regexp.Regexp {
	mu.RLock()
	re, ok := cache[pattern]
	mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile(translate(pattern))
	if err != nil {
		re = nil
	}

	mu.Lock()
	cache[pattern] = re
	mu.Unlock()
	return re
}

// translate rewrites a glob pattern into an anchored regular expression.
// All regex metacharacters in the pattern are escaped before '*' and '?'
// are substituted, so only the two glob operators carry meaning.
func translate(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
