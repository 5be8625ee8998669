// Package utils provides the pattern matching used by the cache's
// key-based invalidation. The event bus matches its own "*"/"prefix:*"
// subscription patterns and does not use this package.
//
// Design Notes:
//   - Prefix matching is the fast path (O(1) per key check).
//   - Regex patterns are compiled once and cached in sync.Map.
//   - Thread-safe via sync.Map for the regex cache.
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache caches compiled regular expressions to avoid recompilation.
var regexCache sync.Map

// MatchPattern checks if a key matches the given pattern.
//
// Pattern syntax:
//   - Exact: "user:123" matches only "user:123"
//   - Prefix: "users:*" matches any key starting with "users:"
//   - Wildcard: "*" matches everything
//   - Regex: complex patterns fall back to a cached regex
func MatchPattern(pattern, key string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	if pattern == key {
		return true, nil
	}

	if pattern == "*" {
		return true, nil
	}

	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(key, prefix), nil
	}

	regexPattern := pattern
	if strings.ContainsAny(pattern, "*?") {
		regexPattern = globToRegex(pattern)
	}

	cached, ok := regexCache.Load(regexPattern)
	var re *regexp.Regexp
	if ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		re, err = regexp.Compile("^" + regexPattern + "$")
		if err != nil {
			return false, fmt.Errorf("invalid pattern regex: %w", err)
		}
		regexCache.Store(regexPattern, re)
	}

	return re.MatchString(key), nil
}

// FilterKeys returns all keys matching the given pattern.
func FilterKeys(pattern string, keys []string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	if pattern == "*" {
		result := make([]string, len(keys))
		copy(result, keys)
		return result, nil
	}

	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		prefix := pattern[:len(pattern)-1]
		result := make([]string, 0, len(keys)/10+1)
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				result = append(result, key)
			}
		}
		return result, nil
	}

	result := make([]string, 0, len(keys)/10+1)
	for _, key := range keys {
		match, err := MatchPattern(pattern, key)
		if err != nil {
			return nil, err
		}
		if match {
			result = append(result, key)
		}
	}
	return result, nil
}

// globToRegex converts a simple glob pattern ("*" any chars, "?" one
// char) into a regex fragment, escaping everything else.
func globToRegex(pattern string) string {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			result.WriteString(".*")
		case '?':
			result.WriteString(".")
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			result.WriteByte('\\')
			result.WriteByte(ch)
		default:
			result.WriteByte(ch)
		}
	}

	return result.String()
}

// ClearRegexCache clears the compiled regex cache. Useful for tests.
func ClearRegexCache() {
	regexCache.Range(func(key, _ any) bool {
		regexCache.Delete(key)
		return true
	})
}
