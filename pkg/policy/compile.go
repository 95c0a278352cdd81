package policy

import (
	"regexp"
	"strings"
	"sync"
)

// matcher wraps a compiled glob pattern (spec §4.4 "Pattern compilation").
type matcher struct {
	pattern string
	re      *regexp.Regexp
}

func (m *matcher) MatchString(s string) bool {
	return m.re.MatchString(s)
}

// globCache caches compiled patterns by their literal text, process-wide,
// since the same glob ("read_*", "/tmp/*") recurs across many servers'
// policies.
var globCache = struct {
	mu sync.Mutex
	m  map[string]*matcher
}{m: make(map[string]*matcher)}

// compileGlob translates a glob to an anchored regex: escape regex
// metacharacters, then `*` -> `.*`, `?` -> `.` (spec §4.4).
func compileGlob(pattern string) (*matcher, error) {
	globCache.mu.Lock()
	if m, ok := globCache.m[pattern]; ok {
		globCache.mu.Unlock()
		return m, nil
	}
	globCache.mu.Unlock()

	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			if strings.ContainsRune(`.+()|[]{}^$\`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('$')

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	m := &matcher{pattern: pattern, re: re}

	globCache.mu.Lock()
	globCache.m[pattern] = m
	globCache.mu.Unlock()
	return m, nil
}

func compileGlobs(patterns []string) ([]*matcher, error) {
	matchers := make([]*matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := compileGlob(p)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}
