package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// RouteMatcher classifies request paths against a fixed pattern list.
// Plain patterns match exactly; patterns containing '*' match any
// sequence of non-separator characters at that position.
type RouteMatcher struct {
	exact    map[string]struct{}
	wildcard []*regexp.Regexp
}

// NewRouteMatcher compiles the pattern list. A nil matcher matches nothing,
// so callers can hold one unconditionally.
func NewRouteMatcher(patterns []string) (*RouteMatcher, error) {
	m := &RouteMatcher{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "*") {
			m.exact[p] = struct{}{}
			continue
		}
		re, err := compileWildcard(p)
		if err != nil {
			return nil, fmt.Errorf("auth: route pattern %q: %w", p, err)
		}
		m.wildcard = append(m.wildcard, re)
	}
	return m, nil
}

// Matches reports whether the path matches any configured pattern.
func (m *RouteMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[path]; ok {
		return true
	}
	for _, re := range m.wildcard {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, "[^/]*") + "$")
}
