// Package policy gates message content against a configured pattern table.
// The gate sits at the collection boundary; the retrieval core never
// consults it.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

type Gate struct {
	patterns []*regexp.Regexp
}

// New compiles the configured block patterns. Blank entries are ignored, so
// an empty or all-blank table builds a gate that allows everything. Case
// sensitivity is up to the pattern; prefix with (?i) to ignore it.
func New(patterns []string) (*Gate, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Gate{patterns: compiled}, nil
}

// Blocked reports the first configured pattern matching text.
func (g *Gate) Blocked(text string) (string, bool) {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

func (g *Gate) Allow(text string) bool {
	_, blocked := g.Blocked(text)
	return !blocked
}

// Len reports how many patterns the gate enforces.
func (g *Gate) Len() int {
	return len(g.patterns)
}
