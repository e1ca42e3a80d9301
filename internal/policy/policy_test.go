package policy

import "testing"

func TestNewRejectsInvalidPattern(t *testing.T) {
	if _, err := New([]string{"valid", "[unclosed"}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestEmptyTableAllowsEverything(t *testing.T) {
	for _, patterns := range [][]string{nil, {}, {"", "   "}} {
		g, err := New(patterns)
		if err != nil {
			t.Fatalf("New(%v): %v", patterns, err)
		}
		if g.Len() != 0 {
			t.Fatalf("New(%v) kept %d patterns", patterns, g.Len())
		}
		if !g.Allow("anything at all") {
			t.Fatalf("New(%v) blocked text", patterns)
		}
	}
}

func TestBlockedReportsFirstMatch(t *testing.T) {
	g, err := New([]string{`(?i)\bspam\b`, `https?://tracker\.`})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		text    string
		pattern string
		blocked bool
	}{
		{text: "totally fine message", blocked: false},
		{text: "buy SPAM now", pattern: `(?i)\bspam\b`, blocked: true},
		{text: "see http://tracker.example.com", pattern: `https?://tracker\.`, blocked: true},
		{text: "spammer", blocked: false}, // word boundary holds
	}

	for _, tc := range cases {
		pattern, blocked := g.Blocked(tc.text)
		if blocked != tc.blocked {
			t.Fatalf("Blocked(%q) = %v, want %v", tc.text, blocked, tc.blocked)
		}
		if blocked && pattern != tc.pattern {
			t.Fatalf("Blocked(%q) matched %q, want %q", tc.text, pattern, tc.pattern)
		}
		if g.Allow(tc.text) == tc.blocked {
			t.Fatalf("Allow(%q) disagrees with Blocked", tc.text)
		}
	}
}
