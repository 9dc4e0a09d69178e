// Package pattern implements wildcard word matching for wordd queries.
//
// Patterns are plain strings where '?' matches exactly one character and '*'
// matches any run of characters (including none). Every other character,
// punctuation included, is a literal. Matching is case-sensitive and operates
// on runes so multi-byte words behave the same as ASCII ones.
package pattern

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Mode selects how a pattern is anchored against a word.
type Mode string

const (
	// ModeExact requires the pattern to cover the whole word.
	ModeExact Mode = "exact"
	// ModePartial requires the pattern to match some contiguous substring.
	ModePartial Mode = "partial"
)

// ParseMode normalizes a user-supplied mode string.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeExact):
		return ModeExact, true
	case string(ModePartial):
		return ModePartial, true
	}
	return "", false
}

// Limits bounds pattern complexity before any matching work happens.
type Limits struct {
	// MaxLength caps the pattern length in bytes.
	MaxLength int
	// MaxQuestions caps the number of '?' wildcards.
	MaxQuestions int
	// MaxStars caps the number of '*' wildcards.
	MaxStars int
}

// Halved returns limits reduced for operation under memory pressure. Length
// is left alone; only the wildcard budgets shrink.
func (l Limits) Halved() Limits {
	return Limits{
		MaxLength:    l.MaxLength,
		MaxQuestions: max(1, l.MaxQuestions/2),
		MaxStars:     max(1, l.MaxStars/2),
	}
}

// Validate rejects patterns that are empty, too long, or too wildcard-heavy.
// The returned error text is stable; it is sent verbatim on the wire as the
// BAD-REQUEST reason.
func Validate(p string, l Limits) error {
	if p == "" {
		return fmt.Errorf("empty pattern")
	}
	if l.MaxLength > 0 && len(p) > l.MaxLength {
		return fmt.Errorf("pattern too long")
	}
	if q := strings.Count(p, "?"); l.MaxQuestions > 0 && q > l.MaxQuestions {
		return fmt.Errorf("pattern too complex: too many '?' wildcards (> %d)", l.MaxQuestions)
	}
	if s := strings.Count(p, "*"); l.MaxStars > 0 && s > l.MaxStars {
		return fmt.Errorf("pattern too complex: too many '*' wildcards (> %d)", l.MaxStars)
	}
	return nil
}

// Matcher is a compiled pattern bound to a mode. Compiling is cheap; the
// value is immutable and safe for concurrent use.
type Matcher struct {
	pattern  string
	anchored string
	mode     Mode
	minRunes int
	literals []string
}

// Compile prepares a matcher. Partial mode is expressed by wrapping the
// pattern in '*' so both modes share one anchored match routine.
func Compile(p string, mode Mode) Matcher {
	anchored := p
	if mode == ModePartial {
		anchored = "*" + p + "*"
	}
	return Matcher{
		pattern:  p,
		anchored: anchored,
		mode:     mode,
		minRunes: minMatchRunes(p),
		literals: literalSegments(p),
	}
}

// Pattern returns the original pattern text.
func (m Matcher) Pattern() string { return m.pattern }

// Mode returns the compiled mode.
func (m Matcher) Mode() Mode { return m.mode }

// MinRunes returns the minimum word length (in runes) any match requires.
func (m Matcher) MinRunes() int { return m.minRunes }

// Literals returns the literal (wildcard-free) segments of the pattern, used
// by corpus prefilters to rule out impossible patterns cheaply.
func (m Matcher) Literals() []string { return m.literals }

// Match reports whether word satisfies the pattern under the compiled mode.
func (m Matcher) Match(word string) bool {
	return matchAnchored(word, m.anchored)
}

// Match is a convenience for one-off checks.
func Match(word, p string, mode Mode) bool {
	return Compile(p, mode).Match(word)
}

// minMatchRunes counts the pattern runes that must consume a word rune, which
// is everything except '*'.
func minMatchRunes(p string) int {
	n := 0
	for _, r := range p {
		if r != '*' {
			n++
		}
	}
	return n
}

// literalSegments splits the pattern on wildcards and keeps the plain runs.
func literalSegments(p string) []string {
	var segs []string
	start := -1
	for i, r := range p {
		if r == '?' || r == '*' {
			if start >= 0 {
				segs = append(segs, p[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		segs = append(segs, p[start:])
	}
	return segs
}

// matchAnchored runs the classic two-pointer wildcard match with '*'
// backtracking. Both wildcards are single-byte, so only word positions need
// rune-aware stepping.
func matchAnchored(w, p string) bool {
	var wi, pi int
	star, wStar := -1, -1
	for wi < len(w) {
		if pi < len(p) {
			if p[pi] == '*' {
				star = pi
				wStar = wi
				pi++
				continue
			}
			pr, psz := utf8.DecodeRuneInString(p[pi:])
			wr, wsz := utf8.DecodeRuneInString(w[wi:])
			if pr == '?' || pr == wr {
				pi += psz
				wi += wsz
				continue
			}
		}
		if star < 0 {
			return false
		}
		pi = star + 1
		_, wsz := utf8.DecodeRuneInString(w[wStar:])
		wStar += wsz
		wi = wStar
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
