// Package limits holds the effective request-complexity limits behind an
// atomic snapshot so sessions read them lock-free while an optional file
// watcher swaps updated values in at runtime.
package limits

import (
	"sync/atomic"
	"time"

	"pkt.systems/wordd/internal/pattern"
)

const (
	// MaxPatternLengthCeiling bounds configured pattern lengths.
	MaxPatternLengthCeiling = 1_000_000
	// MaxWildcardCeiling bounds configured wildcard budgets.
	MaxWildcardCeiling = 1_000_000
	// RequestTimeoutFloor is the minimum accepted request timeout.
	RequestTimeoutFloor = 100 * time.Millisecond
	// RequestTimeoutCeiling is the maximum accepted request timeout.
	RequestTimeoutCeiling = time.Hour
)

// Set is one immutable snapshot of request limits. The YAML tags describe the
// overrides file consumed by the watcher.
type Set struct {
	// MaxPatternLength caps the pattern length in bytes.
	MaxPatternLength int `yaml:"max-pattern-length"`
	// MaxQuestionWildcards caps '?' wildcards per pattern.
	MaxQuestionWildcards int `yaml:"max-question-wildcards"`
	// MaxStarWildcards caps '*' wildcards per pattern.
	MaxStarWildcards int `yaml:"max-star-wildcards"`
	// MaxLineBytes caps the raw request line length.
	MaxLineBytes int `yaml:"max-line-bytes"`
	// RequestTimeout bounds the wait for the next request line.
	RequestTimeout time.Duration `yaml:"request-timeout"`
}

// Clamped returns the set with every field forced into its safe range.
func (s Set) Clamped() Set {
	s.MaxPatternLength = clampInt(s.MaxPatternLength, 1, MaxPatternLengthCeiling)
	s.MaxQuestionWildcards = clampInt(s.MaxQuestionWildcards, 1, MaxWildcardCeiling)
	s.MaxStarWildcards = clampInt(s.MaxStarWildcards, 1, MaxWildcardCeiling)
	s.MaxLineBytes = clampInt(s.MaxLineBytes, 64, MaxPatternLengthCeiling)
	if s.RequestTimeout < RequestTimeoutFloor {
		s.RequestTimeout = RequestTimeoutFloor
	}
	if s.RequestTimeout > RequestTimeoutCeiling {
		s.RequestTimeout = RequestTimeoutCeiling
	}
	return s
}

// mergedOver lays non-zero override fields from o over s.
func (s Set) mergedOver(o Set) Set {
	if o.MaxPatternLength > 0 {
		s.MaxPatternLength = o.MaxPatternLength
	}
	if o.MaxQuestionWildcards > 0 {
		s.MaxQuestionWildcards = o.MaxQuestionWildcards
	}
	if o.MaxStarWildcards > 0 {
		s.MaxStarWildcards = o.MaxStarWildcards
	}
	if o.MaxLineBytes > 0 {
		s.MaxLineBytes = o.MaxLineBytes
	}
	if o.RequestTimeout > 0 {
		s.RequestTimeout = o.RequestTimeout
	}
	return s
}

// Pattern converts the snapshot into matcher validation limits.
func (s Set) Pattern() pattern.Limits {
	return pattern.Limits{
		MaxLength:    s.MaxPatternLength,
		MaxQuestions: s.MaxQuestionWildcards,
		MaxStars:     s.MaxStarWildcards,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Holder publishes the active limit set. Readers never block writers and
// always observe a complete snapshot.
type Holder struct {
	v atomic.Pointer[Set]
}

// NewHolder seeds a holder with the clamped initial set.
func NewHolder(s Set) *Holder {
	h := &Holder{}
	h.Store(s)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() Set {
	return *h.v.Load()
}

// Store clamps and publishes a new snapshot.
func (h *Holder) Store(s Set) {
	clamped := s.Clamped()
	h.v.Store(&clamped)
}
