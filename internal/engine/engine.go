// Package engine executes validated queries against the shared read-only
// corpus. It owns validation ordering: limits are checked before any scan.
package engine

import (
	"pkt.systems/wordd/internal/corpus"
	"pkt.systems/wordd/internal/limits"
	"pkt.systems/wordd/internal/pattern"
	"pkt.systems/wordd/internal/protocol"
)

// PressureSource reports whether the process is under memory pressure, in
// which case wildcard budgets are halved for new requests. May be nil.
type PressureSource interface {
	UnderPressure() bool
}

// Engine answers queries over one immutable corpus. Safe for concurrent use;
// the corpus is never mutated and limit snapshots are read atomically.
type Engine struct {
	corpus   *corpus.Corpus
	limits   *limits.Holder
	pressure PressureSource
}

// New builds an engine. pressure may be nil.
func New(c *corpus.Corpus, h *limits.Holder, pressure PressureSource) *Engine {
	return &Engine{corpus: c, limits: h, pressure: pressure}
}

// CorpusLen returns the number of words served.
func (e *Engine) CorpusLen() int {
	return e.corpus.Len()
}

// WildcardsTightened reports whether current requests run with halved
// wildcard budgets.
func (e *Engine) WildcardsTightened() bool {
	return e.pressure != nil && e.pressure.UnderPressure()
}

func (e *Engine) patternLimits() pattern.Limits {
	l := e.limits.Current().Pattern()
	if e.WildcardsTightened() {
		l = l.Halved()
	}
	return l
}

func (e *Engine) compile(p string, mode pattern.Mode) (pattern.Matcher, *protocol.ValidationError) {
	if err := pattern.Validate(p, e.patternLimits()); err != nil {
		return pattern.Matcher{}, protocol.Invalid(err.Error())
	}
	return pattern.Compile(p, mode), nil
}

// Find returns the total match count and the matched words. With hasRange
// the returned page is the [start, end) slice of the full ordered sequence,
// end clamped to the total; the count is always the total.
func (e *Engine) Find(p string, mode pattern.Mode, hasRange bool, start, end int) (int, []string, *protocol.ValidationError) {
	m, verr := e.compile(p, mode)
	if verr != nil {
		return 0, nil, verr
	}
	var words []string
	total := e.corpus.FindMatches(m, func(_ int, word string) {
		words = append(words, word)
	})
	if !hasRange {
		return total, words, nil
	}
	if start >= total {
		return total, nil, nil
	}
	if end > total {
		end = total
	}
	return total, words[start:end], nil
}

// Count returns the total match count without materializing words.
func (e *Engine) Count(p string, mode pattern.Mode) (int, *protocol.ValidationError) {
	m, verr := e.compile(p, mode)
	if verr != nil {
		return 0, verr
	}
	return e.corpus.FindMatches(m, nil), nil
}

// FindMulti returns the union of matches across patterns, de-duplicated,
// ordered by first occurrence. Any invalid pattern rejects the whole request.
func (e *Engine) FindMulti(patterns []string, mode pattern.Mode) ([]string, *protocol.ValidationError) {
	matchers := make([]pattern.Matcher, 0, len(patterns))
	for _, p := range patterns {
		m, verr := e.compile(p, mode)
		if verr != nil {
			return nil, verr
		}
		matchers = append(matchers, m)
	}
	var words []string
	seen := make(map[int]struct{})
	for _, m := range matchers {
		e.corpus.FindMatches(m, func(i int, word string) {
			if _, dup := seen[i]; dup {
				return
			}
			seen[i] = struct{}{}
			words = append(words, word)
		})
	}
	return words, nil
}

// CountBatch returns per-pattern counts. A pattern that fails validation
// counts as zero rather than rejecting the batch.
func (e *Engine) CountBatch(patterns []string, mode pattern.Mode) []int {
	counts := make([]int, len(patterns))
	for i, p := range patterns {
		m, verr := e.compile(p, mode)
		if verr != nil {
			continue
		}
		counts[i] = e.corpus.FindMatches(m, nil)
	}
	return counts
}
