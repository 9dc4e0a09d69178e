// Package corpus holds the immutable word collection every query scans.
//
// A Corpus is built once at startup and shared read-only across all
// connections; it never changes afterwards, so concurrent readers need no
// synchronization. Construction also builds acceleration structures (length
// buckets, a per-position character index for wildcard-only exact patterns,
// and small Bloom prefilters) that cut scan work without changing observable
// results or their order.
package corpus

import (
	"unicode/utf8"

	"pkt.systems/wordd/internal/pattern"
)

// Corpus is an ordered, de-duplicated, immutable collection of words.
// Insertion order is the canonical order for result enumeration and paging.
type Corpus struct {
	words    []string
	runeLens []int

	// lengths maps rune length to ascending word ordinals.
	lengths map[int][]int32
	// posChar maps rune length to a per-position rune index: for words of a
	// given length, which ordinals carry rune r at position p. Ordinal slices
	// stay sorted, so intersections preserve canonical order.
	posChar map[int][]map[rune][]int32

	letterBloom *bloom
	bigramBloom *bloom
}

// New builds a corpus from words, dropping empties and duplicates while
// keeping first-occurrence order.
func New(words []string) *Corpus {
	c := &Corpus{
		words:       make([]string, 0, len(words)),
		lengths:     make(map[int][]int32),
		posChar:     make(map[int][]map[rune][]int32),
		letterBloom: newBloom(16),
		bigramBloom: newBloom(18),
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		c.words = append(c.words, w)
	}
	c.runeLens = make([]int, len(c.words))
	for i, w := range c.words {
		c.runeLens[i] = utf8.RuneCountInString(w)
	}
	c.buildIndexes()
	return c
}

func (c *Corpus) buildIndexes() {
	for i, w := range c.words {
		c.lengths[c.runeLens[i]] = append(c.lengths[c.runeLens[i]], int32(i))
		var prev rune = -1
		for _, r := range w {
			c.letterBloom.add(string(r))
			if prev >= 0 {
				c.bigramBloom.add(string(prev) + string(r))
			}
			prev = r
		}
	}
	for length, idxs := range c.lengths {
		byPos := make([]map[rune][]int32, length)
		for p := range byPos {
			byPos[p] = make(map[rune][]int32)
		}
		for _, i := range idxs {
			p := 0
			for _, r := range c.words[i] {
				byPos[p][r] = append(byPos[p][r], i)
				p++
			}
		}
		c.posChar[length] = byPos
	}
}

// Len returns the word count.
func (c *Corpus) Len() int { return len(c.words) }

// Word returns the word at ordinal i in canonical order.
func (c *Corpus) Word(i int) string { return c.words[i] }

// ShouldSkip reports whether the compiled pattern cannot possibly match any
// corpus word, judged by its literal segments against the Bloom prefilters.
func (c *Corpus) ShouldSkip(m pattern.Matcher) bool {
	segs := m.Literals()
	if len(segs) == 0 {
		return false
	}
	for _, seg := range segs {
		var prev rune = -1
		for _, r := range seg {
			if !c.letterBloom.maybeContains(string(r)) {
				return true
			}
			if prev >= 0 && !c.bigramBloom.maybeContains(string(prev)+string(r)) {
				return true
			}
			prev = r
		}
	}
	return false
}

// FindMatches enumerates matching words in canonical order, invoking fn (when
// non-nil) for each match, and returns the total match count. Count-only
// callers pass a nil fn and skip materialization.
func (c *Corpus) FindMatches(m pattern.Matcher, fn func(i int, word string)) int {
	if c.ShouldSkip(m) {
		return 0
	}
	if idxs, ok := c.exactCandidates(m); ok {
		for _, i := range idxs {
			if fn != nil {
				fn(int(i), c.words[i])
			}
		}
		return len(idxs)
	}
	count := 0
	minRunes := m.MinRunes()
	for i, w := range c.words {
		if c.runeLens[i] < minRunes {
			continue
		}
		if !m.Match(w) {
			continue
		}
		count++
		if fn != nil {
			fn(i, w)
		}
	}
	return count
}

// exactCandidates resolves '?'-only exact patterns via the position index.
// The second return is false when the fast path does not apply (partial mode
// or '*' in the pattern, which breaks the length relationship).
func (c *Corpus) exactCandidates(m pattern.Matcher) ([]int32, bool) {
	if m.Mode() != pattern.ModeExact {
		return nil, false
	}
	p := m.Pattern()
	runes := []rune(p)
	for _, r := range runes {
		if r == '*' {
			return nil, false
		}
	}
	idxs := c.lengths[len(runes)]
	if len(idxs) == 0 {
		return nil, true
	}
	byPos := c.posChar[len(runes)]
	var candidate []int32
	constrained := false
	for pos, r := range runes {
		if r == '?' {
			continue
		}
		list := byPos[pos][r]
		if len(list) == 0 {
			return nil, true
		}
		if !constrained {
			candidate = list
			constrained = true
			continue
		}
		candidate = intersectSorted(candidate, list)
		if len(candidate) == 0 {
			return nil, true
		}
	}
	if !constrained {
		return idxs, true
	}
	return candidate, true
}

// intersectSorted merges two ascending ordinal slices.
func intersectSorted(a, b []int32) []int32 {
	out := make([]int32, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
