package engine

import (
	"reflect"
	"testing"
	"time"

	"pkt.systems/wordd/internal/corpus"
	"pkt.systems/wordd/internal/limits"
	"pkt.systems/wordd/internal/pattern"
)

var testWords = []string{"cat", "cart", "art", "ant", "tart", "catalog", "cot"}

func newTestEngine(t *testing.T, pressure PressureSource) *Engine {
	t.Helper()
	c := corpus.New(testWords)
	h := limits.NewHolder(limits.Set{
		MaxPatternLength:     100,
		MaxQuestionWildcards: 10,
		MaxStarWildcards:     4,
		MaxLineBytes:         4096,
		RequestTimeout:       time.Second,
	})
	return New(c, h, pressure)
}

func TestFindExact(t *testing.T) {
	e := newTestEngine(t, nil)
	total, words, verr := e.Find("??t", pattern.ModeExact, false, 0, 0)
	if verr != nil {
		t.Fatalf("Find: %v", verr)
	}
	want := []string{"cat", "art", "ant", "cot"}
	if total != len(want) || !reflect.DeepEqual(words, want) {
		t.Fatalf("Find = %d %v, want %d %v", total, words, len(want), want)
	}
}

func TestFindRangeClamps(t *testing.T) {
	e := newTestEngine(t, nil)
	total, full, _ := e.Find("*t*", pattern.ModeExact, false, 0, 0)
	if total < 3 {
		t.Fatalf("unexpected total %d", total)
	}
	gotTotal, page, verr := e.Find("*t*", pattern.ModeExact, true, 1, 1000)
	if verr != nil {
		t.Fatalf("Find ranged: %v", verr)
	}
	if gotTotal != total {
		t.Fatalf("ranged total = %d, want %d", gotTotal, total)
	}
	if !reflect.DeepEqual(page, full[1:]) {
		t.Fatalf("page = %v, want %v", page, full[1:])
	}
	if _, page, _ := e.Find("*t*", pattern.ModeExact, true, total+5, total+10); page != nil {
		t.Fatalf("out-of-range page = %v, want nil", page)
	}
}

func TestCountEqualsFindTotal(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, tc := range []struct {
		p    string
		mode pattern.Mode
	}{
		{"??t", pattern.ModeExact},
		{"art", pattern.ModePartial},
		{"c*t", pattern.ModeExact},
		{"zzz", pattern.ModeExact},
	} {
		total, words, verr := e.Find(tc.p, tc.mode, false, 0, 0)
		if verr != nil {
			t.Fatalf("Find(%q): %v", tc.p, verr)
		}
		count, verr := e.Count(tc.p, tc.mode)
		if verr != nil {
			t.Fatalf("Count(%q): %v", tc.p, verr)
		}
		if count != total || count != len(words) {
			t.Errorf("Count(%q) = %d, Find total %d, len %d", tc.p, count, total, len(words))
		}
	}
}

func TestValidationPrecedesScan(t *testing.T) {
	e := newTestEngine(t, nil)
	_, _, verr := e.Find("?????????????", pattern.ModeExact, false, 0, 0)
	if verr == nil {
		t.Fatal("Find accepted pattern over the '?' budget")
	}
	if verr.Reason != "pattern too complex: too many '?' wildcards (> 10)" {
		t.Fatalf("reason = %q", verr.Reason)
	}
}

type stubPressure bool

func (s stubPressure) UnderPressure() bool { return bool(s) }

func TestPressureHalvesWildcardBudget(t *testing.T) {
	relaxed := newTestEngine(t, stubPressure(false))
	tight := newTestEngine(t, stubPressure(true))
	p := "???????" // 7 '?', within 10 but over 10/2=5
	if _, verr := relaxed.Count(p, pattern.ModeExact); verr != nil {
		t.Fatalf("relaxed Count: %v", verr)
	}
	if _, verr := tight.Count(p, pattern.ModeExact); verr == nil {
		t.Fatal("tight Count accepted pattern over halved budget")
	}
	if !tight.WildcardsTightened() {
		t.Fatal("WildcardsTightened = false under pressure")
	}
}

func TestFindMultiDedup(t *testing.T) {
	e := newTestEngine(t, nil)
	words, verr := e.FindMulti([]string{"?at", "ca?"}, pattern.ModeExact)
	if verr != nil {
		t.Fatalf("FindMulti: %v", verr)
	}
	want := []string{"cat"} // matches both patterns, reported once
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("FindMulti = %v, want %v", words, want)
	}
	if _, verr := e.FindMulti([]string{"ok", "?????????????"}, pattern.ModeExact); verr == nil {
		t.Fatal("FindMulti accepted an invalid member pattern")
	}
}

func TestCountBatchInvalidCountsZero(t *testing.T) {
	e := newTestEngine(t, nil)
	counts := e.CountBatch([]string{"??t", "?????????????", "zzz"}, pattern.ModeExact)
	if !reflect.DeepEqual(counts, []int{4, 0, 0}) {
		t.Fatalf("CountBatch = %v, want [4 0 0]", counts)
	}
}
