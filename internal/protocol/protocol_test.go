package protocol

import (
	"reflect"
	"strings"
	"testing"

	"pkt.systems/wordd/internal/pattern"
)

func TestParseFind(t *testing.T) {
	req, verr := Parse("FIND a?t --range 0 10 --gzip --mode exact", pattern.ModePartial)
	if verr != nil {
		t.Fatalf("Parse: %v", verr)
	}
	want := Request{
		Kind: KindFind, Pattern: "a?t",
		Mode: pattern.ModeExact, ModeSet: true,
		HasRange: true, Start: 0, End: 10,
		Gzip: true,
	}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("Parse = %+v, want %+v", req, want)
	}
}

func TestParseDefaults(t *testing.T) {
	req, verr := Parse("count hello", pattern.ModePartial)
	if verr != nil {
		t.Fatalf("Parse: %v", verr)
	}
	if req.Kind != KindCount || req.Pattern != "hello" {
		t.Fatalf("Parse = %+v", req)
	}
	if req.Mode != pattern.ModePartial || req.ModeSet {
		t.Fatalf("default mode not applied: %+v", req)
	}
	if req.HasRange || req.Gzip {
		t.Fatalf("unexpected flags: %+v", req)
	}
}

func TestParseCaseInsensitiveCommand(t *testing.T) {
	for _, line := range []string{"quit", "QUIT", "Quit"} {
		req, verr := Parse(line, pattern.ModeExact)
		if verr != nil || req.Kind != KindQuit {
			t.Errorf("Parse(%q) = %+v, %v", line, req, verr)
		}
	}
}

func TestParseFindMulti(t *testing.T) {
	req, verr := Parse("FINDMULTI a?t c*t --mode exact", pattern.ModePartial)
	if verr != nil {
		t.Fatalf("Parse: %v", verr)
	}
	if req.Kind != KindFindMulti || !reflect.DeepEqual(req.Patterns, []string{"a?t", "c*t"}) {
		t.Fatalf("Parse = %+v", req)
	}
	if req.Mode != pattern.ModeExact {
		t.Fatalf("mode = %q", req.Mode)
	}
}

func TestParseBatch(t *testing.T) {
	req, verr := Parse(`BATCH ["a?t","zzz"] --mode exact`, pattern.ModePartial)
	if verr != nil {
		t.Fatalf("Parse: %v", verr)
	}
	if req.Kind != KindBatch || !reflect.DeepEqual(req.Patterns, []string{"a?t", "zzz"}) {
		t.Fatalf("Parse = %+v", req)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		line   string
		reason string
	}{
		{"", ReasonUnknownCommand},
		{"FROB x", ReasonUnknownCommand},
		{"FIND", ReasonMissingPattern},
		{"COUNT", ReasonMissingPattern},
		{"FIND a b", ReasonMissingPattern},
		{"FINDMULTI", ReasonMissingPattern},
		{"FIND x --range 0", "malformed flag --range"},
		{"FIND x --range a b", ReasonInvalidRange},
		{"FIND x --range 5 2", ReasonInvalidRange},
		{"FIND x --range -1 2", ReasonInvalidRange},
		{"FIND x --mode", "malformed flag --mode"},
		{"FIND x --mode fuzzy", ReasonInvalidMode},
		{"FIND x --gzip --gzip", "duplicate flag --gzip"},
		{"FIND x --verbose", "unknown flag --verbose"},
		{"COUNT x --gzip", "unknown flag --gzip"},
		{"COUNT x --range 0 1", "unknown flag --range"},
		{"QUIT now", ReasonUnknownCommand},
		{"STATS verbose", ReasonUnknownCommand},
		{"BATCH", ReasonMissingPattern},
		{"BATCH notjson", ReasonInvalidBatch},
		{"BATCH []", ReasonMissingPattern},
		{"BATCH [1,2]", ReasonInvalidBatch},
	}
	for _, tc := range cases {
		_, verr := Parse(tc.line, pattern.ModePartial)
		if verr == nil {
			t.Errorf("Parse(%q) accepted, want reason %q", tc.line, tc.reason)
			continue
		}
		if verr.Reason != tc.reason {
			t.Errorf("Parse(%q) reason = %q, want %q", tc.line, verr.Reason, tc.reason)
		}
	}
}

func TestEncodeSuccess(t *testing.T) {
	var sb strings.Builder
	resp := Result(3, []string{"cat", "cot", "cut"})
	if err := resp.Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "200 OK 3\ncat\ncot\ncut\nEND\n"
	if sb.String() != want {
		t.Fatalf("Encode = %q, want %q", sb.String(), want)
	}
}

func TestEncodeNotFound(t *testing.T) {
	var sb strings.Builder
	if err := Result(0, nil).Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := sb.String(), "404 NOT-FOUND 0\nEND\n"; got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeErrors(t *testing.T) {
	var sb strings.Builder
	if err := BadRequest("invalid range").Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := sb.String(), "400 BAD-REQUEST invalid range\nEND\n"; got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
	sb.Reset()
	if err := ServerError(ReasonInternalError).Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := sb.String(), "500 SERVER-ERROR internal error\nEND\n"; got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
	sb.Reset()
	if err := Busy().Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := sb.String(), "503 BUSY 0\nEND\n"; got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeTerminatorExactlyOnce(t *testing.T) {
	responses := []Response{
		Result(2, []string{"aa", "ab"}),
		Result(0, nil),
		BadRequest("unknown command"),
		ServerError(ReasonInternalError),
		Busy(),
		{Code: 200, Text: "OK", Count: 2, Body: []string{"aa", "ab"}, Gzip: true},
	}
	for _, resp := range responses {
		var sb strings.Builder
		if err := resp.Encode(&sb); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out := sb.String()
		if !strings.HasSuffix(out, Terminator+"\n") {
			t.Errorf("response %q does not end with terminator", out)
		}
		if n := strings.Count(out, Terminator+"\n"); n != 1 {
			t.Errorf("response %q has %d terminators, want 1", out, n)
		}
	}
}

func TestGzipRoundTrip(t *testing.T) {
	words := []string{"hello", "bellow", "cellar"}
	var sb strings.Builder
	resp := Response{Code: 200, Text: "OK", Count: 3, Body: words, Gzip: true}
	if err := resp.Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("encoded %d lines, want 3 (status, GZIP, END): %q", len(lines), sb.String())
	}
	if lines[0] != "200 OK 3" || lines[2] != Terminator {
		t.Fatalf("unexpected framing: %q", sb.String())
	}
	payload, ok := strings.CutPrefix(lines[1], "GZIP ")
	if !ok {
		t.Fatalf("body line = %q, want GZIP prefix", lines[1])
	}
	decoded, err := DecodeBody(payload)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !reflect.DeepEqual(decoded, words) {
		t.Fatalf("DecodeBody = %v, want %v", decoded, words)
	}
}

func TestGzipSkippedForEmptyBody(t *testing.T) {
	var sb strings.Builder
	resp := Response{Code: 404, Text: "NOT-FOUND", Gzip: true}
	if err := resp.Encode(&sb); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(sb.String(), "GZIP") {
		t.Fatalf("empty body must not be compressed: %q", sb.String())
	}
}
