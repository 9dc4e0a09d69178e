package client_test

import (
	"errors"
	"reflect"
	"testing"

	"pkt.systems/wordd"
	"pkt.systems/wordd/client"
)

func TestFindExact(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat", "cot", "cut", "cart"))

	total, words, err := ts.Client.Find("c?t", client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	want := []string{"cat", "cot", "cut"}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("words = %v, want %v", words, want)
	}
}

func TestFindRangeKeepsTotal(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat", "cot", "cut", "cart"))

	total, page, err := ts.Client.Find("c?t",
		client.WithMode(client.ModeExact),
		client.WithRange(1, 2),
	)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if !reflect.DeepEqual(page, []string{"cot"}) {
		t.Fatalf("page = %v, want [cot]", page)
	}
}

func TestFindNoMatchesIsNotError(t *testing.T) {
	ts := wordd.StartTestServer(t)

	total, words, err := ts.Client.Find("zzzzzz", client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if total != 0 || len(words) != 0 {
		t.Fatalf("got total=%d words=%v, want empty", total, words)
	}
}

func TestGzipTransparentDecode(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("hello", "bellow", "mellow"))

	plainTotal, plain, err := ts.Client.Find("ell", client.WithMode(client.ModePartial))
	if err != nil {
		t.Fatalf("plain find: %v", err)
	}
	gzTotal, gz, err := ts.Client.Find("ell",
		client.WithMode(client.ModePartial),
		client.WithGzip(),
	)
	if err != nil {
		t.Fatalf("gzip find: %v", err)
	}
	if plainTotal != gzTotal || !reflect.DeepEqual(plain, gz) {
		t.Fatalf("gzip result diverged: %d %v vs %d %v", plainTotal, plain, gzTotal, gz)
	}
}

func TestCount(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("art", "ant", "tart"))

	n, err := ts.Client.Count("a?t", client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestFindMulti(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat", "cart", "art", "ant"))

	words, err := ts.Client.FindMulti([]string{"?at", "a?t"}, client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("findmulti: %v", err)
	}
	want := []string{"cat", "art", "ant"}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("words = %v, want %v", words, want)
	}
}

func TestCountBatch(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat", "cot", "dog"))

	counts, err := ts.Client.CountBatch([]string{"c?t", "dog", "zzz"}, client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("countbatch: %v", err)
	}
	if !reflect.DeepEqual(counts, []int{2, 1, 0}) {
		t.Fatalf("counts = %v, want [2 1 0]", counts)
	}
}

func TestStats(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat", "cot"))

	if _, err := ts.Client.Count("cat"); err != nil {
		t.Fatalf("count: %v", err)
	}
	fields, err := ts.Client.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if fields["corpus_words"] != "2" {
		t.Fatalf("corpus_words = %q, want 2", fields["corpus_words"])
	}
	if fields["requests_count"] != "1" {
		t.Fatalf("requests_count = %q, want 1", fields["requests_count"])
	}
}

func TestProtocolErrorSurfacesReason(t *testing.T) {
	ts := wordd.StartTestServer(t)

	_, _, err := ts.Client.Find("c?t", client.WithMode("fuzzy"))
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
	var perr *client.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ProtocolError", err)
	}
	if perr.Code != 400 {
		t.Fatalf("code = %d, want 400", perr.Code)
	}
	if perr.Reason != "invalid mode" {
		t.Fatalf("reason = %q, want %q", perr.Reason, "invalid mode")
	}
}

func TestSessionSurvivesBadRequest(t *testing.T) {
	ts := wordd.StartTestServer(t, wordd.WithTestWords("cat"))

	if _, _, err := ts.Client.Find("", client.WithMode(client.ModeExact)); err == nil {
		t.Fatal("expected error for empty pattern")
	}
	n, err := ts.Client.Count("cat", client.WithMode(client.ModeExact))
	if err != nil {
		t.Fatalf("count after error: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
