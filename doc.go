// Package wordd exposes the Go APIs behind the single-binary wildcard
// word-search service. Clients speak a plain-text TCP line protocol: FIND,
// FINDMULTI, COUNT, BATCH, and STATS queries against an immutable in-memory
// word list, with '?' matching exactly one character and '*' matching any run
// of characters. The server is designed to run cleanly as PID 1, but the
// package also makes it easy to embed the server or talk to wordd from Go
// clients.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`, and loads its corpus from
// `Config.WordlistPath` at startup.
//
//	cfg := wordd.Config{
//	    WordlistPath: "/usr/share/dict/words",
//	    Listen:       ":9474",
//	    ListenProto:  "tcp",
//	}
//	srv, err := wordd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("wordd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("wordd shutdown: %v", err)
//	    }
//	}()
//
// Sessions are long-lived by default: a connection may issue any number of
// requests until it sends QUIT, idles past `Config.RequestTimeout`, or
// disconnects. Setting `Config.Serial` switches the server into the
// single-shot mode where each connection carries exactly one exact-match
// request.
//
// # Wire protocol
//
// Requests are single lines. Responses carry a status line, optional body
// lines, and a terminating END line:
//
//	FIND c?t --mode exact
//	200 OK 3
//	cat
//	cot
//	cut
//	END
//
// The count on the status line is always the total number of matches, even
// when `--range` trims the body to a page or `--gzip` compresses it into a
// single base64 line.
//
// # Client SDK
//
// The Go client (`pkt.systems/wordd/client`) wraps the line protocol:
//
//	cli, err := client.Dial("127.0.0.1:9474")
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//
//	total, words, err := cli.Find("c?t", client.WithMode(client.ModeExact))
//	if err != nil { log.Fatal(err) }
//	fmt.Println(total, words)
//
// # Operational limits
//
// Pattern budgets (`MaxPatternLength`, `MaxQuestionWildcards`,
// `MaxStarWildcards`) and the request timeout can be hot-reloaded by pointing
// `Config.LimitsFile` at a YAML file; edits apply to subsequent requests
// without a restart. When `Config.MemorySoftLimitBytes` is set and the
// process RSS crosses it, wildcard budgets are halved until pressure clears.
//
// `StartServer` launches a server in a goroutine, waits for readiness, and
// returns a stop function. It is useful when wiring wordd into existing
// processes or tests; `StartTestServer` builds on it for Go test suites.
//
// Consult README.md for detailed guidance, additional examples, and
// operational considerations (metrics, tracing, environment variables).
package wordd
