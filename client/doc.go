// Package client provides the Go SDK for talking to a wordd server over its
// TCP line protocol. It mirrors the CLI behaviour while exposing a type-safe
// API that is easy to embed in tools and tests.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
// Dial a server and issue queries. Each Client owns one connection; requests
// are serialized on it, so share a Client or dial one per goroutine as load
// requires:
//
//	cli, err := client.Dial("127.0.0.1:9474")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	total, words, err := cli.Find("c?t", client.WithMode(client.ModeExact))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(total, words)
//
// Paged results keep the total in the count while trimming the body:
//
//	total, page, err := cli.Find("a*", client.WithRange(0, 100))
//
// Validation failures and server faults come back as *ProtocolError with the
// wire status code and reason. Zero matches are not an error.
package client
