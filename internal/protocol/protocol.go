// Package protocol implements the line-oriented wire protocol: request
// parsing into a typed command, and response encoding with optional gzip
// body framing. The codec never panics on malformed input; every bad line
// maps to a ValidationError with a stable reason string.
package protocol

import (
	"pkt.systems/wordd/internal/pattern"
)

// Kind discriminates the request union.
type Kind int

// Request kinds.
const (
	KindFind Kind = iota
	KindFindMulti
	KindCount
	KindBatch
	KindStats
	KindQuit
)

// String returns the wire command name.
func (k Kind) String() string {
	switch k {
	case KindFind:
		return "FIND"
	case KindFindMulti:
		return "FINDMULTI"
	case KindCount:
		return "COUNT"
	case KindBatch:
		return "BATCH"
	case KindStats:
		return "STATS"
	case KindQuit:
		return "QUIT"
	}
	return "UNKNOWN"
}

// Request is one decoded request line. Pattern is set for FIND/COUNT,
// Patterns for FINDMULTI and BATCH.
type Request struct {
	Kind     Kind
	Pattern  string
	Patterns []string
	Mode     pattern.Mode
	// ModeSet reports whether --mode was given explicitly.
	ModeSet bool
	// HasRange reports whether --range was given; Start/End are the
	// requested half-open interval.
	HasRange bool
	Start    int
	End      int
	Gzip     bool
}

// ValidationError is a request rejected before execution. Reason is the
// stable string sent on the 400 status line.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Invalid builds a ValidationError.
func Invalid(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}
