package protocol

import (
	"encoding/json"
	"strconv"
	"strings"

	"pkt.systems/wordd/internal/pattern"
)

// Stable validation reasons shared with tests and clients.
const (
	ReasonUnknownCommand   = "unknown command"
	ReasonMissingPattern   = "missing pattern"
	ReasonInvalidRange     = "invalid range"
	ReasonInvalidMode      = "invalid mode"
	ReasonInvalidBatch     = "invalid batch payload"
	ReasonTimeout          = "timeout"
	ReasonNonUTF8          = "non-utf8"
	ReasonLineTooLong      = "line too long"
	ReasonModeNotSupported = "mode not supported"
	ReasonInternalError    = "internal error"
)

type flagSpec struct {
	// args is the number of value tokens consumed after the flag token.
	args  int
	apply func(req *Request, vals []string) *ValidationError
}

// flagTable drives the single-pass flag scan. Which flags a command accepts
// is decided by commandFlags.
var flagTable = map[string]flagSpec{
	"--range": {args: 2, apply: func(req *Request, vals []string) *ValidationError {
		start, err1 := strconv.Atoi(vals[0])
		end, err2 := strconv.Atoi(vals[1])
		if err1 != nil || err2 != nil || start < 0 || end < start {
			return Invalid(ReasonInvalidRange)
		}
		req.HasRange = true
		req.Start, req.End = start, end
		return nil
	}},
	"--gzip": {args: 0, apply: func(req *Request, vals []string) *ValidationError {
		req.Gzip = true
		return nil
	}},
	"--mode": {args: 1, apply: func(req *Request, vals []string) *ValidationError {
		mode, ok := pattern.ParseMode(vals[0])
		if !ok {
			return Invalid(ReasonInvalidMode)
		}
		req.Mode = mode
		req.ModeSet = true
		return nil
	}},
}

func commandFlags(kind Kind) map[string]bool {
	switch kind {
	case KindFind:
		return map[string]bool{"--range": true, "--gzip": true, "--mode": true}
	case KindFindMulti:
		return map[string]bool{"--gzip": true, "--mode": true}
	case KindCount, KindBatch:
		return map[string]bool{"--mode": true}
	}
	return nil
}

// Parse decodes one request line. defaultMode applies when --mode is absent.
// The returned error is always a *ValidationError.
func Parse(line string, defaultMode pattern.Mode) (Request, *ValidationError) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Request{}, Invalid(ReasonUnknownCommand)
	}
	req := Request{Mode: defaultMode}
	switch strings.ToUpper(tokens[0]) {
	case "FIND":
		req.Kind = KindFind
	case "FINDMULTI":
		req.Kind = KindFindMulti
	case "COUNT":
		req.Kind = KindCount
	case "BATCH":
		req.Kind = KindBatch
	case "STATS":
		req.Kind = KindStats
	case "QUIT":
		req.Kind = KindQuit
	default:
		return Request{}, Invalid(ReasonUnknownCommand)
	}
	rest := tokens[1:]
	switch req.Kind {
	case KindStats, KindQuit:
		if len(rest) > 0 {
			return Request{}, Invalid(ReasonUnknownCommand)
		}
		return req, nil
	case KindBatch:
		return parseBatch(req, rest)
	}

	args, rest, verr := splitArgs(rest)
	if verr != nil {
		return Request{}, verr
	}
	switch req.Kind {
	case KindFind, KindCount:
		if len(args) != 1 {
			return Request{}, Invalid(ReasonMissingPattern)
		}
		req.Pattern = args[0]
	case KindFindMulti:
		if len(args) == 0 {
			return Request{}, Invalid(ReasonMissingPattern)
		}
		req.Patterns = args
	}
	if verr := parseFlags(&req, rest); verr != nil {
		return Request{}, verr
	}
	return req, nil
}

// splitArgs separates positional arguments from the flag tail. Flags never
// precede positionals on this wire.
func splitArgs(tokens []string) (args, rest []string, verr *ValidationError) {
	for i, tok := range tokens {
		if strings.HasPrefix(tok, "--") {
			return tokens[:i], tokens[i:], nil
		}
	}
	return tokens, nil, nil
}

func parseFlags(req *Request, tokens []string) *ValidationError {
	allowed := commandFlags(req.Kind)
	seen := map[string]bool{}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		spec, ok := flagTable[tok]
		if !ok || !allowed[tok] {
			return Invalid("unknown flag " + tok)
		}
		if seen[tok] {
			return Invalid("duplicate flag " + tok)
		}
		seen[tok] = true
		if i+spec.args >= len(tokens) {
			return Invalid("malformed flag " + tok)
		}
		vals := tokens[i+1 : i+1+spec.args]
		for _, v := range vals {
			if strings.HasPrefix(v, "--") {
				return Invalid("malformed flag " + tok)
			}
		}
		if verr := spec.apply(req, vals); verr != nil {
			return verr
		}
		i += spec.args
	}
	return nil
}

func parseBatch(req Request, rest []string) (Request, *ValidationError) {
	flagStart := len(rest)
	for i, tok := range rest {
		if strings.HasPrefix(tok, "--") {
			flagStart = i
			break
		}
	}
	payload := strings.Join(rest[:flagStart], " ")
	if payload == "" {
		return Request{}, Invalid(ReasonMissingPattern)
	}
	var patterns []string
	if err := json.Unmarshal([]byte(payload), &patterns); err != nil {
		return Request{}, Invalid(ReasonInvalidBatch)
	}
	if len(patterns) == 0 {
		return Request{}, Invalid(ReasonMissingPattern)
	}
	req.Patterns = patterns
	if verr := parseFlags(&req, rest[flagStart:]); verr != nil {
		return Request{}, verr
	}
	return req, nil
}
