// Package session runs the request loop for one accepted connection: read a
// line, decode, execute, encode, repeat. Sessions share nothing but the
// read-only engine and the stats collector.
package session

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/engine"
	"pkt.systems/wordd/internal/limits"
	"pkt.systems/wordd/internal/pattern"
	"pkt.systems/wordd/internal/protocol"
	"pkt.systems/wordd/internal/stats"
	"pkt.systems/wordd/internal/svcfields"
)

// garbageStreak is the number of consecutive bad requests before a session
// starts reporting the peer to the abuse reporter.
const garbageStreak = 3

// AbuseReporter records repeated protocol failures per remote host and
// reports whether the host is now blocked.
type AbuseReporter interface {
	RecordFailure(remote, reason string) bool
}

// Config wires one session handler. The same Config is shared by every
// session of a server.
type Config struct {
	Engine *engine.Engine
	Stats  *stats.Collector
	Limits *limits.Holder
	Logger pslog.Logger
	// Abuse receives hosts that keep sending protocol garbage. May be nil.
	Abuse AbuseReporter
	// DefaultMode applies when a request omits --mode.
	DefaultMode pattern.Mode
	// Serial serves exactly one request per connection and accepts exact
	// mode only.
	Serial bool
	// Snapshot supplies the STATS body. Must be non-nil when STATS is served.
	Snapshot func() stats.Snapshot
}

// Handler serves connections with a fixed Config.
type Handler struct {
	cfg Config
	log pslog.Logger
}

// NewHandler validates nothing; the server constructs exactly one per
// lifecycle with a complete Config.
func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Handler{cfg: cfg, log: svcfields.WithSubsystem(log, "session")}
}

// Serve owns conn until the peer quits, disconnects, times out, or (serial)
// one request completes. It always closes conn before returning.
func (h *Handler) Serve(conn net.Conn) {
	defer conn.Close()
	h.cfg.Stats.ConnOpened()
	defer h.cfg.Stats.ConnClosed()
	remote := conn.RemoteAddr().String()
	log := h.log.With("remote", remote)
	log.Debug("session.opened")
	defer log.Debug("session.closed")

	reader := bufio.NewReader(conn)
	badStreak := 0
	// noteBad tracks consecutive 400s; past garbageStreak each one feeds the
	// abuse reporter, and a blocked verdict ends the session.
	noteBad := func() bool {
		badStreak++
		if h.cfg.Abuse == nil || badStreak < garbageStreak {
			return false
		}
		if h.cfg.Abuse.RecordFailure(remote, "protocol_garbage") {
			log.Debug("session.dropped", "reason", "protocol_garbage", "bad_requests", badStreak)
			return true
		}
		return false
	}
	for {
		lim := h.cfg.Limits.Current()
		if err := conn.SetReadDeadline(time.Now().Add(lim.RequestTimeout)); err != nil {
			return
		}
		line, err := readLine(reader, lim.MaxLineBytes)
		if err != nil {
			switch {
			case errors.Is(err, errLineTooLong):
				h.reject(conn, log, protocol.ReasonLineTooLong)
				if h.cfg.Serial || noteBad() {
					return
				}
				continue
			case isTimeout(err):
				// The peer went idle; tell it why before hanging up.
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				protocol.BadRequest(protocol.ReasonTimeout).Encode(conn)
				return
			case errors.Is(err, io.EOF):
				return
			default:
				log.Debug("session.read_failed", "error", err)
				return
			}
		}
		if strings.TrimSpace(line) == "" {
			// Blank keep-alive lines are skipped without a response.
			continue
		}
		if !utf8.ValidString(line) {
			h.reject(conn, log, protocol.ReasonNonUTF8)
			if h.cfg.Serial || noteBad() {
				return
			}
			continue
		}
		quit, keep, bad := h.handle(conn, log, line)
		if quit || !keep || h.cfg.Serial {
			return
		}
		if bad {
			if noteBad() {
				return
			}
		} else {
			badStreak = 0
		}
	}
}

// handle runs one request end to end. quit reports a QUIT command; keep is
// false when the response could not be written; bad reports a 400 answer.
func (h *Handler) handle(conn net.Conn, log pslog.Logger, line string) (quit, keep, bad bool) {
	started := time.Now()
	reqID := xid.New().String()
	resp, cmd, quit := h.execute(line)
	elapsed := time.Since(started)
	h.cfg.Stats.Request(cmd, statusOf(resp), elapsed)
	log.Debug("session.request",
		"req_id", reqID,
		"command", commandName(cmd),
		"status", resp.Code,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	if err := resp.Encode(conn); err != nil {
		log.Debug("session.write_failed", "req_id", reqID, "error", err)
		return quit, false, resp.Code == 400
	}
	return quit, true, resp.Code == 400
}

// execute decodes and runs one request. Panics in the engine or codec
// surface as a 500 response so one bad request cannot kill the session.
func (h *Handler) execute(line string) (resp protocol.Response, cmd stats.Command, quit bool) {
	cmd = stats.CmdUnknown
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("session.request_panic", "panic", r)
			resp = protocol.ServerError(protocol.ReasonInternalError)
		}
	}()
	defaultMode := h.cfg.DefaultMode
	if h.cfg.Serial {
		defaultMode = pattern.ModeExact
	}
	req, verr := protocol.Parse(line, defaultMode)
	if verr != nil {
		return protocol.BadRequest(verr.Reason), cmd, false
	}
	cmd = commandOf(req.Kind)
	if h.cfg.Serial && req.Mode == pattern.ModePartial {
		return protocol.BadRequest(protocol.ReasonModeNotSupported), cmd, false
	}
	switch req.Kind {
	case protocol.KindQuit:
		return protocol.OK(0, nil), cmd, true
	case protocol.KindFind:
		total, words, verr := h.cfg.Engine.Find(req.Pattern, req.Mode, req.HasRange, req.Start, req.End)
		if verr != nil {
			return protocol.BadRequest(verr.Reason), cmd, false
		}
		r := protocol.Result(total, words)
		r.Gzip = req.Gzip
		return r, cmd, false
	case protocol.KindFindMulti:
		words, verr := h.cfg.Engine.FindMulti(req.Patterns, req.Mode)
		if verr != nil {
			return protocol.BadRequest(verr.Reason), cmd, false
		}
		r := protocol.Result(len(words), words)
		r.Gzip = req.Gzip
		return r, cmd, false
	case protocol.KindCount:
		total, verr := h.cfg.Engine.Count(req.Pattern, req.Mode)
		if verr != nil {
			return protocol.BadRequest(verr.Reason), cmd, false
		}
		return protocol.Result(total, nil), cmd, false
	case protocol.KindBatch:
		counts := h.cfg.Engine.CountBatch(req.Patterns, req.Mode)
		body := make([]string, len(counts))
		for i, n := range counts {
			body[i] = "COUNT " + strconv.Itoa(i) + " " + strconv.Itoa(n)
		}
		return protocol.OK(len(counts), body), cmd, false
	case protocol.KindStats:
		snap := h.cfg.Snapshot()
		fields := snap.Fields()
		body := make([]string, len(fields))
		for i, f := range fields {
			body[i] = f.Name + " " + f.Value
		}
		return protocol.OK(len(body), body), cmd, false
	}
	return protocol.BadRequest(protocol.ReasonUnknownCommand), cmd, false
}

func (h *Handler) reject(conn net.Conn, log pslog.Logger, reason string) {
	h.cfg.Stats.Request(stats.CmdUnknown, stats.StatusBadRequest, 0)
	if err := protocol.BadRequest(reason).Encode(conn); err != nil {
		log.Debug("session.write_failed", "error", err)
	}
}

// errLineTooLong reports a request line over the active MaxLineBytes limit.
var errLineTooLong = errors.New("line too long")

// readLine returns one newline-terminated line without its terminator. The
// limit is checked against the accumulated bytes on every read so a
// hot-reloaded MaxLineBytes applies to live sessions; an over-long line is
// drained through its newline before errLineTooLong is returned.
func readLine(r *bufio.Reader, max int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			line := trimEOL(string(buf))
			if len(line) > max {
				return "", errLineTooLong
			}
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
		if len(buf) > max {
			if derr := drainLine(r); derr != nil {
				return "", derr
			}
			return "", errLineTooLong
		}
	}
}

// drainLine discards the remainder of an over-long line.
func drainLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func statusOf(resp protocol.Response) stats.Status {
	switch resp.Code {
	case 200:
		return stats.StatusOK
	case 404:
		return stats.StatusNotFound
	case 400:
		return stats.StatusBadRequest
	default:
		return stats.StatusServerError
	}
}

func commandOf(kind protocol.Kind) stats.Command {
	switch kind {
	case protocol.KindFind:
		return stats.CmdFind
	case protocol.KindFindMulti:
		return stats.CmdFindMulti
	case protocol.KindCount:
		return stats.CmdCount
	case protocol.KindBatch:
		return stats.CmdBatch
	case protocol.KindStats:
		return stats.CmdStats
	case protocol.KindQuit:
		return stats.CmdQuit
	}
	return stats.CmdUnknown
}

func commandName(cmd stats.Command) string {
	switch cmd {
	case stats.CmdFind:
		return "FIND"
	case stats.CmdFindMulti:
		return "FINDMULTI"
	case stats.CmdCount:
		return "COUNT"
	case stats.CmdBatch:
		return "BATCH"
	case stats.CmdStats:
		return "STATS"
	case stats.CmdQuit:
		return "QUIT"
	}
	return "UNKNOWN"
}
