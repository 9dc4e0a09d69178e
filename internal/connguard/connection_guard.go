// Package connguard protects the accept path from abusive peers: hosts that
// repeatedly probe and disconnect without sending a request line get blocked
// for a while before any session work is spent on them.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/svcfields"
)

// Config controls connection-level protection applied before a session is
// started.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
	// ProbeTimeout is the wait for the first byte on a new connection.
	// Zero disables the probe.
	ProbeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks suspicious hosts and can wrap a listener.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	hosts  map[string]*hostState
}

// New constructs a guard with the supplied config.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 1 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// WrapListener returns a listener enforcing guard behavior. A nil or
// disabled guard returns ln unchanged.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// RecordFailure notes a suspicious event for remote and reports whether the
// host is now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.blocked",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

func (g *Guard) isBlocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Warn("connguard.unblocked", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept drops blocked and probing traffic before returning a connection.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, rejected := l.screen(conn)
		if !rejected {
			return accepted, nil
		}
		if accepted != nil {
			_ = accepted.Close()
		}
	}
}

func (l *guardedListener) screen(conn net.Conn) (net.Conn, bool) {
	remote := remoteAddress(conn)
	if l.guard.isBlocked(remote) {
		l.guard.logger.Warn("connguard.rejected", "remote", remote, "reason", "blocked")
		return conn, true
	}
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, false
	}
	// Wait briefly for a first byte; connect-and-hang scanners never send
	// one and get classified without tying up a session.
	deadline := l.guard.now().Add(l.guard.cfg.ProbeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		l.guard.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		return conn, false
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		if err == nil {
			err = io.EOF
		}
		if !errors.Is(err, net.ErrClosed) {
			l.guard.RecordFailure(remote, "zero_connect")
		}
		return conn, true
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, false
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}

// prefixedConn replays the probe byte before the underlying stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
