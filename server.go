package wordd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/connguard"
	"pkt.systems/wordd/internal/corpus"
	"pkt.systems/wordd/internal/engine"
	"pkt.systems/wordd/internal/limits"
	"pkt.systems/wordd/internal/memguard"
	"pkt.systems/wordd/internal/protocol"
	"pkt.systems/wordd/internal/session"
	"pkt.systems/wordd/internal/stats"
	"pkt.systems/wordd/internal/svcfields"
)

// Server owns the accept loop and the shared query state: the immutable
// corpus, the limit holder, the stats collector, and the session handler.
type Server struct {
	cfg    Config
	logger pslog.Logger

	corpus    *corpus.Corpus
	engine    *engine.Engine
	limits    *limits.Holder
	watcher   *limits.Watcher
	guard     *connguard.Guard
	memGuard  *memguard.Guard
	memCancel context.CancelFunc
	collector *stats.Collector
	handler   *session.Handler
	telemetry *telemetryBundle

	listener net.Listener
	sem      chan struct{}
	sessions sync.WaitGroup

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	logger pslog.Logger
	corpus *corpus.Corpus
}

// WithLogger installs the server logger. Defaults to a noop logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// WithCorpus injects a pre-built corpus instead of loading WordlistPath.
func WithCorpus(c *corpus.Corpus) Option {
	return func(o *serverOptions) {
		o.corpus = c
	}
}

// NewServer validates cfg, loads the corpus, and wires the full stack. The
// server does not listen until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	c := o.corpus
	if c == nil {
		if cfg.WordlistPath == "" {
			return nil, fmt.Errorf("config: wordlist path is required")
		}
		var err error
		c, err = LoadWordList(cfg.WordlistPath)
		if err != nil {
			return nil, err
		}
		logger.Info("wordlist.loaded", "path", cfg.WordlistPath, "words", humanize.Comma(int64(c.Len())))
	}

	holder := limits.NewHolder(limits.Set{
		MaxPatternLength:     cfg.MaxPatternLength,
		MaxQuestionWildcards: cfg.MaxQuestionWildcards,
		MaxStarWildcards:     cfg.MaxStarWildcards,
		MaxLineBytes:         cfg.MaxLineBytes,
		RequestTimeout:       cfg.RequestTimeout,
	})

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		corpus:    c,
		limits:    holder,
		collector: stats.New(),
		readyCh:   make(chan struct{}),
	}

	if cfg.MemorySoftLimitBytes > 0 {
		mg, err := memguard.New(memguard.Config{
			SoftLimitBytes: cfg.MemorySoftLimitBytes,
			CheckInterval:  cfg.MemoryCheckInterval,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		s.memGuard = mg
	}

	var pressure engine.PressureSource
	if s.memGuard != nil {
		pressure = s.memGuard
	}
	s.engine = engine.New(c, holder, pressure)

	if cfg.LimitsFile != "" {
		w, err := limits.Watch(holder, holder.Current(), cfg.LimitsFile, logger)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}

	if cfg.GuardEnabled {
		s.guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.GuardFailureThreshold,
			FailureWindow:    cfg.GuardFailureWindow,
			BlockDuration:    cfg.GuardBlockDuration,
			ProbeTimeout:     cfg.GuardProbeTimeout,
		}, logger)
	}

	telemetry, err := setupTelemetry(context.Background(), cfg, s.StatsSnapshot, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry
	if telemetry != nil && telemetry.meterProvider != nil {
		s.collector.EnableOTel(logger)
	}

	var abuse session.AbuseReporter
	if s.guard != nil {
		abuse = s.guard
	}
	s.handler = session.NewHandler(session.Config{
		Engine:      s.engine,
		Stats:       s.collector,
		Limits:      holder,
		Logger:      logger,
		DefaultMode: cfg.Mode(),
		Serial:      cfg.Serial,
		Abuse:       abuse,
		Snapshot:    s.StatsSnapshot,
	})

	if !cfg.Serial {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s, nil
}

// StatsSnapshot merges the request counters with the server-owned gauges.
func (s *Server) StatsSnapshot() stats.Snapshot {
	snap := s.collector.Snapshot()
	snap.CorpusWords = s.corpus.Len()
	snap.WildcardsTightened = s.engine.WildcardsTightened()
	if s.memGuard != nil {
		snap.MemoryRSSBytes = s.memGuard.RSSBytes()
		snap.CPUPercent = s.memGuard.CPUPercent()
	}
	return snap
}

// Start binds the listener and blocks running the accept loop until
// Shutdown. The returned error is nil on clean shutdown.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	ln = s.guard.WrapListener(ln)
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	if s.memGuard != nil {
		var memCtx context.Context
		memCtx, s.memCancel = context.WithCancel(context.Background())
		s.memGuard.Start(memCtx)
	}

	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"serial", s.cfg.Serial,
		"default_mode", s.cfg.DefaultMode,
		"words", s.corpus.Len(),
	)

	serveErr := s.acceptLoop(ln)
	s.recordServeErr(serveErr)
	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return fmt.Errorf("accept: %w", serveErr)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if s.cfg.Serial {
			// One connection at a time, served on the accept goroutine.
			s.handler.Serve(conn)
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			s.rejectBusy(conn)
			continue
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer func() { <-s.sem }()
			s.handler.Serve(conn)
		}()
	}
}

// rejectBusy answers a connection beyond the cap and closes it.
func (s *Server) rejectBusy(conn net.Conn) {
	s.collector.ConnRejected()
	s.logger.Warn("server.busy", "remote", conn.RemoteAddr().String(), "max_connections", s.cfg.MaxConnections)
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.Busy().Encode(conn)
	conn.Close()
}

// Shutdown stops accepting, waits for running sessions up to the shutdown
// timeout, and releases telemetry and watchers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	timeout := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timeout.Stop()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown.sessions_abandoned", "error", ctx.Err())
	case <-timeout.C:
		s.logger.Warn("shutdown.sessions_abandoned", "timeout", s.cfg.ShutdownTimeout)
	}

	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.memCancel != nil {
		s.memCancel()
		s.memCancel = nil
	}
	if s.memGuard != nil {
		s.memGuard.Stop()
		s.memGuard = nil
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the terminal accept-loop error, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer constructs a server, starts it in the background, waits for
// readiness, and returns a stop function. When ctx is cancelled the server
// shuts down on its own.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCh := make(chan error, 1)
	go func() {
		readyCh <- srv.WaitUntilReady(waitCtx)
	}()
	select {
	case err := <-errCh:
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case err := <-readyCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
