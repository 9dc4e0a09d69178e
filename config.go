package wordd

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/wordd/internal/pattern"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9474"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape
	// plus /healthz). Empty disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMode is the matching mode applied when a request omits --mode on
	// the concurrent server. The serial server is always exact.
	DefaultMode = pattern.ModePartial
	// DefaultMaxPatternLength caps request patterns in bytes.
	DefaultMaxPatternLength = 1000
	// DefaultMaxQuestionWildcards caps '?' wildcards per pattern.
	DefaultMaxQuestionWildcards = 5000
	// DefaultMaxStarWildcards caps '*' wildcards per pattern.
	DefaultMaxStarWildcards = 50
	// DefaultMaxLineBytes caps the raw request line length.
	DefaultMaxLineBytes = 64 * 1024
	// DefaultMaxConnections caps simultaneous sessions on the concurrent
	// server; connections beyond the cap are answered 503 BUSY.
	DefaultMaxConnections = 512
	// DefaultRequestTimeout bounds the wait for the next request line.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown (listener close + session drain).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMemoryCheckInterval is the memory guard sampling cadence.
	DefaultMemoryCheckInterval = 5 * time.Second
	// DefaultGuardFailureThreshold is the suspicious-event count before the
	// connection guard blocks a host.
	DefaultGuardFailureThreshold = 10
	// DefaultGuardFailureWindow is the window for counting suspicious events.
	DefaultGuardFailureWindow = 10 * time.Second
	// DefaultGuardBlockDuration is how long a blocked host stays blocked.
	DefaultGuardBlockDuration = 5 * time.Minute
)

// Config carries the full server configuration. The zero value plus
// WordlistPath is usable after Validate fills in defaults.
type Config struct {
	// Listen is the server bind address (for example ":9474").
	Listen string
	// ListenProto selects the listener network (for example "tcp").
	ListenProto string
	// WordlistPath points at the UTF-8 word list loaded into the corpus.
	// Required unless the corpus is injected with WithCorpus.
	WordlistPath string
	// Serial runs the single-shot exact-only server: one connection at a
	// time, one request per connection.
	Serial bool
	// DefaultMode applies when requests omit --mode ("exact" or "partial").
	// Ignored when Serial is set.
	DefaultMode string
	// MaxPatternLength caps request patterns in bytes.
	MaxPatternLength int
	// MaxQuestionWildcards caps '?' wildcards per pattern.
	MaxQuestionWildcards int
	// MaxStarWildcards caps '*' wildcards per pattern.
	MaxStarWildcards int
	// MaxLineBytes caps the raw request line length.
	MaxLineBytes int
	// MaxConnections caps simultaneous sessions; zero means DefaultMaxConnections.
	MaxConnections int
	// RequestTimeout bounds the wait for the next request line.
	RequestTimeout time.Duration
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// LimitsFile optionally points at a YAML file with hot-reloadable limit
	// overrides. Empty disables the watcher.
	LimitsFile string
	// MetricsListen is the metrics + healthz bind address; empty disables it.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export when set (host:port, or a
	// grpc://, http://, https:// URL).
	OTLPEndpoint string
	// MemorySoftLimitBytes marks memory pressure when process RSS exceeds
	// it; under pressure wildcard budgets are halved. Zero disables.
	MemorySoftLimitBytes uint64
	// MemoryCheckInterval is the memory guard sampling cadence.
	MemoryCheckInterval time.Duration
	// GuardEnabled toggles the connection guard on the accept path.
	GuardEnabled bool
	// GuardFailureThreshold is the suspicious-event count before blocking.
	GuardFailureThreshold int
	// GuardFailureWindow is the window for counting suspicious events.
	GuardFailureWindow time.Duration
	// GuardBlockDuration is how long a blocked host stays blocked.
	GuardBlockDuration time.Duration
	// GuardProbeTimeout is the first-byte wait on new connections; zero
	// disables probing.
	GuardProbeTimeout time.Duration
}

// Validate normalizes the config in place and rejects nonsense values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	c.DefaultMode = strings.ToLower(strings.TrimSpace(c.DefaultMode))
	if c.DefaultMode == "" {
		c.DefaultMode = string(DefaultMode)
	}
	if _, ok := pattern.ParseMode(c.DefaultMode); !ok {
		return fmt.Errorf("config: default mode must be %q or %q", pattern.ModeExact, pattern.ModePartial)
	}
	if c.MaxPatternLength <= 0 {
		c.MaxPatternLength = DefaultMaxPatternLength
	}
	if c.MaxQuestionWildcards <= 0 {
		c.MaxQuestionWildcards = DefaultMaxQuestionWildcards
	}
	if c.MaxStarWildcards <= 0 {
		c.MaxStarWildcards = DefaultMaxStarWildcards
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.MaxLineBytes < c.MaxPatternLength {
		return fmt.Errorf("config: max line bytes must be >= max pattern length")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 0")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be >= 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = DefaultMemoryCheckInterval
	}
	if c.GuardEnabled {
		if c.GuardFailureThreshold <= 0 {
			c.GuardFailureThreshold = DefaultGuardFailureThreshold
		}
		if c.GuardFailureWindow <= 0 {
			c.GuardFailureWindow = DefaultGuardFailureWindow
		}
		if c.GuardBlockDuration <= 0 {
			c.GuardBlockDuration = DefaultGuardBlockDuration
		}
		if c.GuardProbeTimeout < 0 {
			return fmt.Errorf("config: guard probe timeout must be >= 0")
		}
	}
	return nil
}

// Mode returns the parsed default matching mode. Call after Validate.
func (c Config) Mode() pattern.Mode {
	mode, _ := pattern.ParseMode(c.DefaultMode)
	return mode
}
