// Package memguard samples the process RSS and CPU usage and reports memory
// pressure against a configured soft limit. Under pressure the server tightens
// its wildcard budgets until usage drops back below the limit.
package memguard

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/svcfields"
)

// DefaultCheckInterval is the sampling cadence when none is configured.
const DefaultCheckInterval = 5 * time.Second

// Config configures a Guard.
type Config struct {
	// SoftLimitBytes is the RSS threshold that marks pressure. Zero disables
	// pressure detection; the guard still samples usage for stats.
	SoftLimitBytes uint64
	// CheckInterval is how often to sample. Zero means DefaultCheckInterval.
	CheckInterval time.Duration
	// Logger receives state transitions. Nil means no logging.
	Logger pslog.Logger
}

// Guard periodically samples process memory and CPU usage. All accessors are
// safe for concurrent use with the sampling loop.
type Guard struct {
	proc     *process.Process
	limit    uint64
	interval time.Duration
	log      pslog.Logger

	pressure atomic.Bool
	rss      atomic.Uint64
	cpu      atomic.Uint64 // CPU percent * 100

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a guard bound to the current process.
func New(cfg Config) (*Guard, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("memguard: attach to process: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.NoopLogger()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Guard{
		proc:     proc,
		limit:    cfg.SoftLimitBytes,
		interval: interval,
		log:      svcfields.WithSubsystem(log, "memguard"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the sampling loop. It samples once synchronously so callers
// observe fresh values immediately after Start returns.
func (g *Guard) Start(ctx context.Context) {
	g.sample()
	go g.run(ctx)
}

// Stop terminates the sampling loop and waits for it to exit.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
	})
}

// UnderPressure reports whether the last sample exceeded the soft limit.
func (g *Guard) UnderPressure() bool {
	return g.pressure.Load()
}

// RSSBytes returns the last sampled resident set size.
func (g *Guard) RSSBytes() uint64 {
	return g.rss.Load()
}

// CPUPercent returns the last sampled process CPU usage.
func (g *Guard) CPUPercent() float64 {
	return float64(g.cpu.Load()) / 100
}

func (g *Guard) run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	mem, err := g.proc.MemoryInfo()
	if err != nil {
		g.log.Warn("memguard.sample_failed", "error", err)
		return
	}
	g.rss.Store(mem.RSS)
	if cpu, err := g.proc.CPUPercent(); err == nil {
		g.cpu.Store(uint64(cpu * 100))
	}
	if g.limit == 0 {
		return
	}
	over := mem.RSS > g.limit
	if g.pressure.CompareAndSwap(!over, over) {
		if over {
			g.log.Warn("memguard.pressure_entered", "rss_bytes", mem.RSS, "soft_limit_bytes", g.limit)
		} else {
			g.log.Info("memguard.pressure_cleared", "rss_bytes", mem.RSS, "soft_limit_bytes", g.limit)
		}
	}
}
