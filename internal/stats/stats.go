// Package stats collects per-server request counters and latency buckets and
// serves them to the STATS command and the telemetry exporters.
package stats

import (
	"sync"
	"time"
)

// latencyBucketBoundsMs are the upper bounds of the request latency buckets.
var latencyBucketBoundsMs = []int64{1, 5, 10, 50, 100, 500, 1000}

// Snapshot is an immutable copy of the collector state, in the order the
// STATS command reports it.
type Snapshot struct {
	ConnectionsTotal   uint64
	ConnectionsActive  int64
	ConnectionsBusy    uint64
	RequestsTotal      uint64
	FindRequests       uint64
	FindMultiRequests  uint64
	CountRequests      uint64
	BatchRequests      uint64
	StatsRequests      uint64
	ResponsesOK        uint64
	ResponsesNotFound  uint64
	ResponsesBadReq    uint64
	ResponsesError     uint64
	LatencyBuckets     [8]uint64 // lt_1ms .. lt_1000ms, ge_1000ms
	AvgLatencyMs       float64
	LastLatencyMs      float64
	ErrorRate          float64
	CorpusWords        int
	UptimeSeconds      float64
	MemoryRSSBytes     uint64
	CPUPercent         float64
	WildcardsTightened bool
}

// Field is one STATS body line.
type Field struct {
	Name  string
	Value string
}

// Collector accumulates counters. All methods are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	started time.Time

	connectionsTotal  uint64
	connectionsActive int64
	connectionsBusy   uint64

	requestsTotal     uint64
	findRequests      uint64
	findMultiRequests uint64
	countRequests     uint64
	batchRequests     uint64
	statsRequests     uint64

	responsesOK       uint64
	responsesNotFound uint64
	responsesBadReq   uint64
	responsesError    uint64

	latencyBuckets [8]uint64
	latencySumMs   float64
	latencyCount   uint64
	lastLatencyMs  float64

	otel *requestMetrics
}

// New returns a collector with the uptime clock started.
func New() *Collector {
	return &Collector{started: time.Now()}
}

// Command identifies a request type for accounting.
type Command int

// Commands tracked by the collector.
const (
	CmdFind Command = iota
	CmdFindMulti
	CmdCount
	CmdBatch
	CmdStats
	CmdQuit
	CmdUnknown
)

// Status classifies a response for accounting.
type Status int

// Response classes tracked by the collector.
const (
	StatusOK Status = iota
	StatusNotFound
	StatusBadRequest
	StatusServerError
)

// ConnOpened records an accepted connection.
func (c *Collector) ConnOpened() {
	c.mu.Lock()
	c.connectionsTotal++
	c.connectionsActive++
	m := c.otel
	c.mu.Unlock()
	m.connOpened()
}

// ConnClosed records a connection teardown.
func (c *Collector) ConnClosed() {
	c.mu.Lock()
	c.connectionsActive--
	m := c.otel
	c.mu.Unlock()
	m.connClosed()
}

// ConnRejected records a connection refused at the connection cap.
func (c *Collector) ConnRejected() {
	c.mu.Lock()
	c.connectionsBusy++
	m := c.otel
	c.mu.Unlock()
	m.connRejected()
}

// Request records one completed request with its latency and outcome.
func (c *Collector) Request(cmd Command, status Status, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	c.mu.Lock()
	c.requestsTotal++
	switch cmd {
	case CmdFind:
		c.findRequests++
	case CmdFindMulti:
		c.findMultiRequests++
	case CmdCount:
		c.countRequests++
	case CmdBatch:
		c.batchRequests++
	case CmdStats:
		c.statsRequests++
	}
	switch status {
	case StatusOK:
		c.responsesOK++
	case StatusNotFound:
		c.responsesNotFound++
	case StatusBadRequest:
		c.responsesBadReq++
	case StatusServerError:
		c.responsesError++
	}
	c.latencyBuckets[bucketIndex(ms)]++
	c.latencySumMs += ms
	c.latencyCount++
	c.lastLatencyMs = ms
	m := c.otel
	c.mu.Unlock()
	m.request(cmd, status, elapsed)
}

func bucketIndex(ms float64) int {
	for i, bound := range latencyBucketBoundsMs {
		if ms < float64(bound) {
			return i
		}
	}
	return len(latencyBucketBoundsMs)
}

// Snapshot copies the current counters. Gauge-like fields (corpus size,
// memory, CPU, tightened flag) are supplied by the caller since the collector
// does not own them.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ConnectionsTotal:  c.connectionsTotal,
		ConnectionsActive: c.connectionsActive,
		ConnectionsBusy:   c.connectionsBusy,
		RequestsTotal:     c.requestsTotal,
		FindRequests:      c.findRequests,
		FindMultiRequests: c.findMultiRequests,
		CountRequests:     c.countRequests,
		BatchRequests:     c.batchRequests,
		StatsRequests:     c.statsRequests,
		ResponsesOK:       c.responsesOK,
		ResponsesNotFound: c.responsesNotFound,
		ResponsesBadReq:   c.responsesBadReq,
		ResponsesError:    c.responsesError,
		LatencyBuckets:    c.latencyBuckets,
		LastLatencyMs:     c.lastLatencyMs,
		UptimeSeconds:     time.Since(c.started).Seconds(),
	}
	if c.latencyCount > 0 {
		snap.AvgLatencyMs = c.latencySumMs / float64(c.latencyCount)
	}
	if c.requestsTotal > 0 {
		snap.ErrorRate = float64(c.responsesBadReq+c.responsesError) / float64(c.requestsTotal)
	}
	return snap
}
