package stats

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type requestMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Int64Histogram
	connections     metric.Int64Counter
	connActive      metric.Int64UpDownCounter
	connRejections  metric.Int64Counter
}

// EnableOTel attaches OpenTelemetry instruments to the collector. Without it
// the collector only keeps its in-process counters.
func (c *Collector) EnableOTel(logger pslog.Logger) {
	meter := otel.Meter("pkt.systems/wordd/stats")
	m := &requestMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"wordd.requests",
		metric.WithDescription("Requests handled by command and result"),
	)
	logMetricInitError(logger, "wordd.requests", err)

	m.requestDuration, err = meter.Int64Histogram(
		"wordd.request.duration_ms",
		metric.WithDescription("Request handling duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "wordd.request.duration_ms", err)

	m.connections, err = meter.Int64Counter(
		"wordd.connections",
		metric.WithDescription("Accepted client connections"),
	)
	logMetricInitError(logger, "wordd.connections", err)

	m.connActive, err = meter.Int64UpDownCounter(
		"wordd.connections.active",
		metric.WithDescription("Currently open client connections"),
	)
	logMetricInitError(logger, "wordd.connections.active", err)

	m.connRejections, err = meter.Int64Counter(
		"wordd.connections.rejected",
		metric.WithDescription("Connections refused at the connection cap"),
	)
	logMetricInitError(logger, "wordd.connections.rejected", err)

	c.mu.Lock()
	c.otel = m
	c.mu.Unlock()
}

func (m *requestMetrics) connOpened() {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.connections != nil {
		m.connections.Add(ctx, 1)
	}
	if m.connActive != nil {
		m.connActive.Add(ctx, 1)
	}
}

func (m *requestMetrics) connClosed() {
	if m == nil || m.connActive == nil {
		return
	}
	m.connActive.Add(context.Background(), -1)
}

func (m *requestMetrics) connRejected() {
	if m == nil || m.connRejections == nil {
		return
	}
	m.connRejections.Add(context.Background(), 1)
}

func (m *requestMetrics) request(cmd Command, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("wordd.command", commandLabel(cmd)),
		attribute.String("wordd.result", statusLabel(status)),
	}
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func commandLabel(cmd Command) string {
	switch cmd {
	case CmdFind:
		return "find"
	case CmdFindMulti:
		return "find_multi"
	case CmdCount:
		return "count"
	case CmdBatch:
		return "batch"
	case CmdStats:
		return "stats"
	case CmdQuit:
		return "quit"
	}
	return "unknown"
}

func statusLabel(status Status) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBadRequest:
		return "bad_request"
	case StatusServerError:
		return "server_error"
	}
	return "unknown"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
