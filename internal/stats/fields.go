package stats

import "strconv"

// Fields renders the snapshot as STATS body lines in reporting order.
func (s Snapshot) Fields() []Field {
	fields := []Field{
		{"uptime_seconds", formatFloat(s.UptimeSeconds)},
		{"corpus_words", strconv.Itoa(s.CorpusWords)},
		{"connections_total", formatUint(s.ConnectionsTotal)},
		{"connections_active", strconv.FormatInt(s.ConnectionsActive, 10)},
		{"connections_rejected", formatUint(s.ConnectionsBusy)},
		{"requests_total", formatUint(s.RequestsTotal)},
		{"requests_find", formatUint(s.FindRequests)},
		{"requests_find_multi", formatUint(s.FindMultiRequests)},
		{"requests_count", formatUint(s.CountRequests)},
		{"requests_batch", formatUint(s.BatchRequests)},
		{"requests_stats", formatUint(s.StatsRequests)},
		{"responses_ok", formatUint(s.ResponsesOK)},
		{"responses_not_found", formatUint(s.ResponsesNotFound)},
		{"responses_bad_request", formatUint(s.ResponsesBadReq)},
		{"responses_server_error", formatUint(s.ResponsesError)},
	}
	bucketNames := []string{
		"latency_lt_1ms", "latency_lt_5ms", "latency_lt_10ms", "latency_lt_50ms",
		"latency_lt_100ms", "latency_lt_500ms", "latency_lt_1000ms", "latency_ge_1000ms",
	}
	for i, name := range bucketNames {
		fields = append(fields, Field{name, formatUint(s.LatencyBuckets[i])})
	}
	fields = append(fields,
		Field{"latency_avg_ms", formatFloat(s.AvgLatencyMs)},
		Field{"latency_last_ms", formatFloat(s.LastLatencyMs)},
		Field{"error_rate", formatFloat(s.ErrorRate)},
		Field{"memory_rss_bytes", formatUint(s.MemoryRSSBytes)},
		Field{"cpu_percent", formatFloat(s.CPUPercent)},
		Field{"wildcards_tightened", strconv.FormatBool(s.WildcardsTightened)},
	)
	return fields
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
