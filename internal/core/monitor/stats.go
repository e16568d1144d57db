package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
)

// computeStatistics summarises the records and reconnects that completed in (to-window, to].
// Every record counts as one outcome, intermediate attempts included.
func computeStatistics(records []core.CallRecord, reconnects []time.Time, window time.Duration, to time.Time) core.Statistics {
	from := to.Add(-window)
	stats := core.Statistics{
		Window:     window,
		From:       from,
		To:         to,
		ByKind:     make(map[core.ErrorKind]int),
		ByEndpoint: make(map[string]core.Endpoint),
	}

	var total time.Duration
	latencies := make([]time.Duration, 0, len(records))
	for _, rec := range records {
		end := rec.StartTime.Add(rec.Duration)
		if !end.After(from) || end.After(to) {
			continue
		}
		stats.Count++
		total += rec.Duration
		latencies = append(latencies, rec.Duration)
		if rec.Duration > stats.MaxLatency {
			stats.MaxLatency = rec.Duration
		}

		ep := stats.ByEndpoint[rec.Endpoint]
		ep.Count++
		if !rec.Success {
			stats.Failures++
			ep.Failures++
			kind := rec.ErrorKind
			if kind == "" {
				kind = core.KindUnknown
			}
			stats.ByKind[kind]++
		}
		stats.ByEndpoint[rec.Endpoint] = ep
	}

	for _, at := range reconnects {
		if at.After(from) && !at.After(to) {
			stats.Reconnects++
		}
	}

	stats.RateLimited = stats.ByKind[core.KindRateLimited]
	if stats.Count == 0 {
		return stats
	}
	stats.ErrorRate = float64(stats.Failures) / float64(stats.Count)
	stats.AvgLatency = total / time.Duration(stats.Count)
	stats.P95Latency = percentile(latencies, 0.95)
	return stats
}

// percentile returns the nearest-rank percentile of values. values is reordered.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	rank := int(math.Ceil(p*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return values[rank]
}

// TransientFailures counts timeout and network failures in s.
func TransientFailures(s core.Statistics) int {
	return s.ByKind[core.KindTimeout] + s.ByKind[core.KindNetwork]
}
