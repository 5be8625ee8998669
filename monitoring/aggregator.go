// Package monitoring provides a supplemental alert manager layered on top
// of the request orchestrator's event bus and metrics collector. It is not
// part of the core C1-C7 component set; it is a low-risk extension that
// turns periodic metrics:collect snapshots into threshold-based alerts,
// published back onto the same bus.
//
// Design Notes:
//   - The metrics collector's counters are cumulative for the process
//     lifetime (spec.md §6: "All counters monotonic between reset calls"),
//     so a rate (error rate, cache hit rate) has to be derived from the
//     delta between two snapshots, not read directly off a counter.
//   - The aggregator keeps a short ring buffer of recent snapshots and
//     computes rates between the oldest and newest entry in the window,
//     mirroring the teacher's sliding-window idea without reimplementing
//     its percentile-latency machinery (this module has no latency
//     histogram to aggregate; spec.md's metrics snapshot is plain
//     counters/gauges).
package monitoring

import (
	"sync"
	"time"

	"github.com/oterolabs/reqorch/metrics"
)

// snapshotEntry pairs a metrics snapshot with the time it was recorded.
type snapshotEntry struct {
	at       time.Time
	snapshot metrics.Snapshot
}

// AggregatedStats summarizes a window of snapshots into the rates alert
// rules evaluate against.
type AggregatedStats struct {
	Window time.Duration

	TotalRequests int64
	ErrorRate     float64 // errors / (successes+errors) over the window, 0 if no terminal outcomes
	TimeoutRate   float64
	RetryRate     float64 // retries / requests started over the window

	CacheHitRate float64 // hits / (hits+misses) over the window, 0 if no cache lookups
	CacheSize    int64   // latest gauge value, not a rate

	QueueActive  int64
	QueuePending int64 // latest gauge value; a sustained backlog is the saturation signal
}

// Aggregator keeps a bounded ring of recent metrics snapshots and derives
// windowed rates from them.
type Aggregator struct {
	mu      sync.Mutex
	entries []snapshotEntry
	maxLen  int
}

// NewAggregator creates an aggregator retaining up to maxLen snapshots
// (e.g. 10 snapshots at the default 30s metrics:collect cadence is a
// 5-minute window). maxLen < 2 is treated as 2, the minimum needed to
// compute any delta.
func NewAggregator(maxLen int) *Aggregator {
	if maxLen < 2 {
		maxLen = 2
	}
	return &Aggregator{maxLen: maxLen}
}

// Record appends a new snapshot, evicting the oldest once the ring is full.
func (a *Aggregator) Record(snapshot metrics.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, snapshotEntry{at: time.Now(), snapshot: snapshot})
	if len(a.entries) > a.maxLen {
		a.entries = a.entries[len(a.entries)-a.maxLen:]
	}
}

// Stats computes AggregatedStats over the current window. With fewer than
// two recorded snapshots it returns zero rates against the single latest
// snapshot's gauges.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.entries) == 0 {
		return AggregatedStats{}
	}

	latest := a.entries[len(a.entries)-1]
	oldest := a.entries[0]

	stats := AggregatedStats{
		Window:       latest.at.Sub(oldest.at),
		CacheSize:    latest.snapshot.Cache.Size,
		QueueActive:  latest.snapshot.Queue.Active,
		QueuePending: latest.snapshot.Queue.Pending,
	}

	dSuccess := latest.snapshot.Requests.Success - oldest.snapshot.Requests.Success
	dError := latest.snapshot.Requests.Error - oldest.snapshot.Requests.Error
	dTimeout := latest.snapshot.Requests.Timeout - oldest.snapshot.Requests.Timeout
	dRetry := latest.snapshot.Requests.Retry - oldest.snapshot.Requests.Retry
	dTotal := latest.snapshot.Requests.Total - oldest.snapshot.Requests.Total

	stats.TotalRequests = dTotal

	terminal := dSuccess + dError
	if terminal > 0 {
		stats.ErrorRate = float64(dError) / float64(terminal)
	}
	if dTotal > 0 {
		stats.TimeoutRate = float64(dTimeout) / float64(dTotal)
		stats.RetryRate = float64(dRetry) / float64(dTotal)
	}

	dHit := latest.snapshot.Cache.Hit - oldest.snapshot.Cache.Hit
	dMiss := latest.snapshot.Cache.Miss - oldest.snapshot.Cache.Miss
	if lookups := dHit + dMiss; lookups > 0 {
		stats.CacheHitRate = float64(dHit) / float64(lookups)
	}

	return stats
}
