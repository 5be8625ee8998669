// Package metrics implements the request manager's metrics collector:
// counters and gauges updated at lifecycle points, with a point-in-time
// snapshot on demand.
//
// Design Notes:
//   - Backed by prometheus client_golang counters/gauges rather than
//     hand-rolled atomics, so the same values can be scraped by a real
//     Prometheus registry if the caller chooses to register Collector's
//     registry, while GetSnapshot() still returns the plain struct
//     shape callers expect without pulling in a scrape endpoint.
//   - Queue gauges mirror the bounded queue's own stats stream rather
//     than being written to it directly, keeping the queue free of a
//     metrics dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// RequestsSnapshot mirrors the per-lifecycle request counters.
type RequestsSnapshot struct {
	Total   int64
	Active  int64
	Success int64
	Error   int64
	Timeout int64
	Retry   int64
}

// CacheSnapshot mirrors cache hit/miss/stale/size counters.
type CacheSnapshot struct {
	Hit   int64
	Miss  int64
	Stale int64
	Size  int64
}

// QueueSnapshot mirrors the bounded queue's current state.
type QueueSnapshot struct {
	Length int64
	Active int64
	Pending int64
}

// Snapshot is the full metrics payload, matching the external metrics
// contract: {requests, cache, queue}.
type Snapshot struct {
	Requests RequestsSnapshot
	Cache    CacheSnapshot
	Queue    QueueSnapshot
}

// Collector tracks request, cache, and queue metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   prometheus.Counter
	requestsActive  prometheus.Gauge
	requestsSuccess prometheus.Counter
	requestsError   prometheus.Counter
	requestsTimeout prometheus.Counter
	requestsRetry   prometheus.Counter

	cacheHit   prometheus.Counter
	cacheMiss  prometheus.Counter
	cacheStale prometheus.Counter
	cacheSize  prometheus.Gauge

	queueLength  prometheus.Gauge
	queueActive  prometheus.Gauge
	queuePending prometheus.Gauge
}

// New creates a metrics collector with its own private registry (never
// the global default registry, so multiple Clients in one process don't
// collide on metric names).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal:   prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_requests_total"}),
		requestsActive:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "reqorch_requests_active"}),
		requestsSuccess: prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_requests_success_total"}),
		requestsError:   prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_requests_error_total"}),
		requestsTimeout: prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_requests_timeout_total"}),
		requestsRetry:   prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_requests_retry_total"}),
		cacheHit:   prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_cache_hit_total"}),
		cacheMiss:  prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_cache_miss_total"}),
		cacheStale: prometheus.NewCounter(prometheus.CounterOpts{Name: "reqorch_cache_stale_total"}),
		cacheSize:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "reqorch_cache_size"}),
		queueLength:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "reqorch_queue_length"}),
		queueActive:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "reqorch_queue_active"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{Name: "reqorch_queue_pending"}),
	}

	reg.MustRegister(
		c.requestsTotal, c.requestsActive, c.requestsSuccess, c.requestsError, c.requestsTimeout, c.requestsRetry,
		c.cacheHit, c.cacheMiss, c.cacheStale, c.cacheSize,
		c.queueLength, c.queueActive, c.queuePending,
	)

	return c
}

// Registry exposes the private Prometheus registry so a caller can mount
// it behind its own /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordRequestStart() {
	c.requestsTotal.Inc()
	c.requestsActive.Inc()
}

func (c *Collector) RecordRequestEnd() {
	c.requestsActive.Dec()
}

func (c *Collector) RecordSuccess()        { c.requestsSuccess.Inc() }
func (c *Collector) RecordError()          { c.requestsError.Inc() }
func (c *Collector) RecordTimeout()        { c.requestsTimeout.Inc() }
func (c *Collector) RecordRetry()          { c.requestsRetry.Inc() }
func (c *Collector) RecordCacheHit()       { c.cacheHit.Inc() }
func (c *Collector) RecordCacheMiss()      { c.cacheMiss.Inc() }
func (c *Collector) RecordCacheStale()     { c.cacheStale.Inc() }
func (c *Collector) SetCacheSize(size int) { c.cacheSize.Set(clampNonNegative(float64(size))) }

// SetQueueStats mirrors the bounded queue's current stats snapshot.
func (c *Collector) SetQueueStats(length, active, pending int) {
	c.queueLength.Set(clampNonNegative(float64(length)))
	c.queueActive.Set(clampNonNegative(float64(active)))
	c.queuePending.Set(clampNonNegative(float64(pending)))
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// GetSnapshot returns the current metrics as a plain struct.
func (c *Collector) GetSnapshot() Snapshot {
	return Snapshot{
		Requests: RequestsSnapshot{
			Total:   int64(readCounter(c.requestsTotal)),
			Active:  int64(readGauge(c.requestsActive)),
			Success: int64(readCounter(c.requestsSuccess)),
			Error:   int64(readCounter(c.requestsError)),
			Timeout: int64(readCounter(c.requestsTimeout)),
			Retry:   int64(readCounter(c.requestsRetry)),
		},
		Cache: CacheSnapshot{
			Hit:   int64(readCounter(c.cacheHit)),
			Miss:  int64(readCounter(c.cacheMiss)),
			Stale: int64(readCounter(c.cacheStale)),
			Size:  int64(readGauge(c.cacheSize)),
		},
		Queue: QueueSnapshot{
			Length:  int64(readGauge(c.queueLength)),
			Active:  int64(readGauge(c.queueActive)),
			Pending: int64(readGauge(c.queuePending)),
		},
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
