// Package orchestrator implements the Request Orchestrator (spec.md
// C6): the façade that negotiates a logical request with the cache,
// gates it through a concurrency permit, drives it through the
// interceptor pipeline, executes one attempt via an adapter under
// composed cancellation, classifies the outcome, retries with backoff,
// and emits lifecycle events throughout.
//
// Design Notes:
//   - Composed cancellation is Go's native context tree: the caller's
//     ctx is the "external signal"; a child context.WithCancelCause is
//     the internal abort controller Cancel()/timeouts fire into; each
//     attempt additionally wraps that in its own context.WithTimeout
//     bounding just the adapter call (spec §4.5 Executing: "Arm a
//     timeout signal separate from the internal controller").
//   - Every mutation of shared state (pending table, cache, metrics,
//     interceptor list, event bus subscriptions) happens from the
//     calling goroutine or under its own lock; nothing here assumes a
//     single-threaded event loop the way the spec's reference runtime
//     does, since Go request handling is naturally concurrent.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oterolabs/reqorch/adapter"
	"github.com/oterolabs/reqorch/cache"
	rerrors "github.com/oterolabs/reqorch/errors"
	"github.com/oterolabs/reqorch/eventbus"
	"github.com/oterolabs/reqorch/interceptor"
	"github.com/oterolabs/reqorch/metrics"
	"github.com/oterolabs/reqorch/queue"
)

// Client is the public façade: the Request Orchestrator.
type Client struct {
	cfg          Config
	queue        *queue.Queue
	cache        *cache.Store
	bus          *eventbus.Bus
	metrics      *metrics.Collector
	interceptors *interceptor.Pipeline
	pending      *pendingTable

	queueStatsUnsub func()
	metricsStop     chan struct{}
	metricsWG       sync.WaitGroup
	destroyOnce     sync.Once
}

// New constructs a Client. The Adapter option is required; every other
// setting falls back to the documented default.
func New(opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		queue:        queue.New(cfg.ConcurrentRequests),
		cache:        cache.New(),
		bus:          eventbus.New(func(err error) { cfg.Logger.Printf("reqorch: unhandled event error: %v", err) }),
		metrics:      metrics.New(),
		interceptors: interceptor.New(),
		pending:      newPendingTable(),
	}

	statsCh, unsub := c.queue.Subscribe()
	c.queueStatsUnsub = unsub
	go func() {
		for s := range statsCh {
			c.metrics.SetQueueStats(s.Active+s.Pending, s.Active, s.Pending)
		}
	}()

	if cfg.EnableMetrics {
		c.metricsStop = make(chan struct{})
		c.metricsWG.Add(1)
		go c.runMetricsTicker()
	}

	return c, nil
}

func (c *Client) runMetricsTicker() {
	defer c.metricsWG.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.metricsStop:
			return
		case <-ticker.C:
			c.bus.Emit(EventMetricsCollect, c.metrics.GetSnapshot())
		}
	}
}

// Request submits req, running it through the full state machine:
// prepare, cache-probe, queue, execute, classify, retry, finalize. ctx
// is the caller's external cancellation signal; a nil ctx is treated as
// context.Background().
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		req = &Request{}
	}
	return c.run(ctx, req)
}

// Get issues a GET request to url.
func (c *Client) Get(ctx context.Context, u string, opts ...func(*Request)) (*Response, error) {
	return c.verb(ctx, "GET", u, nil, opts)
}

// Post issues a POST request to url with body.
func (c *Client) Post(ctx context.Context, u string, body []byte, opts ...func(*Request)) (*Response, error) {
	return c.verb(ctx, "POST", u, body, opts)
}

// Put issues a PUT request to url with body.
func (c *Client) Put(ctx context.Context, u string, body []byte, opts ...func(*Request)) (*Response, error) {
	return c.verb(ctx, "PUT", u, body, opts)
}

// Patch issues a PATCH request to url with body.
func (c *Client) Patch(ctx context.Context, u string, body []byte, opts ...func(*Request)) (*Response, error) {
	return c.verb(ctx, "PATCH", u, body, opts)
}

// Delete issues a DELETE request to url.
func (c *Client) Delete(ctx context.Context, u string, opts ...func(*Request)) (*Response, error) {
	return c.verb(ctx, "DELETE", u, nil, opts)
}

func (c *Client) verb(ctx context.Context, method, u string, body []byte, opts []func(*Request)) (*Response, error) {
	req := &Request{Method: method, URL: u, Body: body}
	for _, opt := range opts {
		opt(req)
	}
	return c.Request(ctx, req)
}

// Cancel aborts the in-flight request identified by requestID. It
// returns true the first time it successfully latches the cancellation
// for that id, and false on every subsequent call (spec.md §8,
// "Idempotence of cancel") or if no such request is pending.
func (c *Client) Cancel(requestID string, reason string) bool {
	rec, ok := c.pending.get(requestID)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "canceled by caller"
	}
	if !rec.latchAbort(abortUser, reason) {
		return false
	}
	rec.cancel(cancelCause{source: abortUser, reason: reason})
	return true
}

// CancelAll aborts every currently in-flight request.
func (c *Client) CancelAll(reason string) {
	for _, rec := range c.pending.snapshot() {
		c.Cancel(rec.id, reason)
	}
}

// Bus exposes the Client's underlying event bus, for a caller that wants
// to wire a component like monitoring.Service directly rather than
// relay through On/Once/OnAny/OnPattern one handler at a time.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

// On subscribes handler to event, returning a disposer.
func (c *Client) On(event string, handler eventbus.Handler) func() { return c.bus.On(event, handler) }

// Once subscribes handler to event for a single invocation.
func (c *Client) Once(event string, handler eventbus.Handler) func() { return c.bus.Once(event, handler) }

// OnAny subscribes handler to every emitted event.
func (c *Client) OnAny(handler eventbus.Handler) func() { return c.bus.OnAny(handler) }

// OnPattern subscribes handler to every event matching pattern ("*" or
// "prefix:*").
func (c *Client) OnPattern(pattern string, handler eventbus.Handler, opts ...eventbus.PatternOption) (func(), error) {
	return c.bus.OnPattern(pattern, handler, opts...)
}

// UseInterceptor registers it in the interceptor pipeline, returning a
// disposer.
func (c *Client) UseInterceptor(it *interceptor.Interceptor) func() {
	return c.interceptors.Use(it)
}

// InvalidateCache removes a single cache entry by key, or every entry
// if key is empty.
func (c *Client) InvalidateCache(key string) bool {
	if key == "" {
		c.ClearCache()
		return true
	}
	removed := c.cache.Invalidate(key)
	if removed {
		c.bus.Emit(EventCacheInvalidated, CacheEvent{Key: key})
	}
	return removed
}

// ClearCache removes every cache entry.
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.bus.Emit(EventCacheClear, CacheEvent{})
}

// GetCacheStats returns the current cache occupancy.
func (c *Client) GetCacheStats() cache.Stats { return c.cache.Stats() }

// GetMetrics returns the current metrics snapshot.
func (c *Client) GetMetrics() metrics.Snapshot {
	snap := c.metrics.GetSnapshot()
	snap.Cache.Size = int64(c.cache.Stats().Size)
	return snap
}

// Destroy cancels every in-flight request, clears the cache, and
// releases every background goroutine the Client owns (the queue stats
// subscription, the metrics ticker). The Client must not be used
// afterward.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.CancelAll("client destroyed")
		c.cache.Clear()
		c.queue.Close("client destroyed")
		if c.queueStatsUnsub != nil {
			c.queueStatsUnsub()
		}
		if c.metricsStop != nil {
			close(c.metricsStop)
			c.metricsWG.Wait()
		}
	})
}

// buildURL joins the client's base URL with a (possibly already
// absolute) request path.
func (c *Client) buildURL(path string) string {
	if c.cfg.BaseURL == "" || strings.Contains(path, "://") {
		return path
	}
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

func validateURL(raw string) error {
	if raw == "" {
		return rerrors.New(rerrors.KindValidation, "url is required")
	}
	if _, err := url.Parse(raw); err != nil {
		return rerrors.Wrap(rerrors.KindValidation, err, "invalid url")
	}
	return nil
}

func toAdapterRequest(req *Request) adapter.Request {
	return adapter.Request{Method: req.Method, URL: req.URL, Headers: req.Headers, Body: req.Body}
}

func requestIDError(req *Request, err error) error {
	if re, ok := err.(*rerrors.RequestError); ok {
		return re.WithField("requestId", req.ID)
	}
	return fmt.Errorf("requestId=%s: %w", req.ID, err)
}
