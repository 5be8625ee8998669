package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oterolabs/reqorch/adapter"
	"github.com/oterolabs/reqorch/cache"
	rerrors "github.com/oterolabs/reqorch/errors"
)

// run drives one logical request through the full state machine:
// preparing, cache-probing, queued, executing, classifying, retrying,
// and finalizing.
func (c *Client) run(ctx context.Context, req *Request) (*Response, error) {
	prepped, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	internalCtx, abort := context.WithCancelCause(ctx)
	rec := c.pending.register(prepped.ID, abort)
	defer c.pending.unregister(prepped.ID)

	// Preparing: arm a whole-lifecycle timer only when the caller
	// supplied no external signal (ctx.Done() == nil) — an external
	// signal's own deadline governs instead. Each attempt additionally
	// gets its own per-attempt timeout in attemptOnce.
	if ctx.Done() == nil && prepped.Timeout > 0 {
		timeout := prepped.Timeout
		timer := time.AfterFunc(timeout, func() {
			if rec.latchAbort(abortTimeout, "request timed out") {
				if !prepped.Metadata.IsRevalidate {
					c.bus.Emit(EventTimeout, TimeoutEvent{Request: prepped, Timeout: timeout.String()})
				}
				abort(cancelCause{source: abortTimeout, reason: "request timed out"})
			}
		})
		defer timer.Stop()
	}

	if c.cacheEligible(prepped) {
		if res, handled := c.cacheProbe(prepped); handled {
			return res, nil
		}
	} else if prepped.CacheOptions != nil && prepped.CacheOptions.ForceRefresh {
		c.applyConditionalHeaders(prepped)
	}

	return c.executeWithRetry(internalCtx, rec, prepped)
}

func (c *Client) prepare(ctx context.Context, req *Request) (*Request, error) {
	p := req.clone()
	if p.Method == "" {
		p.Method = "GET"
	}
	p.Method = strings.ToUpper(p.Method)
	p.ID = uuid.NewString()
	if p.Metadata.CreatedAt.IsZero() {
		p.Metadata.CreatedAt = time.Now()
	}

	merged := lowercaseHeaders(c.cfg.DefaultHeaders)
	for k, vs := range lowercaseHeaders(p.Headers) {
		merged[k] = vs
	}
	p.Headers = merged

	p.URL = c.buildURL(p.URL)
	if err := validateURL(p.URL); err != nil {
		return nil, err
	}

	if p.Timeout <= 0 {
		p.Timeout = c.cfg.Timeout
	}
	if p.ValidateStatus == nil {
		p.ValidateStatus = c.cfg.ValidateStatus
	}

	transformed, err := c.interceptors.RunRequest(ctx, p)
	if err != nil {
		return nil, requestIDError(p, err)
	}
	if tr, ok := transformed.(*Request); ok {
		p = tr
	}
	return p, nil
}

func (c *Client) cacheEligible(req *Request) bool {
	if !c.cfg.EnableCache {
		return false
	}
	if !strings.EqualFold(req.Method, "GET") {
		return false
	}
	if req.CacheOptions != nil && (req.CacheOptions.IgnoreCache || req.CacheOptions.ForceRefresh) {
		return false
	}
	return true
}

func (c *Client) cacheProbe(req *Request) (*Response, bool) {
	key := req.CacheKey
	if key == "" {
		key = cache.GenerateKey(toCacheRequest(req), nil)
		req.CacheKey = key
	}

	entry, freshness := c.cache.Freshness(key)
	switch freshness {
	case cache.Fresh:
		c.metrics.RecordCacheHit()
		c.bus.Emit(EventCacheHit, CacheEvent{Key: key, Request: req})
		return synthesizeResponse(req, entry, true, 0), true
	case cache.Stale:
		c.metrics.RecordCacheStale()
		c.bus.Emit(EventCacheStale, CacheEvent{Key: key, Request: req})
		if c.revalidateOnStale(req) {
			c.triggerRevalidation(key, req, entry)
		}
		return synthesizeResponse(req, entry, true, 0), true
	default: // Miss, Expired
		c.metrics.RecordCacheMiss()
		c.bus.Emit(EventCacheMiss, CacheEvent{Key: key, Request: req})
		return nil, false
	}
}

func (c *Client) revalidateOnStale(req *Request) bool {
	if req.CacheOptions != nil && req.CacheOptions.RevalidateOnStale != nil {
		return *req.CacheOptions.RevalidateOnStale
	}
	return true
}

// triggerRevalidation kicks a background refresh for key, deduplicated
// per key by the cache store's singleflight group. A failed
// revalidation (non-2xx, non-304, or transport error) leaves the
// existing stale entry untouched (spec.md §8 ambiguity (c), resolved in
// DESIGN.md).
func (c *Client) triggerRevalidation(key string, req *Request, entry *cache.Entry) {
	go func() {
		_, _, _ = c.cache.Revalidate(key, func() (*cache.Entry, error) {
			revalReq := &Request{
				Method:         req.Method,
				URL:            req.URL,
				Headers:        cloneHeaders(req.Headers),
				CacheKey:       key,
				CacheOptions:   &CacheOptions{ForceRefresh: true},
				Metadata:       Metadata{IsRevalidate: true},
				ValidateStatus: req.ValidateStatus,
			}

			res, err := c.run(context.Background(), revalReq)
			if err != nil {
				return entry, err
			}

			if res.Status != 304 && !cache.ShouldCache(toCacheRequest(revalReq), toCacheResponseView(res)) {
				return entry, nil
			}
			ttl := cache.GetTTL(toCacheResponseView(res), c.resolveCacheTTL(req))

			var merged *cache.Entry
			if res.Status == 304 {
				merged = cache.Merge304(entry, res.Headers, ttl)
			} else {
				merged = &cache.Entry{
					Status:               res.Status,
					Data:                 res.Body,
					Headers:              res.Headers,
					ETag:                 res.ETag,
					LastModified:         res.LastModified,
					Expires:              time.Now().Add(ttl),
					StaleWhileRevalidate: cache.GetStaleWhileRevalidate(toCacheResponseView(res)),
					Timestamp:            time.Now(),
				}
			}
			c.cache.Set(key, merged)
			c.bus.Emit(EventCacheSet, CacheEvent{Key: key, Request: revalReq})
			return merged, nil
		})
	}()
}

func (c *Client) applyConditionalHeaders(req *Request) {
	if !c.cfg.EnableConditionalRequests {
		return
	}
	if !strings.EqualFold(req.Method, "GET") {
		return
	}
	key := req.CacheKey
	if key == "" {
		key = cache.GenerateKey(toCacheRequest(req), nil)
		req.CacheKey = key
	}
	entry, ok := c.cache.Get(key)
	if !ok {
		return
	}
	for k, vs := range cache.ConditionalHeaders(entry) {
		for _, v := range vs {
			req.Headers.Add(k, v)
		}
	}
}

func (c *Client) resolveCacheTTL(req *Request) time.Duration {
	if req.CacheOptions != nil && req.CacheOptions.TTL > 0 {
		return req.CacheOptions.TTL
	}
	return c.cfg.DefaultCacheTTL
}

// executeWithRetry runs the Queued -> Executing -> Classifying ->
// (retry-waiting -> Queued)* portion of the state machine.
func (c *Client) executeWithRetry(ctx context.Context, rec *pendingRecord, req *Request) (*Response, error) {
	policy := c.resolveRetryPolicy(req)

	for attempt := 0; ; attempt++ {
		req.retryCount = attempt

		res, err := c.attemptOnce(ctx, rec, req)
		if err == nil {
			return c.finalizeSuccess(rec, req, res)
		}

		if source := c.classifyAbort(ctx, rec); source != abortNone {
			return c.finalizeAbort(rec, req, source)
		}

		if !policy.shouldRetryError(req, err, attempt+1) {
			if attempt > 0 {
				c.bus.Emit(EventRetryFailed, RetryEvent{Request: req, Attempt: attempt, Err: err})
			}
			return c.finalizeError(rec, req, err)
		}

		c.metrics.RecordRetry()
		n := attempt + 1
		c.bus.Emit(EventRetryAttempt, RetryEvent{Request: req, Attempt: n, Err: err})

		if aborted := c.sleep(ctx, policy.backoffDelay()); aborted {
			if source := c.classifyAbort(ctx, rec); source != abortNone {
				return c.finalizeAbort(rec, req, source)
			}
		}
	}
}

// attemptOnce runs a single Queued+Executing cycle: acquire a permit,
// invoke the adapter under a per-attempt timeout, run response
// interceptors, apply the 304/validateStatus/cache-write policy.
func (c *Client) attemptOnce(ctx context.Context, rec *pendingRecord, req *Request) (*Response, error) {
	permit, err := c.queue.Acquire(ctx)
	if err != nil {
		return nil, c.reclassify(ctx, rec, err)
	}
	defer permit.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if !req.Metadata.IsRevalidate && rec.startEmitted.CompareAndSwap(false, true) {
		c.metrics.RecordRequestStart()
		c.bus.Emit(EventRequestStart, RequestEvent{Request: req})
	}

	start := time.Now()
	adapterRes, sendErr := c.cfg.Adapter.Send(attemptCtx, toAdapterRequest(req))
	duration := time.Since(start)
	if sendErr != nil {
		return nil, c.reclassifyAttempt(ctx, attemptCtx, rec, sendErr)
	}

	transformed, ierr := c.interceptors.RunResponse(attemptCtx, adapterRes)
	if ierr != nil {
		return nil, rerrors.Wrap(rerrors.KindValidation, ierr, "onResponse interceptor failed")
	}
	if tr, ok := transformed.(*adapter.Response); ok {
		adapterRes = tr
	}

	if adapterRes.Status == 304 && c.cfg.EnableConditionalRequests {
		if entry, ok := c.cache.Get(req.CacheKey); ok {
			ttl := cache.GetTTL(cache.Response{Status: adapterRes.Status, Headers: adapterRes.Headers}, c.resolveCacheTTL(req))
			merged := cache.Merge304(entry, adapterRes.Headers, ttl)
			c.cache.Set(req.CacheKey, merged)
			c.bus.Emit(EventCacheSet, CacheEvent{Key: req.CacheKey, Request: req})
			return synthesizeResponse(req, merged, false, duration), nil
		}
	}

	res := &Response{
		Request:      req,
		Status:       adapterRes.Status,
		Headers:      adapterRes.Headers,
		Body:         adapterRes.Body,
		Duration:     duration,
		ETag:         adapterRes.Headers.Get("ETag"),
		LastModified: adapterRes.Headers.Get("Last-Modified"),
		RetryCount:   req.retryCount,
	}

	validate := req.ValidateStatus
	if validate == nil {
		validate = c.cfg.ValidateStatus
	}
	if !validate(res.Status) {
		return res, rerrors.HTTPStatus(res.Status, "response failed validateStatus")
	}

	if c.cfg.EnableCache && cache.ShouldCache(toCacheRequest(req), toCacheResponseView(res)) {
		key := req.CacheKey
		if key == "" {
			key = cache.GenerateKey(toCacheRequest(req), nil)
			req.CacheKey = key
		}
		ttl := cache.GetTTL(toCacheResponseView(res), c.resolveCacheTTL(req))
		entry := &cache.Entry{
			Status:               res.Status,
			Data:                 res.Body,
			Headers:              res.Headers,
			ETag:                 res.ETag,
			LastModified:         res.LastModified,
			Expires:              time.Now().Add(ttl),
			StaleWhileRevalidate: cache.GetStaleWhileRevalidate(toCacheResponseView(res)),
			Timestamp:            time.Now(),
		}
		c.cache.Set(key, entry)
		c.bus.Emit(EventCacheSet, CacheEvent{Key: key, Request: req})
	}

	return res, nil
}

// classifyAbort reports the cancellation source if ctx is done,
// latching abortExternal the first time an unexplained (caller-signal)
// cancellation is observed.
func (c *Client) classifyAbort(ctx context.Context, rec *pendingRecord) abortSource {
	if ctx.Err() == nil {
		return abortNone
	}
	if existing := rec.abortedBy(); existing != abortNone {
		return existing
	}
	rec.latchAbort(abortExternal, "external signal aborted")
	return abortExternal
}

// reclassify maps err to CANCELED/TIMEOUT when ctx shows an abort has
// occurred (spec.md §7), leaving every other error's own Kind intact.
func (c *Client) reclassify(ctx context.Context, rec *pendingRecord, err error) error {
	switch c.classifyAbort(ctx, rec) {
	case abortTimeout:
		return rerrors.Wrap(rerrors.KindTimeout, err, "request timed out")
	case abortUser, abortExternal:
		return rerrors.Wrap(rerrors.KindCanceled, err, "request canceled")
	default:
		return err
	}
}

// reclassifyAttempt distinguishes a deadline fired by the per-attempt
// context.WithTimeout from a parent-level abort (user cancel, external
// signal, or the whole-lifecycle timeout timer). parentCtx is only Done
// when one of those has fired, since attemptCtx is a child of it; if
// parentCtx is still live but attemptCtx is Done, only this attempt's
// own deadline expired, which is TIMEOUT and must not latch rec — the
// request is still retryable and later attempts get a fresh deadline.
func (c *Client) reclassifyAttempt(parentCtx, attemptCtx context.Context, rec *pendingRecord, err error) error {
	if parentCtx.Err() != nil {
		return c.reclassify(parentCtx, rec, err)
	}
	if attemptCtx.Err() != nil {
		return rerrors.Wrap(rerrors.KindTimeout, err, "request timed out")
	}
	return err
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

func (c *Client) endMetricsIfStarted(rec *pendingRecord) {
	if rec.startEmitted.Load() {
		c.metrics.RecordRequestEnd()
	}
}

func (c *Client) finalizeSuccess(rec *pendingRecord, req *Request, res *Response) (*Response, error) {
	if !req.Metadata.IsRevalidate {
		c.metrics.RecordSuccess()
		c.endMetricsIfStarted(rec)
		c.bus.Emit(EventResponseSuccess, ResponseEvent{Request: req, Response: res})
		c.bus.Emit(EventRequestEnd, RequestEvent{Request: req, Response: res})
	}
	return res, nil
}

func (c *Client) finalizeError(rec *pendingRecord, req *Request, err error) (*Response, error) {
	err = requestIDError(req, err)
	c.interceptors.RunError(context.Background(), err)
	if !req.Metadata.IsRevalidate {
		c.metrics.RecordError()
		c.endMetricsIfStarted(rec)
		c.bus.Emit(EventResponseError, ResponseEvent{Request: req, Err: err})
		if k := rerrors.KindOf(err); k == rerrors.KindNetworkError || k == rerrors.KindRequestSendFailed {
			c.bus.Emit(EventConnectionError, ConnectionErrorEvent{Request: req, Err: err})
		}
		c.bus.Emit(EventRequestEnd, RequestEvent{Request: req, Err: err})
	}
	return nil, err
}

// finalizeAbort finalizes a canceled or timed-out request. CANCELED
// never runs onError interceptors and never emits response:error (spec
// §7); TIMEOUT is a normal terminal error that does both.
func (c *Client) finalizeAbort(rec *pendingRecord, req *Request, source abortSource) (*Response, error) {
	reason := rec.reasonString()

	if source == abortTimeout {
		err := requestIDError(req, rerrors.New(rerrors.KindTimeout, reason))
		c.interceptors.RunError(context.Background(), err)
		if !req.Metadata.IsRevalidate {
			c.metrics.RecordTimeout()
			c.endMetricsIfStarted(rec)
			c.bus.Emit(EventResponseError, ResponseEvent{Request: req, Err: err})
			c.bus.Emit(EventRequestEnd, RequestEvent{Request: req, Err: err})
		}
		return nil, err
	}

	err := requestIDError(req, rerrors.New(rerrors.KindCanceled, reason))
	if !req.Metadata.IsRevalidate {
		c.endMetricsIfStarted(rec)
		if rec.canceledEmitted.CompareAndSwap(false, true) {
			c.bus.Emit(EventRequestCanceled, RequestEvent{Request: req, Reason: reason})
		}
		c.bus.Emit(EventRequestEnd, RequestEvent{Request: req, Err: err})
	}
	return nil, err
}

func synthesizeResponse(req *Request, entry *cache.Entry, fromCache bool, duration time.Duration) *Response {
	return &Response{
		Request:        req,
		Status:         entry.Status,
		Headers:        entry.Headers,
		Body:           entry.Data,
		Duration:       duration,
		FromCache:      fromCache,
		CacheTimestamp: entry.Timestamp,
		ETag:           entry.ETag,
		LastModified:   entry.LastModified,
		RetryCount:     req.retryCount,
	}
}

func toCacheRequest(req *Request) cache.Request {
	return cache.Request{Method: req.Method, URL: req.URL, Headers: req.Headers}
}

func toCacheResponseView(res *Response) cache.Response {
	return cache.Response{Status: res.Status, Headers: res.Headers}
}
