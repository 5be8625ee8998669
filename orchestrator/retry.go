package orchestrator

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	rerrors "github.com/oterolabs/reqorch/errors"
)

var defaultRetryableStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// expJitterBackOff implements backoff.BackOff with this module's own
// delay formula (spec.md §4.5: base*2^(n-1) + j, j = base*jitter*U(-1,1))
// rather than the library's ExponentialBackOff, whose randomization
// widens proportionally to the current interval and so computes a
// different number for n > 1. Wiring the library's BackOff interface
// still lets this policy plug into backoff.Retry/backoff.RetryNotify if
// a future caller wants that instead of the orchestrator's own loop.
type expJitterBackOff struct {
	base   time.Duration
	jitter float64
	n      int
}

var _ backoff.BackOff = (*expJitterBackOff)(nil)

func (b *expJitterBackOff) NextBackOff() time.Duration {
	b.n++
	return computeBackoffDelay(b.base, b.jitter, b.n)
}

func (b *expJitterBackOff) Reset() { b.n = 0 }

// computeBackoffDelay implements delay = base*2^(n-1) + j, j =
// base*jitter*U(-1,1), clamped to >= 0, for the 1-indexed attempt n.
func computeBackoffDelay(base time.Duration, jitter float64, n int) time.Duration {
	exp := float64(base) * pow2(n-1)
	jitterSpan := float64(base) * jitter
	j := jitterSpan * (2*rand.Float64() - 1)
	delay := exp + j
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// retryPolicy resolves per-request retry options against the client's
// defaults.
type retryPolicy struct {
	maxRetries  int
	backOff     backoff.BackOff
	shouldRetry func(req *Request, err error) bool
}

func (c *Client) resolveRetryPolicy(req *Request) retryPolicy {
	base := c.cfg.RetryDelay
	jitter := c.cfg.RetryDelayJitter
	p := retryPolicy{maxRetries: c.cfg.MaxRetries}

	if ro := req.RetryOptions; ro != nil {
		if ro.MaxRetries > 0 || (ro.MaxRetries == 0 && ro.ShouldRetry != nil) {
			p.maxRetries = ro.MaxRetries
		}
		if ro.Base > 0 {
			base = ro.Base
		}
		if ro.Jitter > 0 {
			jitter = ro.Jitter
		}
		p.shouldRetry = ro.ShouldRetry
	}

	p.backOff = &expJitterBackOff{base: base, jitter: jitter}
	return p
}

// shouldRetryError applies a custom shouldRetry hook if present, otherwise
// the default classification from spec §4.5: retry on TIMEOUT, on
// transport errors without a status, or on a default-retryable HTTP
// status, up to maxRetries attempts. CANCELED is never retried.
func (p retryPolicy) shouldRetryError(req *Request, err error, attemptsMade int) bool {
	if rerrors.IsKind(err, rerrors.KindCanceled) {
		return false
	}
	if attemptsMade > p.maxRetries {
		return false
	}
	if p.shouldRetry != nil {
		return p.shouldRetry(req, err)
	}

	kind := rerrors.KindOf(err)
	if kind == rerrors.KindTimeout {
		return true
	}
	if kind == rerrors.KindNetworkError || kind == rerrors.KindRequestSendFailed {
		return true
	}
	if kind == rerrors.KindHTTPStatus {
		if re, ok := err.(*rerrors.RequestError); ok {
			return defaultRetryableStatuses[re.Status]
		}
	}
	return false
}

// backoffDelay advances the policy's BackOff by one step. Callers must
// invoke this exactly once per retry attempt, in attempt order, since
// expJitterBackOff tracks n internally.
func (p retryPolicy) backoffDelay() time.Duration {
	return p.backOff.NextBackOff()
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}
