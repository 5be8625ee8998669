// Package adapter specifies the single-attempt transport contract the
// orchestrator drives, and supplies one concrete reference
// implementation over net/http so the orchestrator can be exercised
// end-to-end without an external adapter.
//
// Design Notes:
//   - Send must honor signal via ctx cancellation and must distinguish
//     a cancellation from a network failure in the error it returns —
//     the orchestrator's classification (errors.KindCanceled vs
//     errors.KindNetworkError) depends on being able to tell them apart.
//   - Send must never mutate req: the orchestrator may retry the same
//     logical request multiple times and must see the same Request each
//     time, sans any fields interceptors clone-and-change per attempt.
package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	rerrors "github.com/oterolabs/reqorch/errors"
)

// Request is the minimal wire-level shape an adapter sends.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is the minimal wire-level shape an adapter returns.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Adapter executes a single request attempt under ctx, which the
// orchestrator derives from the composition of caller signal, timeout,
// and internal abort (spec §4.6 "single-attempt send with a combined
// cancellation token").
type Adapter interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// HTTPAdapter sends requests over a net/http.Client with tuned
// connection-pool and timeout settings.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter builds an HTTPAdapter with connection-pool and handshake
// timeouts tuned the way a long-lived client process should run them.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

// Send performs a single HTTP attempt. A context cancellation is
// reported as errors.KindCanceled; any other transport failure is
// reported as errors.KindNetworkError.
func (a *HTTPAdapter) Send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindRequestSendFailed, err, "failed to build request")
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, rerrors.Wrap(rerrors.KindCanceled, ctx.Err(), "request canceled")
		}
		return nil, rerrors.Wrap(rerrors.KindNetworkError, err, "transport error")
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, rerrors.Wrap(rerrors.KindCanceled, ctx.Err(), "request canceled while reading body")
		}
		return nil, rerrors.Wrap(rerrors.KindNetworkError, err, "failed reading response body")
	}

	return &Response{Status: res.StatusCode, Headers: res.Header, Body: data}, nil
}
