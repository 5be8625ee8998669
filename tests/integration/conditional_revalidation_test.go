// Package integration exercises the request orchestrator (C6) against a
// real net/http.Server over loopback TCP, using the reference
// adapter.HTTPAdapter rather than the in-process fake the orchestrator's
// own unit tests use — the scenarios here cross cache, eventbus, and
// orchestrator package boundaries the way spec.md §8's end-to-end
// scenarios are written.
package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oterolabs/reqorch/adapter"
	"github.com/oterolabs/reqorch/orchestrator"
)

// TestConditionalRevalidation drives spec.md §8 scenario 6: a GET with
// ETag + max-age=0, stale-while-revalidate=60 returns the cached body
// immediately on a second GET, emits cache:stale, and the background
// revalidation carries If-None-Match; the server's 304 is merged back
// into the cache (a second cache:set), leaving a single entry.
func TestConditionalRevalidation(t *testing.T) {
	var hits int32
	var sawConditionalHeader atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Cache-Control", "max-age=0, stale-while-revalidate=60")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"v":1}`))
			return
		}

		if r.Header.Get("If-None-Match") == `"v1"` {
			sawConditionalHeader.Store(true)
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	client, err := orchestrator.New(
		orchestrator.WithAdapter(adapter.NewHTTPAdapter()),
		orchestrator.WithCache(true),
		orchestrator.WithConditionalRequests(true),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Destroy()

	var staleFired int32
	client.On(orchestrator.EventCacheStale, func(_ context.Context, _ any) error {
		atomic.AddInt32(&staleFired, 1)
		return nil
	})

	revalidated := make(chan struct{})
	var cacheSetCount int32
	client.On(orchestrator.EventCacheSet, func(_ context.Context, _ any) error {
		if atomic.AddInt32(&cacheSetCount, 1) == 2 {
			close(revalidated)
		}
		return nil
	})

	ctx := context.Background()
	res1, err := client.Get(ctx, srv.URL+"/thing")
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if res1.FromCache {
		t.Fatal("first response should not be served from cache")
	}

	// Within the 60s stale-while-revalidate window, the entry has
	// max-age=0 so it is immediately stale (expires == write time).
	res2, err := client.Get(ctx, srv.URL+"/thing")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !res2.FromCache {
		t.Fatal("second response should be served from the stale cache entry")
	}
	if atomic.LoadInt32(&staleFired) != 1 {
		t.Fatalf("cache:stale fired %d times, want 1", staleFired)
	}

	select {
	case <-revalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background revalidation to complete")
	}

	if !sawConditionalHeader.Load() {
		t.Fatal("background revalidation did not carry If-None-Match")
	}

	stats := client.GetCacheStats()
	if stats.Size != 1 {
		t.Fatalf("cache size = %d, want 1 entry", stats.Size)
	}
}

// TestQueueSaturationCancelBeforeStart drives spec.md §8 scenario 5: on a
// saturated single-capacity queue, canceling a second, still-queued
// request emits canceled and end but never start, and never increments
// the active gauge for that request's slot.
func TestQueueSaturationCancelBeforeStart(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := orchestrator.New(
		orchestrator.WithAdapter(adapter.NewHTTPAdapter()),
		orchestrator.WithCache(false),
		orchestrator.WithConcurrentRequests(1),
		orchestrator.WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Destroy()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = client.Get(context.Background(), srv.URL+"/slow")
	}()

	// Give the first request time to occupy the sole permit.
	time.Sleep(50 * time.Millisecond)

	var starts, canceled, ends int32
	client.On(orchestrator.EventRequestStart, func(_ context.Context, _ any) error {
		atomic.AddInt32(&starts, 1)
		return nil
	})
	client.On(orchestrator.EventRequestCanceled, func(_ context.Context, _ any) error {
		atomic.AddInt32(&canceled, 1)
		return nil
	})
	client.On(orchestrator.EventRequestEnd, func(_ context.Context, _ any) error {
		atomic.AddInt32(&ends, 1)
		return nil
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = client.Get(context.Background(), srv.URL+"/slow")
	}()

	// Give the first request time to occupy the sole permit.
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		req := &orchestrator.Request{Method: "GET", URL: srv.URL + "/queued"}
		_, err := client.Request(context.Background(), req)
		secondDone <- err
	}()

	// The queue has capacity 1 and the first request holds its only
	// permit blocked on the handler, so the second request can only be
	// waiting in the queue; canceling everything in flight must cancel
	// it before it ever starts. The first request, already executing,
	// is canceled too, but its outcome isn't this test's concern.
	time.Sleep(50 * time.Millisecond)
	client.CancelAll("abandon queued work")

	select {
	case err := <-secondDone:
		if err == nil {
			t.Fatal("expected the queued request to fail with CANCELED")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the queued request to finish")
	}

	close(release)
	<-firstDone

	if atomic.LoadInt32(&starts) != 1 {
		t.Fatalf("request:start fired %d times, want 1 (only the already-executing request)", starts)
	}
	if atomic.LoadInt32(&canceled) < 1 {
		t.Fatal("expected at least one request:canceled event")
	}
	if atomic.LoadInt32(&ends) < 1 {
		t.Fatal("expected request:end for the canceled queued request")
	}
}

// TestMetricsAndMonitoringWiring verifies that repeated failures raise
// the error-rate metric, which flows through GetMetrics() and would be
// observable by the monitoring package's aggregator (exercised directly
// in monitoring's own package tests; here we confirm the orchestrator
// side of that contract: cumulative, monotonic counters).
func TestMetricsAndMonitoringWiring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := orchestrator.New(
		orchestrator.WithAdapter(adapter.NewHTTPAdapter()),
		orchestrator.WithCache(false),
		orchestrator.WithMaxRetries(0),
		orchestrator.WithMetrics(true),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Destroy()

	for i := 0; i < 5; i++ {
		if _, err := client.Get(context.Background(), fmt.Sprintf("%s/fail/%d", srv.URL, i)); err == nil {
			t.Fatal("expected every request to fail with HTTP_STATUS")
		}
	}

	snap := client.GetMetrics()
	if snap.Requests.Error != 5 {
		t.Fatalf("Requests.Error = %d, want 5", snap.Requests.Error)
	}
	if snap.Requests.Total != 5 {
		t.Fatalf("Requests.Total = %d, want 5", snap.Requests.Total)
	}
}
