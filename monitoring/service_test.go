package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oterolabs/reqorch/eventbus"
	"github.com/oterolabs/reqorch/metrics"
)

func snapshotWith(total, success, errs, timeouts, retries, hit, miss int64, pending int64) metrics.Snapshot {
	return metrics.Snapshot{
		Requests: metrics.RequestsSnapshot{Total: total, Success: success, Error: errs, Timeout: timeouts, Retry: retries},
		Cache:    metrics.CacheSnapshot{Hit: hit, Miss: miss},
		Queue:    metrics.QueueSnapshot{Pending: pending},
	}
}

func TestAggregator_ComputesDeltaRates(t *testing.T) {
	a := NewAggregator(10)
	a.Record(snapshotWith(0, 0, 0, 0, 0, 0, 0, 0))
	a.Record(snapshotWith(100, 70, 30, 0, 0, 50, 50, 0))

	stats := a.Stats()
	if stats.TotalRequests != 100 {
		t.Fatalf("TotalRequests = %d, want 100", stats.TotalRequests)
	}
	if stats.ErrorRate != 0.3 {
		t.Fatalf("ErrorRate = %v, want 0.3", stats.ErrorRate)
	}
	if stats.CacheHitRate != 0.5 {
		t.Fatalf("CacheHitRate = %v, want 0.5", stats.CacheHitRate)
	}
}

func TestAggregator_EvictsOldestBeyondWindow(t *testing.T) {
	a := NewAggregator(2)
	a.Record(snapshotWith(0, 0, 0, 0, 0, 0, 0, 0))
	a.Record(snapshotWith(50, 50, 0, 0, 0, 0, 0, 0))
	a.Record(snapshotWith(100, 60, 40, 0, 0, 0, 0, 0))

	// window is now [50,..] -> [100,..]; delta total = 50, delta error = 40
	stats := a.Stats()
	if stats.TotalRequests != 50 {
		t.Fatalf("TotalRequests = %d, want 50 after eviction", stats.TotalRequests)
	}
}

func TestAlertManager_TriggersAndResolves(t *testing.T) {
	rule := NewHighErrorRateRule(0.10)
	mgr := NewAlertManager(rule)

	changed := mgr.Evaluate(AggregatedStats{TotalRequests: 50, ErrorRate: 0.5})
	if len(changed) != 1 || changed[0].Type != AlertHighErrorRate {
		t.Fatalf("expected one high_error_rate alert, got %+v", changed)
	}
	if len(mgr.GetActiveAlerts()) != 1 {
		t.Fatalf("expected 1 active alert")
	}

	// Re-evaluating with the same breach should not re-trigger (no new entry).
	changed = mgr.Evaluate(AggregatedStats{TotalRequests: 50, ErrorRate: 0.6})
	if len(changed) != 0 {
		t.Fatalf("expected no new transition on refresh, got %+v", changed)
	}

	// Recovery resolves it.
	changed = mgr.Evaluate(AggregatedStats{TotalRequests: 50, ErrorRate: 0.01})
	if len(changed) != 1 || !changed[0].Resolved {
		t.Fatalf("expected resolved alert, got %+v", changed)
	}
	if len(mgr.GetActiveAlerts()) != 0 {
		t.Fatalf("expected 0 active alerts after resolution")
	}
	if len(mgr.GetRecentResolvedAlerts(5)) != 1 {
		t.Fatalf("expected 1 resolved alert in history")
	}
}

func TestAlertManager_MinSampleSizeSuppressesNoise(t *testing.T) {
	rule := NewHighErrorRateRule(0.10)
	mgr := NewAlertManager(rule)

	changed := mgr.Evaluate(AggregatedStats{TotalRequests: 1, ErrorRate: 1.0})
	if len(changed) != 0 {
		t.Fatalf("expected no alert below MinRequests, got %+v", changed)
	}
}

func TestQueueBacklogRule(t *testing.T) {
	rule := NewQueueBacklogRule(10)
	if rule.Evaluate(AggregatedStats{QueuePending: 5}) != nil {
		t.Fatalf("expected no alert below threshold")
	}
	alert := rule.Evaluate(AggregatedStats{QueuePending: 40})
	if alert == nil || alert.Severity != "critical" {
		t.Fatalf("expected critical backlog alert, got %+v", alert)
	}
}

func TestService_PublishesAlertOnMetricsCollect(t *testing.T) {
	bus := eventbus.New(nil)
	svc := NewServiceWithRules(bus, 10, NewHighErrorRateRule(0.10))
	defer svc.Close()

	var mu sync.Mutex
	var alerts []AlertEvent
	bus.On(EventMetricsAlert, func(ctx context.Context, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, payload.(AlertEvent))
		return nil
	})

	bus.Emit(EventMetricsCollect, snapshotWith(0, 0, 0, 0, 0, 0, 0, 0))
	bus.Emit(EventMetricsCollect, snapshotWith(100, 50, 50, 0, 0, 0, 0, 0))

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 || alerts[0].Alert.Type != AlertHighErrorRate {
		t.Fatalf("expected 1 high_error_rate alert published, got %+v", alerts)
	}
}

func TestService_RejectsWrongPayloadType(t *testing.T) {
	errCh := make(chan error, 1)
	bus := eventbus.New(func(err error) { errCh <- err })
	svc := NewServiceWithRules(bus, 10)
	defer svc.Close()

	bus.Emit(EventMetricsCollect, "not-a-snapshot")

	// The bus hands handler errors to its sink on a separate goroutine.
	var sinkErr error
	select {
	case sinkErr = <-errCh:
	case <-time.After(time.Second):
	}
	if sinkErr == nil {
		t.Fatalf("expected the handler's type-mismatch error to reach the error sink")
	}
}
