package monitoring

import (
	"context"
	"fmt"

	"github.com/oterolabs/reqorch/eventbus"
	"github.com/oterolabs/reqorch/metrics"
)

// Event names this package both consumes and produces on the shared bus.
// EventMetricsCollect matches the orchestrator's own event taxonomy
// (spec.md §6); EventMetricsAlert is this package's one addition to it.
const (
	EventMetricsCollect = "metrics:collect"
	EventMetricsAlert   = "metrics:alert"
)

// AlertEvent is the payload published on EventMetricsAlert whenever a
// rule transitions between active and resolved.
type AlertEvent struct {
	Alert Alert
}

// DefaultWindowSize is the number of metrics:collect snapshots retained
// by the aggregator (5 minutes at the default 30s collection interval).
const DefaultWindowSize = 10

// Service wires an AlertManager to a Client's event bus: every
// metrics:collect tick is recorded into the Aggregator, evaluated against
// the configured rules, and any resulting alert transition is republished
// as metrics:alert.
type Service struct {
	aggregator *Aggregator
	manager    *AlertManager
	dispose    func()
}

// NewService builds the default rule set (error rate, cache hit rate,
// queue backlog, timeout rate, each with conservative defaults) and
// subscribes it to bus. Call Close to unsubscribe.
func NewService(bus *eventbus.Bus) *Service {
	return NewServiceWithRules(bus, DefaultWindowSize,
		NewHighErrorRateRule(0.10),
		NewLowCacheHitRateRule(0.30),
		NewQueueBacklogRule(50),
		NewHighTimeoutRateRule(0.05),
	)
}

// NewServiceWithRules builds a Service from an explicit rule set and
// aggregation window, for callers that want different thresholds than
// NewService's defaults.
func NewServiceWithRules(bus *eventbus.Bus, windowSize int, rules ...AlertRule) *Service {
	svc := &Service{
		aggregator: NewAggregator(windowSize),
		manager:    NewAlertManager(rules...),
	}

	svc.dispose = bus.On(EventMetricsCollect, func(ctx context.Context, payload any) error {
		snapshot, ok := payload.(metrics.Snapshot)
		if !ok {
			return fmt.Errorf("monitoring: unexpected metrics:collect payload type %T", payload)
		}

		svc.aggregator.Record(snapshot)
		for _, alert := range svc.manager.Evaluate(svc.aggregator.Stats()) {
			bus.Emit(EventMetricsAlert, AlertEvent{Alert: alert})
		}
		return nil
	})

	return svc
}

// Aggregator exposes the underlying window aggregator, e.g. for a caller
// that wants Stats() without waiting for the next tick.
func (s *Service) Aggregator() *Aggregator { return s.aggregator }

// Manager exposes the underlying alert manager (active/resolved alert
// queries).
func (s *Service) Manager() *AlertManager { return s.manager }

// Close unsubscribes from the bus. Safe to call once.
func (s *Service) Close() {
	if s.dispose != nil {
		s.dispose()
		s.dispose = nil
	}
}
