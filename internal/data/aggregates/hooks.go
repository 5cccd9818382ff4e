package aggregates

import (
	"time"

	"github.com/yungbote/notification-engine/internal/observability"
)

// Hooks receives one event per aggregate write.
type Hooks interface {
	ObserveOperation(name, status string, dur time.Duration)
	IncConflict(name string)
	IncRetry(name string)
}

type noopHooks struct{}

func (noopHooks) ObserveOperation(string, string, time.Duration) {}
func (noopHooks) IncConflict(string)                             {}
func (noopHooks) IncRetry(string)                                {}

// metricsHooks forwards to the registry. Metrics methods tolerate a nil
// receiver, so a disabled registry needs no special case.
type metricsHooks struct {
	m *observability.Metrics
}

func NewObservabilityHooks(metrics *observability.Metrics) Hooks {
	return metricsHooks{m: metrics}
}

func (h metricsHooks) ObserveOperation(name, status string, dur time.Duration) {
	h.m.ObserveAggregateOperation(name, status, dur)
}

func (h metricsHooks) IncConflict(name string) { h.m.IncAggregateConflict(name) }

func (h metricsHooks) IncRetry(name string) { h.m.IncAggregateRetry(name) }
