package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

const instrumentationName = "github.com/BaSui01/fleetguard/internal/telemetry"

// HealthSource reports the current health of every registered agent.
type HealthSource interface {
	GetAllAgentHealth() map[string]faulttolerance.HealthState
}

// FaultMeter records fault tolerance events as OTel metrics. It implements
// faulttolerance.Observer.
type FaultMeter struct {
	events      metric.Int64Counter
	circuits    metric.Int64Counter
	recoveries  metric.Int64Counter
	agentsGauge metric.Int64ObservableGauge
	reg         metric.Registration
}

// NewFaultMeter creates the instruments on mp. When src is non-nil an
// observable gauge reports agents per health state on every collection.
func NewFaultMeter(mp metric.MeterProvider, src HealthSource) (*FaultMeter, error) {
	meter := mp.Meter(instrumentationName)
	m := &FaultMeter{}

	var err error
	m.events, err = meter.Int64Counter("fleetguard.fault.events",
		metric.WithDescription("Fault tolerance events by type"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}

	m.circuits, err = meter.Int64Counter("fleetguard.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, fmt.Errorf("create circuit counter: %w", err)
	}

	m.recoveries, err = meter.Int64Counter("fleetguard.recovery.outcomes",
		metric.WithDescription("Resolved recovery attempts by outcome"),
		metric.WithUnit("{recovery}"))
	if err != nil {
		return nil, fmt.Errorf("create recovery counter: %w", err)
	}

	if src != nil {
		m.agentsGauge, err = meter.Int64ObservableGauge("fleetguard.agents",
			metric.WithDescription("Registered agents by health state"),
			metric.WithUnit("{agent}"))
		if err != nil {
			return nil, fmt.Errorf("create agents gauge: %w", err)
		}
		m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			counts := map[faulttolerance.HealthState]int64{
				faulttolerance.HealthHealthy:      0,
				faulttolerance.HealthUnresponsive: 0,
				faulttolerance.HealthFailed:       0,
			}
			for _, h := range src.GetAllAgentHealth() {
				counts[h]++
			}
			for h, n := range counts {
				o.ObserveInt64(m.agentsGauge, n, metric.WithAttributes(attribute.String("health", string(h))))
			}
			return nil
		}, m.agentsGauge)
		if err != nil {
			return nil, fmt.Errorf("register agents callback: %w", err)
		}
	}

	return m, nil
}

// OnFaultEvent implements faulttolerance.Observer.
func (m *FaultMeter) OnFaultEvent(e faulttolerance.Event) {
	ctx := context.Background()
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", string(e.Type))))

	switch e.Type {
	case faulttolerance.EventCircuitOpened, faulttolerance.EventCircuitHalfOpen, faulttolerance.EventCircuitClosed:
		m.circuits.Add(ctx, 1, metric.WithAttributes(
			attribute.String("circuit.from", e.From),
			attribute.String("circuit.to", e.To)))
	case faulttolerance.EventRestartConfirmed, faulttolerance.EventTaskRedistributed:
		m.recoveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("recovery.outcome", "successful"),
			attribute.String("event.type", string(e.Type))))
	case faulttolerance.EventRestartUnconfirmed, faulttolerance.EventTaskRolledBack, faulttolerance.EventRecoveryAbandoned:
		m.recoveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("recovery.outcome", "failed"),
			attribute.String("event.type", string(e.Type))))
	}
}

// Close unregisters the gauge callback.
func (m *FaultMeter) Close() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}

var _ faulttolerance.Observer = (*FaultMeter)(nil)
