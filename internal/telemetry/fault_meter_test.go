package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

type staticHealth map[string]faulttolerance.HealthState

func (s staticHealth) GetAllAgentHealth() map[string]faulttolerance.HealthState { return s }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestFaultMeter_CountsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewFaultMeter(mp, nil)
	require.NoError(t, err)

	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventAgentFailed})
	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventAgentFailed})
	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventCircuitOpened, From: "closed", To: "open"})
	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventRestartConfirmed})
	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventTaskRolledBack})
	m.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventRecoveryAbandoned})

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, metrics["fleetguard.fault.events"], "event.type", "agent_failed"))
	assert.Equal(t, int64(1), sumFor(t, metrics["fleetguard.circuit.transitions"], "circuit.to", "open"))
	assert.Equal(t, int64(1), sumFor(t, metrics["fleetguard.recovery.outcomes"], "recovery.outcome", "successful"))
	assert.Equal(t, int64(2), sumFor(t, metrics["fleetguard.recovery.outcomes"], "recovery.outcome", "failed"))
	assert.NoError(t, m.Close())
}

func TestFaultMeter_AgentsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewFaultMeter(mp, staticHealth{
		"a": faulttolerance.HealthHealthy,
		"b": faulttolerance.HealthFailed,
		"c": faulttolerance.HealthFailed,
	})
	require.NoError(t, err)
	defer m.Close()

	metrics := collect(t, reader)
	gauge, ok := metrics["fleetguard.agents"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)

	got := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value("health")
		got[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"healthy": 1, "unresponsive": 0, "failed": 2}, got)
}

func TestFaultMeter_WithManager(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	var mgr *faulttolerance.Manager
	meter, err := NewFaultMeter(mp, nil)
	require.NoError(t, err)
	mgr, err = faulttolerance.New(faulttolerance.DefaultConfig(), faulttolerance.WithObserver(meter))
	require.NoError(t, err)

	require.NoError(t, mgr.RegisterAgent("a"))
	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, metrics["fleetguard.fault.events"], "event.type", "agent_registered"))
}
