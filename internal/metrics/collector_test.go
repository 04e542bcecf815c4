package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegistry(reg, "test", zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/api/v1/agents", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/api/v1/agents", 204, 50*time.Millisecond, 512, 0)
	collector.RecordHTTPRequest("POST", "/api/v1/agents", 503, 5*time.Millisecond, 0, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/agents", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/agents", "5xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestStatusCode(t *testing.T) {
	tests := map[int]string{
		200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx", 599: "5xx", 100: "unknown", 0: "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusCode(code), "code %d", code)
	}
}

func TestCollector_OnFaultEvent(t *testing.T) {
	collector, _ := newTestCollector(t)

	events := []faulttolerance.Event{
		{Type: faulttolerance.EventAgentUnresponsive, AgentID: "a"},
		{Type: faulttolerance.EventAgentFailed, AgentID: "a"},
		{Type: faulttolerance.EventCircuitOpened, AgentID: "a", From: "closed", To: "open"},
		{Type: faulttolerance.EventCircuitHalfOpen, AgentID: "a", From: "open", To: "half_open"},
		{Type: faulttolerance.EventRestartConfirmed, AgentID: "a"},
		{Type: faulttolerance.EventTaskRolledBack, AgentID: "b"},
		{Type: faulttolerance.EventHandoffFailed, AgentID: "b"},
		{Type: faulttolerance.EventHandoffFailed, AgentID: "b"},
	}
	for _, e := range events {
		collector.OnFaultEvent(e)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.faultEventsTotal.WithLabelValues("handoff_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.healthTransitions.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.healthTransitions.WithLabelValues("unresponsive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.circuitTransitions.WithLabelValues("closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recoveryOutcomes.WithLabelValues("restart_confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.recoveryOutcomes.WithLabelValues("rolled_back")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.handoffDeliveryFailure))
}

func TestCollector_RecordTaskResult(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordTaskResult(true, time.Second)
	collector.RecordTaskResult(false, 2*time.Second)
	collector.RecordTaskResult(false, 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.taskResultsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.taskResultsTotal.WithLabelValues("failure")))
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordDBQuery("postgres", "insert", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.OnFaultEvent(faulttolerance.Event{Type: faulttolerance.EventAgentFailed})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/test", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.faultEventsTotal.WithLabelValues("agent_failed")))
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWithRegistry(reg, "dup", nil)
	assert.Panics(t, func() { NewCollectorWithRegistry(reg, "dup", nil) })
}

// =============================================================================
// 🧪 Fleet 采样测试
// =============================================================================

type stubFleet struct {
	health map[string]faulttolerance.HealthState
	stats  faulttolerance.RecoveryStatistics
}

func (s stubFleet) GetAllAgentHealth() map[string]faulttolerance.HealthState { return s.health }
func (s stubFleet) GetRecoveryStats() faulttolerance.RecoveryStatistics      { return s.stats }

func TestCollector_RegisterFleet(t *testing.T) {
	collector, reg := newTestCollector(t)
	last := time.Unix(1_700_000_000, 0)

	require.NoError(t, collector.RegisterFleet(stubFleet{
		health: map[string]faulttolerance.HealthState{
			"a": faulttolerance.HealthHealthy,
			"b": faulttolerance.HealthHealthy,
			"c": faulttolerance.HealthFailed,
		},
		stats: faulttolerance.RecoveryStatistics{
			TotalRecoveryAttempts: 4,
			SuccessfulRecoveries:  3,
			FailedRecoveries:      1,
			AgentRestarts:         2,
			TaskRollbacks:         1,
			LastRecovery:          &last,
		},
	}))

	expected := `
# HELP test_fleet_agents Registered agents by health state
# TYPE test_fleet_agents gauge
test_fleet_agents{health="failed"} 1
test_fleet_agents{health="healthy"} 2
test_fleet_agents{health="unresponsive"} 0
# HELP test_fleet_recoveries_total Recovery attempts by result
# TYPE test_fleet_recoveries_total counter
test_fleet_recoveries_total{result="attempted"} 4
test_fleet_recoveries_total{result="failed"} 1
test_fleet_recoveries_total{result="successful"} 3
# HELP test_fleet_restarts_total Agent restarts issued
# TYPE test_fleet_restarts_total counter
test_fleet_restarts_total 2
# HELP test_fleet_last_recovery_timestamp_seconds Unix time of the last recovery attempt
# TYPE test_fleet_last_recovery_timestamp_seconds gauge
test_fleet_last_recovery_timestamp_seconds 1.7e+09
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_fleet_agents", "test_fleet_recoveries_total", "test_fleet_restarts_total",
		"test_fleet_last_recovery_timestamp_seconds")
	assert.NoError(t, err)
}

func TestCollector_RegisterFleetWithManager(t *testing.T) {
	collector, reg := newTestCollector(t)

	mgr, err := faulttolerance.New(faulttolerance.DefaultConfig(), faulttolerance.WithObserver(collector))
	require.NoError(t, err)
	require.NoError(t, collector.RegisterFleet(mgr))

	require.NoError(t, mgr.RegisterAgent("agent-1"))
	require.NoError(t, mgr.RegisterAgent("agent-2"))

	count, err := testutil.GatherAndCount(reg, "test_fleet_agents")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.faultEventsTotal.WithLabelValues("agent_registered")))
}

func TestCollector_RegisterJournal(t *testing.T) {
	collector, reg := newTestCollector(t)
	var dropped int64 = 3
	require.NoError(t, collector.RegisterJournal(func() int64 { return dropped }))

	expected := `
# HELP test_journal_dropped_events_total Fault events dropped by the event journal on a full buffer
# TYPE test_journal_dropped_events_total counter
test_journal_dropped_events_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_journal_dropped_events_total"))
}
