package faulttolerance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecovery_RestartConfirmedByHeartbeat(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	rec := &eventRecorder{}
	m, clock := newTestManager(t, testConfig(), WithTracer(tp.Tracer("test")), WithObserver(rec))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RecordTaskResult("a", false, 0))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.TotalRecoveryAttempts)
	require.NotNil(t, stats.LastRecovery)
	assert.Zero(t, stats.AgentRestarts, "restart waits for the delay")

	clock.Advance(m.cfg.RestartDelay)

	r, _ := m.GetAgentRecord("a")
	assert.Equal(t, HealthHealthy, r.Health)
	assert.Equal(t, CircuitClosed, r.Circuit.State)
	assert.Zero(t, r.ConsecutiveFailures)
	assert.Equal(t, uint32(1), r.RestartAttempts)
	assert.Equal(t, uint64(1), m.GetRecoveryStats().AgentRestarts)
	assert.Equal(t, 1, m.recovery.pendingTimers(), "confirmation watch armed")

	require.NoError(t, m.RecordHeartbeat("a", ""))
	stats = m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.SuccessfulRecoveries)
	assert.Zero(t, stats.FailedRecoveries)
	assert.Zero(t, m.recovery.pendingTimers())

	assert.Contains(t, rec.types(), EventAgentRestarted)
	assert.Contains(t, rec.types(), EventRestartConfirmed)

	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := sr.Ended()[0]
	assert.Equal(t, "faulttolerance.recover", span.Name())
	assert.Contains(t, span.Attributes(), attribute.String("recovery.action", string(RecoveryRestart)))
	assert.Contains(t, span.Attributes(), attribute.String("agent.id", "a"))
}

func TestRecovery_RestartsExhaustedRollsBack(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)
	clock.Advance(m.cfg.RestartDelay)
	require.NoError(t, m.RecordHeartbeat("a", ""))

	// Second failure: attempts exhausted and the agent holds no task.
	failAgent(t, m, clock, "a")
	require.Eventually(t, func() bool { return m.GetRecoveryStats().TaskRollbacks == 1 },
		2*time.Second, 5*time.Millisecond)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(2), stats.TotalRecoveryAttempts)
	assert.Equal(t, uint64(1), stats.SuccessfulRecoveries)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	assert.Equal(t, uint64(1), stats.AgentRestarts)

	h, _ := m.GetAgentHealth("a")
	assert.Equal(t, HealthFailed, h)
}

func TestRecovery_RestartUnconfirmed(t *testing.T) {
	rec := &eventRecorder{}
	m, clock := newTestManager(t, testConfig(), WithObserver(rec))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)
	clock.Advance(m.cfg.RestartDelay)
	clock.Advance(m.cfg.RecoveryConfirmationTimeout)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.AgentRestarts)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	assert.Zero(t, stats.SuccessfulRecoveries)
	assert.Contains(t, rec.types(), EventRestartUnconfirmed)

	// A heartbeat after the deadline keeps the agent alive but confirms nothing.
	require.NoError(t, m.RecordHeartbeat("a", ""))
	assert.Zero(t, m.GetRecoveryStats().SuccessfulRecoveries)
}

func TestRecovery_RedistributesToHealthyAgent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	sink := &recordingSink{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink))
	runRecovery(t, m)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.RegisterAgent(id))
	}
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))
	require.NoError(t, m.RecordHeartbeat("c", "task-2"))
	cp, err := m.CreateCheckpoint("task-1", "a", TaskState{CurrentStep: "s2"}, TaskProgress{Percentage: 0.5}, nil)
	require.NoError(t, err)

	failAgent(t, m, clock, "a", "b", "c")
	// c's heartbeat during failAgent reported no task, so make it busy again.
	require.NoError(t, m.RecordHeartbeat("c", "task-2"))
	waitTimers(t, m, 1)
	clock.Advance(cfg.TaskRedistributionDelay)

	handoffs := sink.all()
	require.Len(t, handoffs, 1)
	h := handoffs[0]
	assert.Equal(t, HandoffRedistribute, h.Kind)
	assert.Equal(t, "task-1", h.TaskID)
	assert.Equal(t, "a", h.FromAgent)
	assert.Equal(t, "b", h.ToAgent, "idle agent preferred")
	require.NotNil(t, h.Checkpoint)
	assert.Equal(t, cp.ID, h.Checkpoint.ID)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.TaskRedistributions)
	assert.Equal(t, uint64(1), stats.SuccessfulRecoveries)
	assert.Zero(t, stats.AgentRestarts)

	b, _ := m.GetAgentRecord("b")
	assert.Equal(t, "task-1", b.ActiveTask)
	a, _ := m.GetAgentRecord("a")
	assert.Empty(t, a.ActiveTask)
}

func TestRecovery_RedistributionFallsBackToRollback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	cfg.CircuitBreakerFailureThreshold = 1
	sink := &recordingSink{err: errors.New("engine unavailable")}
	rec := &eventRecorder{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink), WithObserver(rec))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))
	require.NoError(t, m.RecordTaskResult("b", false, 0)) // b's circuit is open
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))
	_, err := m.CreateCheckpoint("task-1", "a", TaskState{}, TaskProgress{}, nil)
	require.NoError(t, err)

	failAgent(t, m, clock, "a", "b")
	waitTimers(t, m, 1)
	clock.Advance(cfg.TaskRedistributionDelay)

	handoffs := sink.all()
	require.Len(t, handoffs, 1)
	assert.Equal(t, HandoffRollback, handoffs[0].Kind)
	assert.Equal(t, "task-1", handoffs[0].TaskID)
	assert.NotNil(t, handoffs[0].Checkpoint)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.TaskRollbacks)
	assert.Equal(t, uint64(1), stats.FailedRecoveries, "delivery failure does not add to counters")
	assert.Zero(t, stats.TaskRedistributions)
	assert.Contains(t, rec.types(), EventHandoffFailed)
}

func TestRecovery_StopCancelsPendingRestart(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)

	require.NoError(t, m.recovery.stop(context.Background()))
	assert.Zero(t, m.recovery.pendingTimers())

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.TotalRecoveryAttempts)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	assert.Zero(t, stats.AgentRestarts)

	clock.Advance(time.Hour)
	h, _ := m.GetAgentHealth("a")
	assert.Equal(t, HealthFailed, h)
}

func TestRecovery_UnregisterInvalidatesPendingRestart(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)

	require.True(t, m.UnregisterAgent("a"))
	clock.Advance(m.cfg.RestartDelay)

	stats := m.GetRecoveryStats()
	assert.Zero(t, stats.AgentRestarts)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	_, ok := m.GetAgentHealth("a")
	assert.False(t, ok)
}

func TestRecovery_ReRegistrationSupersedesPendingRestart(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)

	require.NoError(t, m.RegisterAgent("a"))
	clock.Advance(m.cfg.RestartDelay)

	r, _ := m.GetAgentRecord("a")
	assert.Equal(t, HealthHealthy, r.Health)
	assert.Zero(t, r.RestartAttempts)
	assert.Zero(t, m.GetRecoveryStats().AgentRestarts)
}

func TestRecovery_UnregisterDuringConfirmation(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")
	waitTimers(t, m, 1)
	clock.Advance(m.cfg.RestartDelay)
	require.Equal(t, 1, m.recovery.pendingTimers())

	require.True(t, m.UnregisterAgent("a"))
	assert.Zero(t, m.recovery.pendingTimers())
	assert.Equal(t, uint64(1), m.GetRecoveryStats().FailedRecoveries)
}

func TestRecovery_QueueOverflowIsDrained(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryQueueSize = 1
	m, clock := newTestManager(t, cfg)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.NoError(t, m.RegisterAgent(id))
	}
	clock.Advance(cfg.AgentTimeout + time.Millisecond)
	m.health.Sweep()
	clock.Advance(cfg.failureGrace() + time.Millisecond)
	require.ElementsMatch(t, ids, m.health.Sweep())

	runRecovery(t, m)
	waitTimers(t, m, 3)
	assert.Equal(t, uint64(3), m.GetRecoveryStats().TotalRecoveryAttempts)
}

func TestRecovery_AutoRecoveryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAutoRecovery = false
	rec := &eventRecorder{}
	m, clock := newTestManager(t, cfg, WithObserver(rec))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	failAgent(t, m, clock, "a")

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.UnhandledFailures)
	assert.Zero(t, stats.TotalRecoveryAttempts)
	assert.Nil(t, stats.LastRecovery)
	assert.Contains(t, rec.types(), EventRecoveryUnhandled)
	assert.Zero(t, m.recovery.pendingTimers())
}

func TestRecovery_LateHeartbeatDoesNotDropTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	sink := &recordingSink{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))
	_, err := m.CreateCheckpoint("task-1", "a", TaskState{CurrentStep: "s1"}, TaskProgress{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.RegisterAgent("b"))

	failAgent(t, m, clock, "a", "b")
	// A heartbeat from the failed agent reporting no task.
	require.NoError(t, m.RecordHeartbeat("a", ""))

	waitTimers(t, m, 1)
	clock.Advance(cfg.TaskRedistributionDelay)

	handoffs := sink.all()
	require.Len(t, handoffs, 1)
	assert.Equal(t, HandoffRedistribute, handoffs[0].Kind)
	assert.Equal(t, "task-1", handoffs[0].TaskID)
	assert.Equal(t, "b", handoffs[0].ToAgent)
	require.NotNil(t, handoffs[0].Checkpoint)

	stats := m.GetRecoveryStats()
	assert.Equal(t, uint64(1), stats.TaskRedistributions)
	assert.Zero(t, stats.TaskRollbacks)
}

func TestRecovery_ReRegistrationSupersedesPendingRedistribution(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	sink := &recordingSink{}
	rec := &eventRecorder{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink), WithObserver(rec))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))

	failAgent(t, m, clock, "a", "b")
	waitTimers(t, m, 1)

	// a comes back and resumes its own task before the delay elapses.
	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))
	clock.Advance(cfg.TaskRedistributionDelay)

	assert.Empty(t, sink.all())
	a, _ := m.GetAgentRecord("a")
	assert.Equal(t, HealthHealthy, a.Health)
	assert.Equal(t, "task-1", a.ActiveTask)
	b, _ := m.GetAgentRecord("b")
	assert.Empty(t, b.ActiveTask)

	stats := m.GetRecoveryStats()
	assert.Zero(t, stats.TaskRedistributions)
	assert.Equal(t, uint64(1), stats.FailedRecoveries)
	assert.Contains(t, rec.types(), EventRecoveryAbandoned)
}

func TestRecovery_UnregisterCancelsPendingRedistribution(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	sink := &recordingSink{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))

	failAgent(t, m, clock, "a", "b")
	waitTimers(t, m, 1)
	require.True(t, m.UnregisterAgent("a"))
	clock.Advance(cfg.TaskRedistributionDelay)

	assert.Empty(t, sink.all())
	assert.Zero(t, m.GetRecoveryStats().TaskRedistributions)
}

func TestRecovery_BusyTargetKeepsItsTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestartAttempts = 0
	sink := &recordingSink{}
	m, clock := newTestManager(t, cfg, WithHandoffSink(sink))
	runRecovery(t, m)

	require.NoError(t, m.RegisterAgent("a"))
	require.NoError(t, m.RegisterAgent("b"))
	require.NoError(t, m.RecordHeartbeat("a", "task-1"))

	failAgent(t, m, clock, "a", "b")
	require.NoError(t, m.RecordHeartbeat("b", "task-2"))
	waitTimers(t, m, 1)
	clock.Advance(cfg.TaskRedistributionDelay)

	handoffs := sink.all()
	require.Len(t, handoffs, 1)
	assert.Equal(t, "b", handoffs[0].ToAgent, "the only healthy agent still receives the handoff")

	b, _ := m.GetAgentRecord("b")
	assert.Equal(t, "task-2", b.ActiveTask, "b's own task is not overwritten")
	a, _ := m.GetAgentRecord("a")
	assert.Empty(t, a.ActiveTask)
}
