package faulttolerance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		HeartbeatInterval:              time.Second,
		AgentTimeout:                   3 * time.Second,
		CircuitBreakerFailureThreshold: 3,
		CircuitBreakerTimeout:          10 * time.Second,
		MaxRestartAttempts:             1,
		RestartDelay:                   2 * time.Second,
		TaskRedistributionDelay:        500 * time.Millisecond,
		CheckpointInterval:             time.Second,
		MaxCheckpoints:                 3,
		EnableAutoRecovery:             true,
		EnableTaskRedistribution:       true,
		RecoveryConfirmationTimeout:    5 * time.Second,
		RecoveryQueueSize:              16,
		MaxConcurrentRecoveries:        4,
		StopTimeout:                    time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *ManualClock) {
	t.Helper()
	clock := NewManualClock(testEpoch)
	base := []Option{WithClock(clock), WithLogger(zaptest.NewLogger(t))}
	m, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return m, clock
}

// runRecovery starts only the recovery consumer so tests drive sweeps by hand.
func runRecovery(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.recovery.run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.recovery.stop(context.Background())
	})
}

// failAgent silences id for two sweeps so it goes Healthy -> Unresponsive ->
// Failed. keepAlive agents heartbeat before every sweep.
func failAgent(t *testing.T, m *Manager, clock *ManualClock, id string, keepAlive ...string) {
	t.Helper()
	beat := func() {
		for _, k := range keepAlive {
			require.NoError(t, m.RecordHeartbeat(k, ""))
		}
	}

	clock.Advance(m.cfg.AgentTimeout + time.Millisecond)
	beat()
	m.health.Sweep()
	h, ok := m.GetAgentHealth(id)
	require.True(t, ok)
	require.Equal(t, HealthUnresponsive, h)

	clock.Advance(m.cfg.failureGrace() + time.Millisecond)
	beat()
	m.health.Sweep()
	h, _ = m.GetAgentHealth(id)
	require.Equal(t, HealthFailed, h)
}

// waitTimers blocks until the orchestrator has n timers armed.
func waitTimers(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.recovery.pendingTimers() == n },
		2*time.Second, 5*time.Millisecond)
}

// recordingSink collects delivered handoffs.
type recordingSink struct {
	mu       sync.Mutex
	handoffs []Handoff
	err      error
}

func (s *recordingSink) Deliver(_ context.Context, h Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, h)
	return s.err
}

func (s *recordingSink) all() []Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handoff(nil), s.handoffs...)
}

// eventRecorder is an Observer that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnFaultEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
