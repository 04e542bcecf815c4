package faulttolerance

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/types"
)

// breakerState is the per-agent circuit. It lives inside agentEntry and is
// guarded by the entry lock.
type breakerState struct {
	state               CircuitState
	openedAt            time.Time
	consecutiveFailures uint32

	// trialOutstanding is true while the single half-open probe is in flight.
	trialOutstanding bool

	totalSuccesses uint64
	totalFailures  uint64
	lastDuration   time.Duration
	lastTransition time.Time
}

// transition describes a state change, if any.
type transition struct {
	from, to CircuitState
}

func (t transition) changed() bool { return t.from != t.to }

// onResult applies a task outcome.
func (b *breakerState) onResult(success bool, d time.Duration, now time.Time, threshold uint32) transition {
	from := b.state
	b.lastDuration = d

	if success {
		b.totalSuccesses++
		b.consecutiveFailures = 0
		if b.state == CircuitHalfOpen {
			b.closeAt(now)
		}
		return transition{from: from, to: b.state}
	}

	b.totalFailures++
	b.consecutiveFailures++
	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= threshold {
			b.openAt(now)
		}
	case CircuitHalfOpen:
		b.openAt(now)
	}
	return transition{from: from, to: b.state}
}

// admit decides whether a new task may be dispatched. Moving from Open to
// HalfOpen happens here, lazily, the first time the timeout has elapsed.
func (b *breakerState) admit(now time.Time, timeout time.Duration) (bool, transition) {
	from := b.state
	switch b.state {
	case CircuitClosed:
		return true, transition{from: from, to: from}
	case CircuitOpen:
		if now.Sub(b.openedAt) < timeout {
			return false, transition{from: from, to: from}
		}
		b.state = CircuitHalfOpen
		b.lastTransition = now
		b.trialOutstanding = true
		return true, transition{from: from, to: b.state}
	case CircuitHalfOpen:
		if b.trialOutstanding {
			return false, transition{from: from, to: from}
		}
		b.trialOutstanding = true
		return true, transition{from: from, to: from}
	default:
		return false, transition{from: from, to: from}
	}
}

func (b *breakerState) openAt(now time.Time) {
	b.state = CircuitOpen
	b.openedAt = now
	b.trialOutstanding = false
	b.lastTransition = now
}

func (b *breakerState) closeAt(now time.Time) {
	b.state = CircuitClosed
	b.openedAt = time.Time{}
	b.trialOutstanding = false
	b.lastTransition = now
}

// CircuitBreaker gates task dispatch per agent based on recent task outcomes.
type CircuitBreaker struct {
	cfg      Config
	registry *AgentRegistry
	clock    Clock
	bus      *eventBus
	logger   *zap.Logger
}

func newCircuitBreaker(cfg Config, registry *AgentRegistry, clock Clock, bus *eventBus, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		registry: registry,
		clock:    clock,
		bus:      bus,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// RecordTaskResult feeds one task outcome into the agent's circuit.
func (c *CircuitBreaker) RecordTaskResult(agentID string, success bool, d time.Duration) error {
	now := c.clock.Now()

	var (
		tr       transition
		failures uint32
	)
	ok := c.registry.withAgent(agentID, func(e *agentEntry) {
		if e.breaker.state == CircuitOpen {
			// A result for a task admitted before the circuit opened.
			c.logger.Warn("task result recorded while circuit open",
				zap.String("agent_id", agentID),
				zap.Bool("success", success))
		}
		tr = e.breaker.onResult(success, d, now, c.cfg.CircuitBreakerFailureThreshold)
		failures = e.breaker.consecutiveFailures
	})
	if !ok {
		return types.NewAgentNotFoundError(agentID)
	}

	if tr.changed() {
		c.logger.Info("circuit state changed",
			zap.String("agent_id", agentID),
			zap.Stringer("from", tr.from),
			zap.Stringer("to", tr.to),
			zap.Uint32("consecutive_failures", failures))
		c.publish(agentID, tr, now)
	}
	return nil
}

// CanHandleTask reports whether the agent's circuit admits a new task.
// Unregistered agents are never admitted.
func (c *CircuitBreaker) CanHandleTask(agentID string) bool {
	now := c.clock.Now()

	var (
		allowed bool
		tr      transition
	)
	ok := c.registry.withAgent(agentID, func(e *agentEntry) {
		allowed, tr = e.breaker.admit(now, c.cfg.CircuitBreakerTimeout)
	})
	if !ok {
		return false
	}
	if tr.changed() {
		c.logger.Info("circuit half-open, admitting trial task",
			zap.String("agent_id", agentID))
		c.publish(agentID, tr, now)
	}
	return allowed
}

// Status returns the agent's circuit read model.
func (c *CircuitBreaker) Status(agentID string) (CircuitBreakerStatus, bool) {
	var st CircuitBreakerStatus
	ok := c.registry.withAgent(agentID, func(e *agentEntry) {
		b := e.breaker
		st = CircuitBreakerStatus{
			AgentID:             agentID,
			State:               b.state,
			OpenedAt:            timePtr(b.openedAt),
			ConsecutiveFailures: b.consecutiveFailures,
			TrialOutstanding:    b.trialOutstanding,
			TotalSuccesses:      b.totalSuccesses,
			TotalFailures:       b.totalFailures,
			LastDuration:        b.lastDuration,
			LastTransition:      b.lastTransition,
		}
	})
	return st, ok
}

func (c *CircuitBreaker) publish(agentID string, tr transition, now time.Time) {
	var typ EventType
	switch tr.to {
	case CircuitOpen:
		typ = EventCircuitOpened
	case CircuitHalfOpen:
		typ = EventCircuitHalfOpen
	default:
		typ = EventCircuitClosed
	}
	c.bus.emit(Event{
		Type:    typ,
		AgentID: agentID,
		From:    tr.from.String(),
		To:      tr.to.String(),
		Time:    now,
	})
}
