package faulttolerance

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/types"
)

// HealthMonitor turns heartbeats and their absence into health transitions.
type HealthMonitor struct {
	cfg      Config
	registry *AgentRegistry
	clock    Clock
	bus      *eventBus
	recovery *RecoveryOrchestrator
	logger   *zap.Logger
}

func newHealthMonitor(cfg Config, registry *AgentRegistry, clock Clock, bus *eventBus,
	recovery *RecoveryOrchestrator, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		cfg:      cfg,
		registry: registry,
		clock:    clock,
		bus:      bus,
		recovery: recovery,
		logger:   logger.With(zap.String("component", "health_monitor")),
	}
}

// RecordHeartbeat marks the agent alive and records the task it reports.
// An empty taskID means the agent is idle. A Failed agent stays Failed until
// it is registered again or restarted by recovery, and its task stays what
// it was on the failure edge so recovery can hand it off.
func (h *HealthMonitor) RecordHeartbeat(agentID, taskID string) error {
	now := h.clock.Now()

	var (
		from      HealthState
		confirmed *restartConfirmation
	)
	ok := h.registry.withAgent(agentID, func(e *agentEntry) {
		from = e.health
		e.lastHeartbeat = now
		if e.health == HealthFailed {
			return
		}
		e.activeTask = taskID
		if e.health == HealthUnresponsive {
			e.health = HealthHealthy
			e.unresponsiveSince = time.Time{}
		}
		if c := e.confirm; c != nil && !now.After(c.deadline) {
			e.confirm = nil
			confirmed = c
		}
	})
	if !ok {
		return types.NewAgentNotFoundError(agentID)
	}

	if from == HealthFailed {
		h.logger.Debug("heartbeat from failed agent, task left unchanged",
			zap.String("agent_id", agentID),
			zap.String("reported_task", taskID))
		return nil
	}

	h.logger.Debug("heartbeat",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID))

	if from == HealthUnresponsive {
		h.logger.Info("agent responsive again", zap.String("agent_id", agentID))
		h.bus.emit(Event{
			Type:    EventAgentRecovered,
			AgentID: agentID,
			TaskID:  taskID,
			From:    string(HealthUnresponsive),
			To:      string(HealthHealthy),
			Time:    now,
		})
	}
	if confirmed != nil {
		h.recovery.resolveRestart(agentID, confirmed, true)
	}
	return nil
}

// healthChange is a transition collected during a sweep and published after
// every entry lock has been released.
type healthChange struct {
	agentID string
	taskID  string
	from    HealthState
	to      HealthState
	silence time.Duration
	enqueue bool
	pending *restartConfirmation
}

// Sweep runs one detection pass at the current clock time and returns the
// agents that became Failed.
func (h *HealthMonitor) Sweep() []string {
	return h.sweepAt(h.clock.Now())
}

func (h *HealthMonitor) sweepAt(now time.Time) []string {
	timeout := h.cfg.AgentTimeout
	failAfter := timeout + h.cfg.failureGrace()

	var changes []healthChange
	for _, e := range h.registry.entries() {
		e.mu.Lock()
		if e.removed || e.health == HealthFailed {
			e.mu.Unlock()
			continue
		}
		silence := now.Sub(e.lastHeartbeat)
		if silence <= timeout {
			e.mu.Unlock()
			continue
		}

		ch := healthChange{agentID: e.id, taskID: e.activeTask, from: e.health, silence: silence}
		switch e.health {
		case HealthHealthy:
			e.health = HealthUnresponsive
			e.unresponsiveSince = now
			ch.to = HealthUnresponsive
		case HealthUnresponsive:
			// Only agents marked Unresponsive by an earlier pass can fail here.
			if silence <= failAfter || !e.unresponsiveSince.Before(now) {
				e.mu.Unlock()
				continue
			}
			e.health = HealthFailed
			ch.to = HealthFailed
			if !e.failureEpisode {
				e.failureEpisode = true
				ch.enqueue = true
			}
			ch.pending = e.confirm
			e.confirm = nil
		}
		e.mu.Unlock()
		changes = append(changes, ch)
	}

	var failed []string
	for _, ch := range changes {
		if ch.to == HealthUnresponsive {
			h.logger.Warn("agent unresponsive",
				zap.String("agent_id", ch.agentID),
				zap.Duration("silence", ch.silence))
			h.bus.emit(Event{
				Type:    EventAgentUnresponsive,
				AgentID: ch.agentID,
				TaskID:  ch.taskID,
				From:    string(ch.from),
				To:      string(ch.to),
				Time:    now,
			})
			continue
		}

		h.logger.Error("agent failed",
			zap.String("agent_id", ch.agentID),
			zap.String("task_id", ch.taskID),
			zap.Duration("silence", ch.silence))
		h.bus.emit(Event{
			Type:    EventAgentFailed,
			AgentID: ch.agentID,
			TaskID:  ch.taskID,
			From:    string(ch.from),
			To:      string(ch.to),
			Time:    now,
		})
		if ch.pending != nil {
			h.recovery.resolveRestart(ch.agentID, ch.pending, false)
		}
		if ch.enqueue {
			failed = append(failed, ch.agentID)
			h.recovery.Enqueue(ch.agentID)
		}
	}
	return failed
}
