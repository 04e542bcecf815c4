package faulttolerance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const handoffDeliveryTimeout = 5 * time.Second

// RecoveryOrchestrator consumes failed agents and applies the remedy chosen
// by DecideRecovery. Detection only ever enqueues; the work happens on
// worker goroutines bounded by a semaphore.
type RecoveryOrchestrator struct {
	cfg         Config
	registry    *AgentRegistry
	breaker     *CircuitBreaker
	checkpoints *CheckpointStore
	stats       *statsCounters
	clock       Clock
	bus         *eventBus
	sink        HandoffSink
	selector    AgentSelector
	tracer      trace.Tracer
	logger      *zap.Logger

	queue      chan string
	overflowMu sync.Mutex
	overflow   []string
	wake       chan struct{}

	sem *semaphore.Weighted

	timersMu  sync.Mutex
	timers    map[uint64]*trackedTimer
	nextTimer uint64
	stopping  bool

	// wg counts worker goroutines and armed timers.
	wg sync.WaitGroup
}

type orchestratorDeps struct {
	registry    *AgentRegistry
	breaker     *CircuitBreaker
	checkpoints *CheckpointStore
	stats       *statsCounters
	clock       Clock
	bus         *eventBus
	sink        HandoffSink
	selector    AgentSelector
	tracer      trace.Tracer
}

func newRecoveryOrchestrator(cfg Config, deps orchestratorDeps, logger *zap.Logger) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{
		cfg:         cfg,
		registry:    deps.registry,
		breaker:     deps.breaker,
		checkpoints: deps.checkpoints,
		stats:       deps.stats,
		clock:       deps.clock,
		bus:         deps.bus,
		sink:        deps.sink,
		selector:    deps.selector,
		tracer:      deps.tracer,
		logger:      logger.With(zap.String("component", "recovery")),
		queue:       make(chan string, cfg.RecoveryQueueSize),
		wake:        make(chan struct{}, 1),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentRecoveries),
		timers:      make(map[uint64]*trackedTimer),
	}
}

// Enqueue hands a newly Failed agent to recovery. It never blocks.
func (o *RecoveryOrchestrator) Enqueue(agentID string) {
	if !o.cfg.EnableAutoRecovery {
		o.stats.unhandled.Add(1)
		o.logger.Warn("auto recovery disabled, failure left unhandled",
			zap.String("agent_id", agentID))
		o.bus.emit(Event{Type: EventRecoveryUnhandled, AgentID: agentID})
		return
	}

	select {
	case o.queue <- agentID:
		return
	default:
	}

	o.overflowMu.Lock()
	o.overflow = append(o.overflow, agentID)
	backlog := len(o.overflow)
	o.overflowMu.Unlock()

	o.logger.Warn("recovery queue full, using overflow",
		zap.String("agent_id", agentID),
		zap.Int("overflow", backlog))
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// run consumes the queue until ctx is cancelled.
func (o *RecoveryOrchestrator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(o.queue) + o.overflowLen(); n > 0 {
				o.logger.Warn("recovery stopped with queued failures", zap.Int("queued", n))
			}
			return
		case id := <-o.queue:
			o.dispatch(ctx, id)
		case <-o.wake:
			for _, id := range o.drainOverflow() {
				o.dispatch(ctx, id)
			}
		}
	}
}

func (o *RecoveryOrchestrator) overflowLen() int {
	o.overflowMu.Lock()
	defer o.overflowMu.Unlock()
	return len(o.overflow)
}

func (o *RecoveryOrchestrator) drainOverflow() []string {
	o.overflowMu.Lock()
	defer o.overflowMu.Unlock()
	ids := o.overflow
	o.overflow = nil
	return ids
}

func (o *RecoveryOrchestrator) dispatch(ctx context.Context, agentID string) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		o.recoverAgent(ctx, agentID)
	}()
}

// recoverAgent decides and applies the remedy for one failure.
func (o *RecoveryOrchestrator) recoverAgent(ctx context.Context, agentID string) {
	rec, ok := o.registry.Snapshot(agentID)
	if !ok || rec.Health != HealthFailed {
		o.logger.Debug("skipping recovery, agent no longer failed",
			zap.String("agent_id", agentID),
			zap.Bool("registered", ok))
		return
	}

	hasCheckpoint := false
	if rec.ActiveTask != "" {
		_, hasCheckpoint = o.checkpoints.Latest(rec.ActiveTask)
	}
	decision := DecideRecovery(o.cfg, rec, hasCheckpoint)

	now := o.clock.Now()
	o.stats.recordAttempt(now)

	ctx, span := o.tracer.Start(ctx, "faulttolerance.recover",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("task.id", rec.ActiveTask),
			attribute.String("recovery.action", string(decision.Action)),
			attribute.Int("recovery.restart_attempts", int(rec.RestartAttempts)),
		))
	defer span.End()

	o.logger.Info("recovery started",
		zap.String("agent_id", agentID),
		zap.String("task_id", rec.ActiveTask),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason))
	o.bus.emit(Event{
		Type:    EventRecoveryStarted,
		AgentID: agentID,
		TaskID:  rec.ActiveTask,
		To:      string(decision.Action),
		Detail:  decision.Reason,
		Time:    now,
	})

	switch decision.Action {
	case RecoveryRestart:
		o.after(o.cfg.RestartDelay,
			func() { o.restart(ctx, agentID, rec.generation) },
			func() { o.abandon(agentID, rec.ActiveTask, "restart cancelled by shutdown") })
	case RecoveryRedistribute:
		o.after(o.cfg.TaskRedistributionDelay,
			func() { o.redistribute(ctx, rec) },
			func() { o.abandon(agentID, rec.ActiveTask, "redistribution cancelled by shutdown") })
	default:
		var cp *Checkpoint
		if c, ok := o.checkpoints.Latest(rec.ActiveTask); ok && rec.ActiveTask != "" {
			cp = &c
		}
		span.SetStatus(codes.Error, decision.Reason)
		o.rollback(ctx, rec, decision.Reason, cp)
	}
}

// restart resets the agent if it is still in the failure it was scheduled
// for, then arms the confirmation watch.
func (o *RecoveryOrchestrator) restart(ctx context.Context, agentID string, generation uint64) {
	now := o.clock.Now()

	var (
		applied  bool
		attempts uint32
		confirm  *restartConfirmation
	)
	o.registry.withAgent(agentID, func(e *agentEntry) {
		if e.generation != generation || e.health != HealthFailed {
			return
		}
		e.restartAttempts++
		attempts = e.restartAttempts
		e.resetLocked(now, o.registry.nextGeneration(), false)
		confirm = &restartConfirmation{
			generation: e.generation,
			deadline:   now.Add(o.cfg.RecoveryConfirmationTimeout),
		}
		e.confirm = confirm
		applied = true
	})
	if !applied {
		o.abandon(agentID, "", "agent re-registered or removed before restart")
		return
	}

	o.stats.restarts.Add(1)
	trace.SpanFromContext(ctx).AddEvent("agent restarted")
	o.logger.Info("agent restarted",
		zap.String("agent_id", agentID),
		zap.Uint32("restart_attempts", attempts),
		zap.Time("confirm_by", confirm.deadline))
	o.bus.emit(Event{
		Type:    EventAgentRestarted,
		AgentID: agentID,
		From:    string(HealthFailed),
		To:      string(HealthHealthy),
		Detail:  fmt.Sprintf("attempt %d", attempts),
		Time:    now,
	})

	gen := confirm.generation
	expire := func() { o.confirmationExpired(agentID, gen) }
	t := o.after(o.cfg.RecoveryConfirmationTimeout, expire, expire)
	o.registry.withAgent(agentID, func(e *agentEntry) {
		if e.confirm == confirm {
			confirm.timer = t
		}
	})
}

func (o *RecoveryOrchestrator) confirmationExpired(agentID string, generation uint64) {
	var c *restartConfirmation
	o.registry.withAgent(agentID, func(e *agentEntry) {
		if e.confirm != nil && e.confirm.generation == generation {
			c = e.confirm
			e.confirm = nil
		}
	})
	if c != nil {
		o.resolveRestart(agentID, c, false)
	}
}

// resolveRestart closes a restart attempt. The caller must have detached c
// from its entry, which makes it the only resolver.
func (o *RecoveryOrchestrator) resolveRestart(agentID string, c *restartConfirmation, confirmed bool) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if confirmed {
		o.stats.successful.Add(1)
		o.logger.Info("restart confirmed by heartbeat", zap.String("agent_id", agentID))
		o.bus.emit(Event{Type: EventRestartConfirmed, AgentID: agentID})
		return
	}
	o.stats.failed.Add(1)
	o.logger.Warn("restart not confirmed", zap.String("agent_id", agentID))
	o.bus.emit(Event{Type: EventRestartUnconfirmed, AgentID: agentID})
}

// abandon closes an attempt that was cancelled before it took effect.
func (o *RecoveryOrchestrator) abandon(agentID, taskID, reason string) {
	o.stats.failed.Add(1)
	o.logger.Warn("recovery abandoned",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))
	o.bus.emit(Event{Type: EventRecoveryAbandoned, AgentID: agentID, TaskID: taskID, Detail: reason})
}

// redistribute moves the failed agent's task to another agent, falling back
// to rollback when no agent can take it. It does nothing if the agent was
// re-registered or removed while the redistribution delay was running.
func (o *RecoveryOrchestrator) redistribute(ctx context.Context, rec AgentRecord) {
	taskID := rec.ActiveTask
	if !o.sameFailure(rec) {
		o.abandon(rec.AgentID, taskID, "agent re-registered or removed before redistribution")
		return
	}

	var cp *Checkpoint
	if c, ok := o.checkpoints.Latest(taskID); ok {
		cp = &c
	}

	target, ok := o.selectTarget(rec.AgentID)
	if !ok {
		o.rollback(ctx, rec, "no eligible agent for redistribution", cp)
		return
	}

	now := o.clock.Now()
	// 代际校验与任务移交在同一次加锁中完成
	claimed := false
	o.registry.withAgent(rec.AgentID, func(e *agentEntry) {
		if e.generation != rec.generation || e.health != HealthFailed {
			return
		}
		if e.activeTask == taskID {
			e.activeTask = ""
		}
		claimed = true
	})
	if !claimed {
		o.abandon(rec.AgentID, taskID, "agent re-registered or removed before redistribution")
		return
	}

	var busyWith string
	o.registry.withAgent(target, func(e *agentEntry) {
		if e.activeTask != "" {
			busyWith = e.activeTask
			return
		}
		e.activeTask = taskID
	})
	if busyWith != "" {
		o.logger.Info("redistribution target is busy, task queued behind its current work",
			zap.String("task_id", taskID),
			zap.String("to_agent", target),
			zap.String("current_task", busyWith))
	}

	o.stats.redistributions.Add(1)
	o.stats.successful.Add(1)

	o.logger.Info("task redistributed",
		zap.String("task_id", taskID),
		zap.String("from_agent", rec.AgentID),
		zap.String("to_agent", target),
		zap.Bool("from_checkpoint", cp != nil))
	o.bus.emit(Event{
		Type:    EventTaskRedistributed,
		AgentID: rec.AgentID,
		TaskID:  taskID,
		From:    rec.AgentID,
		To:      target,
		Time:    now,
	})

	o.deliver(ctx, Handoff{
		ID:         uuid.NewString(),
		Kind:       HandoffRedistribute,
		TaskID:     taskID,
		FromAgent:  rec.AgentID,
		ToAgent:    target,
		Checkpoint: cp,
		Reason:     "agent failed and exhausted restart attempts",
		DecidedAt:  now,
	})
}

// sameFailure reports whether the agent is still in the failure episode rec
// was taken from.
func (o *RecoveryOrchestrator) sameFailure(rec AgentRecord) bool {
	same := false
	o.registry.withAgent(rec.AgentID, func(e *agentEntry) {
		same = e.generation == rec.generation && e.health == HealthFailed
	})
	return same
}

// selectTarget returns the first ranked Healthy agent whose circuit admits
// a task. Admission may consume a half-open trial.
func (o *RecoveryOrchestrator) selectTarget(failedAgentID string) (string, bool) {
	var candidates []AgentRecord
	for _, r := range o.registry.Records() {
		if r.AgentID != failedAgentID && r.Health == HealthHealthy {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	for _, c := range o.selector.Rank(failedAgentID, candidates) {
		if c.AgentID == failedAgentID {
			continue
		}
		if o.breaker.CanHandleTask(c.AgentID) {
			return c.AgentID, true
		}
	}
	return "", false
}

func (o *RecoveryOrchestrator) rollback(ctx context.Context, rec AgentRecord, reason string, cp *Checkpoint) {
	now := o.clock.Now()
	o.stats.rollbacks.Add(1)
	o.stats.failed.Add(1)

	o.logger.Warn("task rolled back",
		zap.String("agent_id", rec.AgentID),
		zap.String("task_id", rec.ActiveTask),
		zap.String("reason", reason))
	o.bus.emit(Event{
		Type:    EventTaskRolledBack,
		AgentID: rec.AgentID,
		TaskID:  rec.ActiveTask,
		Detail:  reason,
		Time:    now,
	})

	if rec.ActiveTask == "" {
		return
	}
	o.deliver(ctx, Handoff{
		ID:         uuid.NewString(),
		Kind:       HandoffRollback,
		TaskID:     rec.ActiveTask,
		FromAgent:  rec.AgentID,
		Checkpoint: cp,
		Reason:     reason,
		DecidedAt:  now,
	})
}

// deliver sends a handoff to the sink. Failures are reported but never
// undo counters already applied.
func (o *RecoveryOrchestrator) deliver(ctx context.Context, h Handoff) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffDeliveryTimeout)
	defer cancel()

	if err := o.sink.Deliver(ctx, h); err != nil {
		o.logger.Error("handoff delivery failed",
			zap.String("handoff_id", h.ID),
			zap.String("task_id", h.TaskID),
			zap.String("kind", string(h.Kind)),
			zap.Error(err))
		o.bus.emit(Event{
			Type:    EventHandoffFailed,
			AgentID: h.FromAgent,
			TaskID:  h.TaskID,
			Detail:  err.Error(),
		})
	}
}

// trackedTimer is a Timer owned by the orchestrator so that stop can cancel
// everything still pending.
type trackedTimer struct {
	o        *RecoveryOrchestrator
	id       uint64
	timer    Timer
	onCancel func()
}

// Stop cancels the timer without running onCancel.
func (t *trackedTimer) Stop() bool {
	if t == nil {
		return false
	}
	o := t.o
	o.timersMu.Lock()
	_, ok := o.timers[t.id]
	delete(o.timers, t.id)
	o.timersMu.Unlock()
	if !ok {
		return false
	}
	t.timer.Stop()
	o.wg.Done()
	return true
}

// after schedules fn. If the orchestrator is stopping, onCancel runs
// immediately instead and nil is returned.
func (o *RecoveryOrchestrator) after(d time.Duration, fn, onCancel func()) *trackedTimer {
	o.timersMu.Lock()
	if o.stopping {
		o.timersMu.Unlock()
		if onCancel != nil {
			onCancel()
		}
		return nil
	}
	o.nextTimer++
	t := &trackedTimer{o: o, id: o.nextTimer, onCancel: onCancel}
	o.timers[t.id] = t
	o.wg.Add(1)
	t.timer = o.clock.AfterFunc(d, func() { o.fire(t.id, fn) })
	o.timersMu.Unlock()
	return t
}

func (o *RecoveryOrchestrator) fire(id uint64, fn func()) {
	o.timersMu.Lock()
	_, ok := o.timers[id]
	delete(o.timers, id)
	o.timersMu.Unlock()
	if !ok {
		return
	}
	defer o.wg.Done()
	fn()
}

// pendingTimers returns the number of armed timers.
func (o *RecoveryOrchestrator) pendingTimers() int {
	o.timersMu.Lock()
	defer o.timersMu.Unlock()
	return len(o.timers)
}

// stop cancels every pending timer, resolving the attempts they belonged
// to, and waits for in-flight work until ctx is done.
func (o *RecoveryOrchestrator) stop(ctx context.Context) error {
	o.timersMu.Lock()
	o.stopping = true
	pending := make([]*trackedTimer, 0, len(o.timers))
	for id, t := range o.timers {
		pending = append(pending, t)
		delete(o.timers, id)
	}
	o.timersMu.Unlock()

	for _, t := range pending {
		t.timer.Stop()
		if t.onCancel != nil {
			t.onCancel()
		}
		o.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
