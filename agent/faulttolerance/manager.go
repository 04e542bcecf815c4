package faulttolerance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/types"
)

const instrumentationName = "github.com/BaSui01/fleetguard/agent/faulttolerance"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Nil means no logging.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithObserver adds an observer of fault events.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithHandoffSink sets where redistribution and rollback handoffs go.
func WithHandoffSink(sink HandoffSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithAgentSelector replaces the redistribution target ranking.
func WithAgentSelector(s AgentSelector) Option {
	return func(m *Manager) {
		if s != nil {
			m.selector = s
		}
	}
}

// WithTracer sets the tracer used for recovery spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Manager is the fault tolerance facade: it owns the registry, the health
// monitor, the circuit breakers, the checkpoint store and recovery.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock

	observers []Observer
	sink      HandoffSink
	selector  AgentSelector
	tracer    trace.Tracer

	registry    *AgentRegistry
	health      *HealthMonitor
	breaker     *CircuitBreaker
	checkpoints *CheckpointStore
	recovery    *RecoveryOrchestrator
	stats       *statsCounters
	bus         *eventBus

	mu       sync.Mutex
	state    lifecycle
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New validates cfg and builds a Manager. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withRuntimeDefaults()

	m := &Manager{
		cfg:      cfg,
		logger:   zap.NewNop(),
		clock:    RealClock(),
		selector: IdleFirstSelector{},
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "fault_tolerance"))

	m.bus = newEventBus(m.clock, m.logger)
	for _, o := range m.observers {
		m.bus.addObserver(o)
	}
	m.stats = &statsCounters{}
	m.registry = NewAgentRegistry()
	m.checkpoints = NewCheckpointStore(cfg.MaxCheckpoints, m.clock, m.logger)
	m.breaker = newCircuitBreaker(cfg, m.registry, m.clock, m.bus, m.logger)
	m.recovery = newRecoveryOrchestrator(cfg, orchestratorDeps{
		registry:    m.registry,
		breaker:     m.breaker,
		checkpoints: m.checkpoints,
		stats:       m.stats,
		clock:       m.clock,
		bus:         m.bus,
		sink:        m.sink,
		selector:    m.selector,
		tracer:      m.tracer,
	}, m.logger)
	m.health = newHealthMonitor(cfg, m.registry, m.clock, m.bus, m.recovery, m.logger)

	return m, nil
}

// Start launches the periodic sweep and the recovery consumer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case lifecycleRunning:
		return types.NewError(types.ErrAlreadyStarted, "fault tolerance manager already started")
	case lifecycleStopped:
		return types.NewError(types.ErrNotRunning, "fault tolerance manager has been stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	m.state = lifecycleRunning

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.sweepLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		m.recovery.run(runCtx)
	}()
	go func() {
		wg.Wait()
		close(m.loopDone)
	}()

	m.logger.Info("fault tolerance manager started",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Duration("agent_timeout", m.cfg.AgentTimeout),
		zap.Bool("auto_recovery", m.cfg.EnableAutoRecovery))
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if failed := m.health.Sweep(); len(failed) > 0 {
				m.logger.Debug("sweep detected failures", zap.Strings("agents", failed))
			}
		}
	}
}

// Stop cancels the sweep and pending timers, then waits for in-flight
// recoveries up to StopTimeout or the ctx deadline, whichever comes first.
// Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != lifecycleRunning {
		m.state = lifecycleStopped
		m.mu.Unlock()
		return nil
	}
	m.state = lifecycleStopped
	cancel, loopDone := m.cancel, m.loopDone
	m.mu.Unlock()

	ctx, cancelWait := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancelWait()

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
	}

	err := m.recovery.stop(ctx)
	m.bus.close()

	if err != nil {
		m.logger.Error("fault tolerance manager stop timed out", zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return types.NewError(types.ErrShutdownTimeout, "timed out waiting for in-flight recoveries").WithCause(err)
		}
		return types.NewError(types.ErrShutdownTimeout, "stop interrupted").WithCause(err)
	}
	m.logger.Info("fault tolerance manager stopped")
	return nil
}

// Running reports whether Start has been called and Stop has not.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == lifecycleRunning
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Registration is what a registration call did to the agent.
type Registration string

const (
	// RegistrationCreated: the agent was not known before.
	RegistrationCreated Registration = "created"
	// RegistrationExisting: the agent was live and nothing changed.
	RegistrationExisting Registration = "existing"
	// RegistrationReset: a Failed agent was cleared and starts a new episode.
	RegistrationReset Registration = "reset"
)

// RegisterAgent starts monitoring an agent. Registering a live agent is a
// no-op; registering a Failed agent clears its state.
func (m *Manager) RegisterAgent(agentID string) error {
	_, err := m.Register(agentID)
	return err
}

// Register is RegisterAgent that also reports the outcome.
func (m *Manager) Register(agentID string) (Registration, error) {
	if agentID == "" {
		return "", types.NewInvalidRequestError("agent id is required")
	}
	now := m.clock.Now()
	res, pending := m.registry.register(agentID, now)
	if pending != nil {
		m.recovery.resolveRestart(agentID, pending, false)
	}

	switch res {
	case registerCreated:
		m.logger.Info("agent registered", zap.String("agent_id", agentID))
	case registerReset:
		m.logger.Info("failed agent re-registered", zap.String("agent_id", agentID))
	default:
		return RegistrationExisting, nil
	}
	m.bus.emit(Event{Type: EventAgentRegistered, AgentID: agentID, To: string(HealthHealthy), Time: now})
	if res == registerReset {
		return RegistrationReset, nil
	}
	return RegistrationCreated, nil
}

// UnregisterAgent stops monitoring an agent and reports whether it existed.
func (m *Manager) UnregisterAgent(agentID string) bool {
	ok, pending := m.registry.unregister(agentID)
	if !ok {
		return false
	}
	if pending != nil {
		m.recovery.resolveRestart(agentID, pending, false)
	}
	m.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	m.bus.emit(Event{Type: EventAgentUnregistered, AgentID: agentID})
	return true
}

// GetAgentHealth returns the agent's health.
func (m *Manager) GetAgentHealth(agentID string) (HealthState, bool) {
	rec, ok := m.registry.Snapshot(agentID)
	return rec.Health, ok
}

// GetAgentRecord returns a copy of the agent's record.
func (m *Manager) GetAgentRecord(agentID string) (AgentRecord, bool) {
	return m.registry.Snapshot(agentID)
}

// GetAllAgentRecords returns copies of every record, ordered by agent id.
func (m *Manager) GetAllAgentRecords() []AgentRecord {
	return m.registry.Records()
}

// GetAllAgentHealth returns the health of every registered agent.
func (m *Manager) GetAllAgentHealth() map[string]HealthState {
	return m.registry.HealthAll()
}

// RecordHeartbeat records that the agent is alive, working on taskID.
func (m *Manager) RecordHeartbeat(agentID, taskID string) error {
	return m.health.RecordHeartbeat(agentID, taskID)
}

// RecordTaskResult feeds a task outcome to the agent's circuit breaker.
func (m *Manager) RecordTaskResult(agentID string, success bool, d time.Duration) error {
	return m.breaker.RecordTaskResult(agentID, success, d)
}

// GetCircuitBreakerStatus returns the agent's circuit read model.
func (m *Manager) GetCircuitBreakerStatus(agentID string) (CircuitBreakerStatus, bool) {
	return m.breaker.Status(agentID)
}

// CanHandleTask reports whether a new task may be dispatched to the agent.
// A true result in HalfOpen reserves the single trial.
func (m *Manager) CanHandleTask(agentID string) bool {
	return m.breaker.CanHandleTask(agentID)
}

// CreateCheckpoint records task progress.
func (m *Manager) CreateCheckpoint(taskID, agentID string, state TaskState, progress TaskProgress, ctx map[string]any) (Checkpoint, error) {
	return m.checkpoints.Create(taskID, agentID, state, progress, ctx)
}

// GetLatestCheckpoint returns the most recent checkpoint of a task.
func (m *Manager) GetLatestCheckpoint(taskID string) (Checkpoint, bool) {
	return m.checkpoints.Latest(taskID)
}

// ListCheckpoints returns the retained checkpoints of a task, oldest first.
func (m *Manager) ListCheckpoints(taskID string) []Checkpoint {
	return m.checkpoints.List(taskID)
}

// ClearCheckpoints drops a task's checkpoints.
func (m *Manager) ClearCheckpoints(taskID string) int {
	return m.checkpoints.Clear(taskID)
}

// GetRecoveryStats returns a snapshot of the recovery counters.
func (m *Manager) GetRecoveryStats() RecoveryStatistics {
	return m.stats.snapshot()
}

// Subscribe returns a live feed of fault events. Events are dropped for a
// subscriber whose buffer is full. The channel is closed by the returned
// cancel func or when the manager stops.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.subscribe(buffer)
}
