package faulttolerance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a fault tolerance transition.
type EventType string

const (
	EventAgentRegistered    EventType = "agent_registered"
	EventAgentUnregistered  EventType = "agent_unregistered"
	EventAgentUnresponsive  EventType = "agent_unresponsive"
	EventAgentRecovered     EventType = "agent_recovered_heartbeat"
	EventAgentFailed        EventType = "agent_failed"
	EventCircuitOpened      EventType = "circuit_opened"
	EventCircuitHalfOpen    EventType = "circuit_half_open"
	EventCircuitClosed      EventType = "circuit_closed"
	EventRecoveryStarted    EventType = "recovery_started"
	EventAgentRestarted     EventType = "agent_restarted"
	EventRestartConfirmed   EventType = "restart_confirmed"
	EventRestartUnconfirmed EventType = "restart_unconfirmed"
	EventTaskRedistributed  EventType = "task_redistributed"
	EventTaskRolledBack     EventType = "task_rolled_back"
	EventRecoveryUnhandled  EventType = "recovery_unhandled"
	EventRecoveryAbandoned  EventType = "recovery_abandoned"
	EventHandoffFailed      EventType = "handoff_failed"
)

// Event describes one transition observed by the manager.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	AgentID string    `json:"agent_id"`
	TaskID  string    `json:"task_id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Observer receives every event synchronously. Implementations must not block.
type Observer interface {
	OnFaultEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnFaultEvent(e Event) { f(e) }

// eventBus fans events out to observers and live subscribers.
type eventBus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[uint64]chan Event
	nextSub   uint64
	closed    bool
	dropped   atomic.Uint64
	clock     Clock
	logger    *zap.Logger
}

func newEventBus(clock Clock, logger *zap.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[uint64]chan Event),
		clock:  clock,
		logger: logger,
	}
}

func (b *eventBus) addObserver(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// emit stamps and publishes an event. Callers must not hold entry locks.
func (b *eventBus) emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = b.clock.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, o := range b.observers {
		b.notify(o, e)
	}
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n&(n-1) == 0 {
				b.logger.Warn("event subscriber is slow, dropping events",
					zap.Uint64("dropped_total", n))
			}
		}
	}
}

func (b *eventBus) notify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	o.OnFaultEvent(e)
}

// subscribe registers a buffered channel. The returned cancel func is
// idempotent and closes the channel.
func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// close ends every subscription. Observers keep receiving events.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
