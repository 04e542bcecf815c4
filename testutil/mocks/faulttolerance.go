// =============================================================================
// 🛡️ 故障容错端口模拟实现
// =============================================================================
// HandoffSink 与 Observer 的记录型实现，支持错误注入
//
// 使用方法:
//
//	sink := mocks.NewRecordingSink()
//	events := mocks.NewEventRecorder()
//	mgr, _ := faulttolerance.New(cfg,
//		faulttolerance.WithHandoffSink(sink),
//		faulttolerance.WithObserver(events))
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// =============================================================================
// 🔁 RecordingSink
// =============================================================================

// RecordingSink 记录所有投递的交接
type RecordingSink struct {
	mu       sync.Mutex
	handoffs []faulttolerance.Handoff
	err      error
}

// NewRecordingSink 创建 RecordingSink
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// WithError 之后的每次投递都返回 err（交接仍会被记录）
func (s *RecordingSink) WithError(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Deliver 实现 faulttolerance.HandoffSink
func (s *RecordingSink) Deliver(ctx context.Context, h faulttolerance.Handoff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, h)
	return s.err
}

// Handoffs 返回已记录交接的副本
func (s *RecordingSink) Handoffs() []faulttolerance.Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]faulttolerance.Handoff(nil), s.handoffs...)
}

// =============================================================================
// 📣 EventRecorder
// =============================================================================

// EventRecorder 记录所有故障事件
type EventRecorder struct {
	mu     sync.Mutex
	events []faulttolerance.Event
}

// NewEventRecorder 创建 EventRecorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// OnFaultEvent 实现 faulttolerance.Observer
func (r *EventRecorder) OnFaultEvent(e faulttolerance.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events 返回已记录事件的副本
func (r *EventRecorder) Events() []faulttolerance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]faulttolerance.Event(nil), r.events...)
}

// Types 按顺序返回事件类型
func (r *EventRecorder) Types() []faulttolerance.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]faulttolerance.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count 返回指定类型的事件数
func (r *EventRecorder) Count(typ faulttolerance.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
