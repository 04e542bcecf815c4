// =============================================================================
// 📦 测试数据工厂 - 舰队测试数据
// =============================================================================
// 提供预定义的交接、事件与检查点，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// Epoch 所有固定时间戳的基准
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// AgentIDs 返回 n 个形如 agent-0 的 ID
func AgentIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i)
	}
	return ids
}

// =============================================================================
// 🔁 交接
// =============================================================================

// Handoff 返回一个从 agent-a 移交的交接，task ID 为 "task-" + id
func Handoff(id string, kind faulttolerance.HandoffKind) faulttolerance.Handoff {
	h := faulttolerance.Handoff{
		ID:        id,
		Kind:      kind,
		TaskID:    "task-" + id,
		FromAgent: "agent-a",
		Reason:    "agent failed",
		DecidedAt: Epoch,
	}
	if kind == faulttolerance.HandoffRedistribute {
		h.ToAgent = "agent-b"
	}
	return h
}

// =============================================================================
// 📣 事件
// =============================================================================

// Event 返回第 i 个事件，时间为 Epoch 之后 i 秒
func Event(i int, typ faulttolerance.EventType, agentID string) faulttolerance.Event {
	return faulttolerance.Event{
		ID:      fmt.Sprintf("evt-%d", i),
		Type:    typ,
		AgentID: agentID,
		Time:    Epoch.Add(time.Duration(i) * time.Second),
	}
}

// CircuitEvent 返回一次熔断器状态转换事件
func CircuitEvent(i int, agentID, from, to string) faulttolerance.Event {
	typ := faulttolerance.EventCircuitClosed
	switch to {
	case "open":
		typ = faulttolerance.EventCircuitOpened
	case "half_open":
		typ = faulttolerance.EventCircuitHalfOpen
	}
	e := Event(i, typ, agentID)
	e.From, e.To = from, to
	return e
}
