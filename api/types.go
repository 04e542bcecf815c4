package api

import (
	"time"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// =============================================================================
// 智能体
// =============================================================================

// AgentListResponse 列出全部已注册智能体
type AgentListResponse struct {
	Agents   []faulttolerance.AgentRecord `json:"agents"`
	Count    int                          `json:"count"`
	ByHealth map[string]int               `json:"by_health"`
}

// HeartbeatRequest 心跳请求，请求体可省略
type HeartbeatRequest struct {
	// 智能体当前执行的任务
	TaskID string `json:"task_id,omitempty" example:"task-42"`
}

// TaskResultRequest 任务结果上报
type TaskResultRequest struct {
	Success bool `json:"success"`
	// 任务耗时（毫秒）
	DurationMs int64 `json:"duration_ms" example:"1500"`
}

// Duration 返回任务耗时
func (r TaskResultRequest) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// AdmissionResponse 派发许可查询结果
type AdmissionResponse struct {
	AgentID string `json:"agent_id"`
	Allowed bool   `json:"allowed"`
	// 查询后的熔断器状态
	Circuit faulttolerance.CircuitState `json:"circuit"`
}

// =============================================================================
// 检查点
// =============================================================================

// CheckpointRequest 创建检查点请求
type CheckpointRequest struct {
	AgentID   string                      `json:"agent_id" binding:"required"`
	TaskState faulttolerance.TaskState    `json:"task_state"`
	Progress  faulttolerance.TaskProgress `json:"progress"`
	Context   map[string]any              `json:"context,omitempty"`
}

// CheckpointListResponse 检查点列表（从旧到新）
type CheckpointListResponse struct {
	TaskID      string                      `json:"task_id"`
	Checkpoints []faulttolerance.Checkpoint `json:"checkpoints"`
}

// ClearCheckpointsResponse 清理结果
type ClearCheckpointsResponse struct {
	TaskID  string `json:"task_id"`
	Removed int    `json:"removed"`
}

// =============================================================================
// 交接与事件日志
// =============================================================================

// HandoffAckRequest 处理结果确认；Success 为 false 时安排重投
type HandoffAckRequest struct {
	Success bool `json:"success"`
}

// EventHistoryResponse 事件日志查询结果（从新到旧）
type EventHistoryResponse struct {
	Events []faulttolerance.Event `json:"events"`
	Count  int                    `json:"count"`
}
