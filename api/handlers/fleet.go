package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/api"
	"github.com/BaSui01/fleetguard/types"
)

// =============================================================================
// 🛰️ Fleet Handler
// =============================================================================

// FleetManager is the subset of faulttolerance.Manager served over HTTP.
type FleetManager interface {
	Register(agentID string) (faulttolerance.Registration, error)
	UnregisterAgent(agentID string) bool
	GetAgentRecord(agentID string) (faulttolerance.AgentRecord, bool)
	GetAllAgentRecords() []faulttolerance.AgentRecord
	RecordHeartbeat(agentID, taskID string) error
	RecordTaskResult(agentID string, success bool, d time.Duration) error
	GetCircuitBreakerStatus(agentID string) (faulttolerance.CircuitBreakerStatus, bool)
	CanHandleTask(agentID string) bool
	CreateCheckpoint(taskID, agentID string, state faulttolerance.TaskState, progress faulttolerance.TaskProgress, ctx map[string]any) (faulttolerance.Checkpoint, error)
	GetLatestCheckpoint(taskID string) (faulttolerance.Checkpoint, bool)
	ListCheckpoints(taskID string) []faulttolerance.Checkpoint
	ClearCheckpoints(taskID string) int
	GetRecoveryStats() faulttolerance.RecoveryStatistics
}

// TaskResultRecorder observes accepted task results; metrics.Collector implements it.
type TaskResultRecorder interface {
	RecordTaskResult(success bool, d time.Duration)
}

// FleetHandler serves agent, checkpoint and recovery endpoints.
type FleetHandler struct {
	manager  FleetManager
	recorder TaskResultRecorder
	logger   *zap.Logger
}

// FleetOption configures a FleetHandler.
type FleetOption func(*FleetHandler)

// WithTaskResultRecorder records every accepted task result.
func WithTaskResultRecorder(r TaskResultRecorder) FleetOption {
	return func(h *FleetHandler) { h.recorder = r }
}

// NewFleetHandler 创建 Fleet 处理器
func NewFleetHandler(manager FleetManager, logger *zap.Logger, opts ...FleetOption) *FleetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &FleetHandler{
		manager: manager,
		logger:  logger.With(zap.String("handler", "fleet")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由
func (h *FleetHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.HandleGetAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}", h.HandleRegisterAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", h.HandleUnregisterAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /api/v1/agents/{id}/results", h.HandleTaskResult)
	mux.HandleFunc("GET /api/v1/agents/{id}/circuit", h.HandleCircuitStatus)
	mux.HandleFunc("POST /api/v1/agents/{id}/admission", h.HandleAdmission)

	mux.HandleFunc("POST /api/v1/tasks/{id}/checkpoints", h.HandleCreateCheckpoint)
	mux.HandleFunc("GET /api/v1/tasks/{id}/checkpoints", h.HandleListCheckpoints)
	mux.HandleFunc("GET /api/v1/tasks/{id}/checkpoints/latest", h.HandleLatestCheckpoint)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}/checkpoints", h.HandleClearCheckpoints)

	mux.HandleFunc("GET /api/v1/recovery/stats", h.HandleRecoveryStats)
}

// =============================================================================
// 🤖 智能体
// =============================================================================

// HandleListAgents GET /api/v1/agents
func (h *FleetHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	records := h.manager.GetAllAgentRecords()
	byHealth := map[string]int{
		string(faulttolerance.HealthHealthy):      0,
		string(faulttolerance.HealthUnresponsive): 0,
		string(faulttolerance.HealthFailed):       0,
	}
	for _, rec := range records {
		byHealth[string(rec.Health)]++
	}
	WriteSuccess(w, r, api.AgentListResponse{Agents: records, Count: len(records), ByHealth: byHealth})
}

// HandleGetAgent GET /api/v1/agents/{id}
func (h *FleetHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.manager.GetAgentRecord(id)
	if !ok {
		WriteError(w, r, types.NewAgentNotFoundError(id), h.logger)
		return
	}
	WriteSuccess(w, r, rec)
}

// HandleRegisterAgent POST /api/v1/agents/{id}. 201 when the agent is new or
// a failed agent was reset, 200 when a live agent was already registered.
func (h *FleetHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := h.manager.Register(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	rec, _ := h.manager.GetAgentRecord(id)
	status := http.StatusCreated
	if outcome == faulttolerance.RegistrationExisting {
		status = http.StatusOK
	}
	WriteData(w, r, status, rec)
}

// HandleUnregisterAgent DELETE /api/v1/agents/{id}
func (h *FleetHandler) HandleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.manager.UnregisterAgent(id) {
		WriteError(w, r, types.NewAgentNotFoundError(id), h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHeartbeat POST /api/v1/agents/{id}/heartbeat
func (h *FleetHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if err := DecodeJSONBody(w, r, &req, true, h.logger); err != nil {
		return
	}
	id := r.PathValue("id")
	if err := h.manager.RecordHeartbeat(id, req.TaskID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTaskResult POST /api/v1/agents/{id}/results
func (h *FleetHandler) HandleTaskResult(w http.ResponseWriter, r *http.Request) {
	var req api.TaskResultRequest
	if err := DecodeJSONBody(w, r, &req, false, h.logger); err != nil {
		return
	}
	if req.DurationMs < 0 {
		WriteError(w, r, types.NewInvalidRequestError("duration_ms must not be negative"), h.logger)
		return
	}

	id := r.PathValue("id")
	if err := h.manager.RecordTaskResult(id, req.Success, req.Duration()); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if h.recorder != nil {
		h.recorder.RecordTaskResult(req.Success, req.Duration())
	}

	status, _ := h.manager.GetCircuitBreakerStatus(id)
	WriteSuccess(w, r, status)
}

// HandleCircuitStatus GET /api/v1/agents/{id}/circuit
func (h *FleetHandler) HandleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := h.manager.GetCircuitBreakerStatus(id)
	if !ok {
		WriteError(w, r, types.NewAgentNotFoundError(id), h.logger)
		return
	}
	WriteSuccess(w, r, status)
}

// HandleAdmission POST /api/v1/agents/{id}/admission. An allowed answer in
// half-open reserves the single trial, so this is not a GET.
func (h *FleetHandler) HandleAdmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.manager.GetCircuitBreakerStatus(id); !ok {
		WriteError(w, r, types.NewAgentNotFoundError(id), h.logger)
		return
	}

	allowed := h.manager.CanHandleTask(id)
	status, _ := h.manager.GetCircuitBreakerStatus(id)
	WriteSuccess(w, r, api.AdmissionResponse{AgentID: id, Allowed: allowed, Circuit: status.State})
}

// =============================================================================
// 💾 检查点
// =============================================================================

// HandleCreateCheckpoint POST /api/v1/tasks/{id}/checkpoints
func (h *FleetHandler) HandleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req api.CheckpointRequest
	if err := DecodeJSONBody(w, r, &req, false, h.logger); err != nil {
		return
	}

	cp, err := h.manager.CreateCheckpoint(r.PathValue("id"), req.AgentID, req.TaskState, req.Progress, req.Context)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteData(w, r, http.StatusCreated, cp)
}

// HandleListCheckpoints GET /api/v1/tasks/{id}/checkpoints
func (h *FleetHandler) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	cps := h.manager.ListCheckpoints(taskID)
	if cps == nil {
		cps = []faulttolerance.Checkpoint{}
	}
	WriteSuccess(w, r, api.CheckpointListResponse{TaskID: taskID, Checkpoints: cps})
}

// HandleLatestCheckpoint GET /api/v1/tasks/{id}/checkpoints/latest
func (h *FleetHandler) HandleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	cp, ok := h.manager.GetLatestCheckpoint(taskID)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrCheckpointNotFound, "task %q has no checkpoints", taskID), h.logger)
		return
	}
	WriteSuccess(w, r, cp)
}

// HandleClearCheckpoints DELETE /api/v1/tasks/{id}/checkpoints
func (h *FleetHandler) HandleClearCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	WriteSuccess(w, r, api.ClearCheckpointsResponse{TaskID: taskID, Removed: h.manager.ClearCheckpoints(taskID)})
}

// =============================================================================
// 📈 恢复统计
// =============================================================================

// HandleRecoveryStats GET /api/v1/recovery/stats
func (h *FleetHandler) HandleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.manager.GetRecoveryStats())
}
