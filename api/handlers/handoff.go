package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/agent/persistence"
	"github.com/BaSui01/fleetguard/api"
	"github.com/BaSui01/fleetguard/types"
)

const (
	defaultHandoffLimit = 50
	maxHandoffLimit     = 500
)

// HandoffQueue is the read/ack side of a persistence.HandoffStore.
type HandoffQueue interface {
	Get(ctx context.Context, id string) (*persistence.HandoffRecord, error)
	Pending(ctx context.Context, limit int) ([]*persistence.HandoffRecord, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
	Stats(ctx context.Context) (*persistence.HandoffStoreStats, error)
}

// HandoffHandler lets an execution engine poll and acknowledge recovery handoffs.
type HandoffHandler struct {
	store  HandoffQueue
	logger *zap.Logger
}

// NewHandoffHandler 创建交接处理器
func NewHandoffHandler(store HandoffQueue, logger *zap.Logger) *HandoffHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandoffHandler{store: store, logger: logger.With(zap.String("handler", "handoff"))}
}

// Register 注册路由
func (h *HandoffHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/handoffs", h.HandlePending)
	mux.HandleFunc("GET /api/v1/handoffs/stats", h.HandleStats)
	mux.HandleFunc("GET /api/v1/handoffs/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/handoffs/{id}/ack", h.HandleAck)
}

// HandlePending GET /api/v1/handoffs?limit=N returns due handoffs, oldest first.
func (h *HandoffHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHandoffLimit, maxHandoffLimit)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	records, err := h.store.Pending(r.Context(), limit)
	if err != nil {
		WriteError(w, r, h.storeError(err, ""), h.logger)
		return
	}
	if records == nil {
		records = []*persistence.HandoffRecord{}
	}
	WriteSuccess(w, r, map[string]any{"handoffs": records, "count": len(records)})
}

// HandleStats GET /api/v1/handoffs/stats
func (h *HandoffHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		WriteError(w, r, h.storeError(err, ""), h.logger)
		return
	}
	WriteSuccess(w, r, stats)
}

// HandleGet GET /api/v1/handoffs/{id}
func (h *HandoffHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.storeError(err, id), h.logger)
		return
	}
	WriteSuccess(w, r, rec)
}

// HandleAck POST /api/v1/handoffs/{id}/ack. {"success": false} schedules a
// redelivery instead of acknowledging.
func (h *HandoffHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	req := api.HandoffAckRequest{Success: true}
	if err := DecodeJSONBody(w, r, &req, true, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	var err error
	if req.Success {
		err = h.store.Ack(r.Context(), id)
	} else {
		err = h.store.Nack(r.Context(), id)
	}
	if err != nil {
		WriteError(w, r, h.storeError(err, id), h.logger)
		return
	}

	h.logger.Debug("handoff acknowledged", zap.String("handoff_id", id), zap.Bool("success", req.Success))
	w.WriteHeader(http.StatusNoContent)
}

func (h *HandoffHandler) storeError(err error, id string) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return types.Errorf(types.ErrHandoffNotFound, "handoff %q not found", id)
	case errors.Is(err, persistence.ErrInvalidInput):
		return types.NewInvalidRequestError(err.Error())
	case errors.Is(err, persistence.ErrStoreClosed):
		return types.NewError(types.ErrServiceUnavailable, "handoff store is closed").WithCause(err)
	default:
		return types.NewError(types.ErrInternalError, "handoff store error").WithCause(err)
	}
}

// parseLimit reads ?limit=, falling back to def and capping at max.
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, types.NewInvalidRequestError("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
