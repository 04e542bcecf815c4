package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/agent/persistence"
	"github.com/BaSui01/fleetguard/api"
	"github.com/BaSui01/fleetguard/types"
)

const (
	defaultEventBuffer = 64
	eventWriteTimeout  = 5 * time.Second

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// EventSource is the live side of the fault event bus.
type EventSource interface {
	Subscribe(buffer int) (<-chan faulttolerance.Event, func())
}

// JournalReader is the query side of persistence.EventJournal.
type JournalReader interface {
	List(ctx context.Context, q persistence.JournalQuery) ([]faulttolerance.Event, error)
}

// EventsHandler streams live fault events over websocket and serves the
// journal history. journal may be nil when no journal is configured.
type EventsHandler struct {
	source  EventSource
	journal JournalReader
	buffer  int
	logger  *zap.Logger

	acceptOptions *websocket.AcceptOptions
}

// EventsOption configures an EventsHandler.
type EventsOption func(*EventsHandler)

// WithEventBuffer sets the per-connection subscription buffer.
func WithEventBuffer(n int) EventsOption {
	return func(h *EventsHandler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin websocket upgrades from hosts
// matching the patterns (path.Match syntax, e.g. "*.example.com").
// Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) EventsOption {
	return func(h *EventsHandler) {
		if len(patterns) > 0 {
			h.acceptOptions = &websocket.AcceptOptions{OriginPatterns: patterns}
		}
	}
}

// NewEventsHandler 创建事件处理器
func NewEventsHandler(source EventSource, journal JournalReader, logger *zap.Logger, opts ...EventsOption) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventsHandler{
		source:  source,
		journal: journal,
		buffer:  defaultEventBuffer,
		logger:  logger.With(zap.String("handler", "events")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.HandleStream)
	mux.HandleFunc("GET /api/v1/events/history", h.HandleHistory)
}

// HandleStream GET /api/v1/events upgrades to a websocket and pushes every
// event as one JSON text message. ?agent_id= narrows the stream.
//
// A subscriber that falls behind loses events rather than slowing the
// manager; the connection stays open.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	agentFilter := r.URL.Query().Get("agent_id")

	// 长连接不受服务器 WriteTimeout 限制，每条消息单独设超时
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, h.acceptOptions)
	if err != nil {
		// Accept has already written the failure response
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := h.source.Subscribe(h.buffer)
	defer unsubscribe()

	// Client messages are ignored; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event stream opened", zap.String("agent_filter", agentFilter))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed by client")
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "fault manager stopped")
				return
			}
			if agentFilter != "" && e.AgentID != agentFilter {
				continue
			}
			if err := h.write(ctx, conn, e); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, e faulttolerance.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// HandleHistory GET /api/v1/events/history. Supported filters: agent_id,
// task_id, type, since (RFC3339) and limit. Newest first.
func (h *EventsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		WriteErrorMessage(w, r, http.StatusNotImplemented, types.ErrServiceUnavailable, "event journal is disabled", h.logger)
		return
	}

	q, err := parseJournalQuery(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	events, err := h.journal.List(r.Context(), q)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "journal query failed").WithCause(err), h.logger)
		return
	}
	if events == nil {
		events = []faulttolerance.Event{}
	}
	WriteSuccess(w, r, api.EventHistoryResponse{Events: events, Count: len(events)})
}

func parseJournalQuery(r *http.Request) (persistence.JournalQuery, error) {
	values := r.URL.Query()
	q := persistence.JournalQuery{
		AgentID: values.Get("agent_id"),
		TaskID:  values.Get("task_id"),
		Type:    faulttolerance.EventType(values.Get("type")),
	}

	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, types.NewInvalidRequestError("since must be an RFC3339 timestamp")
		}
		q.Since = since
	}

	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		return q, err
	}
	q.Limit = limit
	return q, nil
}
