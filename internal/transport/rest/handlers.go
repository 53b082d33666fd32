package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/mlevkov/command-platform/internal/bus"
	"github.com/mlevkov/command-platform/internal/domain"
	"github.com/mlevkov/command-platform/internal/pkg/reqctx"
	"github.com/mlevkov/command-platform/internal/process"
	"github.com/mlevkov/command-platform/internal/transport/rest/response"
)

// SnapshotCache is the optional read-through cache for terminal commands.
type SnapshotCache interface {
	GetCommandSnapshot(ctx context.Context, id string) ([]byte, error)
	SetCommandSnapshot(ctx context.Context, id string, doc []byte) error
}

type Handler struct {
	bus       *bus.Bus
	commands  domain.CommandStore
	processes domain.ProcessStore
	manager   *process.Manager
	dlq       domain.DLQStore
	cache     SnapshotCache
	dbPing    func(ctx context.Context) error
}

type HandlerDeps struct {
	Bus       *bus.Bus
	Commands  domain.CommandStore
	Processes domain.ProcessStore
	Manager   *process.Manager
	DLQ       domain.DLQStore
	Cache     SnapshotCache
	DBPing    func(ctx context.Context) error
}

func NewHandler(d HandlerDeps) *Handler {
	if d.Bus == nil {
		panic("rest.NewHandler: nil bus")
	}
	if d.Commands == nil {
		panic("rest.NewHandler: nil command store")
	}
	return &Handler{
		bus:       d.Bus,
		commands:  d.Commands,
		processes: d.Processes,
		manager:   d.Manager,
		dlq:       d.DLQ,
		cache:     d.Cache,
		dbPing:    d.DBPing,
	}
}

type commandView struct {
	CommandID   string          `json:"command_id"`
	Name        string          `json:"name"`
	BusinessKey string          `json:"business_key,omitempty"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	RequestedAt time.Time       `json:"requested_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Reply       json.RawMessage `json:"reply,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func viewOf(cmd *domain.Command) commandView {
	v := commandView{
		CommandID:   cmd.ID.String(),
		Name:        cmd.Name,
		BusinessKey: cmd.BusinessKey,
		Status:      string(cmd.Status),
		Retries:     cmd.Retries,
		RequestedAt: cmd.RequestedAt,
		UpdatedAt:   cmd.UpdatedAt,
		Reply:       cmd.Reply,
	}
	if cmd.LastError != nil {
		v.LastError = *cmd.LastError
	}
	return v
}

// CreateCommand accepts a command for asynchronous execution. With a
// configured sync wait it blocks up to that long for the terminal reply;
// either way the command survives the request.
func (h *Handler) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string               `json:"name"`
		BusinessKey    string               `json:"business_key"`
		Payload        json.RawMessage      `json:"payload"`
		IdempotencyKey string               `json:"idempotency_key"`
		Reply          *domain.ReplyRouting `json:"reply,omitempty"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	// X-Idempotency-Key wins over the body field.
	idempotencyKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	}
	if idempotencyKey == "" {
		fail(w, r, http.StatusBadRequest, "idempotency_key.required", "X-Idempotency-Key header is required for this operation", nil)
		return
	}

	id, err := h.bus.Accept(r.Context(), bus.AcceptRequest{
		Name:           req.Name,
		IdempotencyKey: idempotencyKey,
		BusinessKey:    req.BusinessKey,
		Payload:        req.Payload,
		Reply:          req.Reply,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}

	if wait := h.bus.SyncWait(); wait > 0 {
		cmd, err := h.bus.WaitForReply(r.Context(), id, wait)
		if err != nil {
			handleErr(w, r, err)
			return
		}
		status := http.StatusAccepted
		if cmd.Status.Terminal() {
			status = http.StatusOK
		}
		response.Data(w, status, viewOf(cmd))
		return
	}

	response.Data(w, http.StatusAccepted, map[string]string{"command_id": id.String()})
}

func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "commandID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid commandID", map[string]string{
			"command_id": "must be a valid uuid",
		})
		return
	}

	if h.cache != nil {
		if doc, err := h.cache.GetCommandSnapshot(r.Context(), id.String()); err == nil {
			response.Data(w, http.StatusOK, json.RawMessage(doc))
			return
		}
	}

	cmd, err := h.commands.GetCommand(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	view := viewOf(cmd)
	if h.cache != nil && cmd.Status.Terminal() {
		if doc, err := json.Marshal(view); err == nil {
			_ = h.cache.SetCommandSnapshot(r.Context(), id.String(), doc)
		}
	}
	response.Data(w, http.StatusOK, view)
}

// StartProcess creates a process instance and schedules its start step.
func (h *Handler) StartProcess(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		fail(w, r, http.StatusNotFound, "process.disabled", "process manager not enabled", nil)
		return
	}

	var req struct {
		ProcessType string         `json:"process_type"`
		BusinessKey string         `json:"business_key"`
		Data        map[string]any `json:"data"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.ProcessType) == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "process_type is required", nil)
		return
	}

	id, err := h.manager.Start(r.Context(), req.ProcessType, strings.TrimSpace(req.BusinessKey), req.Data)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "process.start_failed", err.Error(), nil)
		return
	}

	response.Data(w, http.StatusAccepted, map[string]string{"process_id": id.String()})
}

func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	if h.processes == nil {
		fail(w, r, http.StatusNotFound, "process.disabled", "process manager not enabled", nil)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "processID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid processID", nil)
		return
	}

	p, err := h.processes.GetProcess(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"process_id":   p.ID.String(),
		"process_type": p.Type,
		"business_key": p.BusinessKey,
		"status":       string(p.Status),
		"current_step": p.CurrentStep,
		"data":         p.Data,
		"history":      p.History,
		"created_at":   p.CreatedAt,
		"updated_at":   p.UpdatedAt,
	})
}

// ListDLQ exposes parked commands for operators.
func (h *Handler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		fail(w, r, http.StatusNotFound, "dlq.disabled", "dlq not enabled", nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	entries, err := h.dlq.ListParked(r.Context(), limit)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"command_id":    e.CommandID.String(),
			"command_name":  e.CommandName,
			"business_key":  e.BusinessKey,
			"failed_status": string(e.FailedStatus),
			"error_class":   e.ErrorClass,
			"error_message": e.ErrorMessage,
			"attempts":      e.Attempts,
			"parked_by":     e.ParkedBy,
			"parked_at":     e.ParkedAt,
		})
	}
	response.Data(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.dbPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.dbPing(ctx); err != nil {
			response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		fail(w, r, http.StatusConflict, "idempotency_key.conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidCommand):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrCommandNotFound):
		fail(w, r, http.StatusNotFound, "command.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrProcessNotFound):
		fail(w, r, http.StatusNotFound, "process.not_found", err.Error(), nil)
	default:
		// Do not leak internal details.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := reqctx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 50
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 50
	}
	if n < 1 {
		return 1
	}
	if n > 500 {
		return 500
	}
	return n
}
