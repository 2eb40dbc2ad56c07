package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/models"
	"github.com/taskfleet/dispatch/internal/scheduler"
)

// IdentityHeader names the caller for authorization. An empty header maps
// to "anonymous"; real deployments put an authenticating proxy in front.
const IdentityHeader = "X-Dispatch-User"

const defaultListLimit = 100

// ClientHandler serves the user-facing task API.
type ClientHandler struct {
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewClientHandler creates the client API handler.
func NewClientHandler(sched *scheduler.Scheduler, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{
		sched:  sched,
		logger: logger.Named("client_handler"),
	}
}

// RegisterRoutes mounts the client API.
func (h *ClientHandler) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", h.submitHandler)
	r.Get("/tasks", h.listHandler)
	r.Get("/tasks/{taskID}", h.resultHandler)
	r.Get("/tasks/{taskID}/request", h.requestHandler)
	r.Get("/tasks/{taskID}/output", h.outputHandler)
	r.Post("/tasks/{taskID}/cancel", h.cancelHandler)
	r.Post("/tasks/{taskID}/retry", h.retryHandler)
	r.Get("/queue/depth", h.queueDepthHandler)
	r.Get("/bots", h.botsHandler)
	r.Get("/bots/dead/count", h.deadBotCountHandler)
}

func (h *ClientHandler) submitHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid submission payload", err)
		return
	}
	identity := callerIdentity(r)
	if sub.User == "" {
		sub.User = identity
	}

	req, err := h.sched.MakeRequest(r.Context(), identity, &sub)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, req)
}

func (h *ClientHandler) resultHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.sched.Result(r.Context(), taskID)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, summary)
}

func (h *ClientHandler) requestHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDParam(w, r)
	if !ok {
		return
	}
	req, err := h.sched.Request(r.Context(), taskID)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, req)
}

func (h *ClientHandler) outputHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.sched.Result(r.Context(), taskID)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	if summary.OutputRef == "" {
		h.respondWithError(w, http.StatusNotFound, "Task has no output", nil)
		return
	}
	data, err := h.sched.Output(r.Context(), summary.OutputRef)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// listHandler returns summaries, optionally filtered by ?state=pending or
// ?state=pending,running, newest first.
func (h *ClientHandler) listHandler(w http.ResponseWriter, r *http.Request) {
	var states []models.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			states = append(states, models.TaskState(strings.TrimSpace(part)))
		}
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondWithError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	summaries, err := h.sched.ListResults(r.Context(), states, limit)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": summaries,
		"count": len(summaries),
	})
}

func (h *ClientHandler) cancelHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDParam(w, r)
	if !ok {
		return
	}
	if err := h.sched.CancelTask(r.Context(), callerIdentity(r), taskID); err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"state": string(models.StateCanceled)})
}

func (h *ClientHandler) retryHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDParam(w, r)
	if !ok {
		return
	}
	req, err := h.sched.RetryTask(r.Context(), callerIdentity(r), taskID)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, req)
}

func (h *ClientHandler) queueDepthHandler(w http.ResponseWriter, r *http.Request) {
	depth, err := h.sched.QueueDepth(r.Context())
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"depth": depth})
}

func (h *ClientHandler) botsHandler(w http.ResponseWriter, r *http.Request) {
	bots, err := h.sched.Bots(r.Context())
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"bots":  bots,
		"count": len(bots),
	})
}

func (h *ClientHandler) deadBotCountHandler(w http.ResponseWriter, r *http.Request) {
	count, err := h.sched.DeadBotCount(r.Context(), time.Now().UTC())
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *ClientHandler) taskIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid task id", err)
		return uuid.Nil, false
	}
	return taskID, true
}

// respondSchedulerError maps the scheduler's sentinel errors onto HTTP
// status codes.
func (h *ClientHandler) respondSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidKey), errors.Is(err, models.ErrQuarantined):
		h.respondWithError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, models.ErrForbidden):
		h.respondWithError(w, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, models.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, models.ErrNotPending):
		h.respondWithError(w, http.StatusConflict, err.Error(), nil)
	default:
		h.respondWithError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func (h *ClientHandler) respondWithError(w http.ResponseWriter, code int, message string, err error) {
	if err != nil {
		h.logger.Warn("Client API error", zap.Int("status_code", code), zap.String("message", message), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *ClientHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

func callerIdentity(r *http.Request) string {
	if id := r.Header.Get(IdentityHeader); id != "" {
		return id
	}
	return "anonymous"
}
