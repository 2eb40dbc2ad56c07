// Package handlers exposes the two HTTP surfaces of the dispatch service:
// the bot protocol (handshake, poll, ping, result) and the client API
// (submit, lookup, list, cancel, retry, fleet views).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/auth"
	"github.com/taskfleet/dispatch/internal/dimensions"
	"github.com/taskfleet/dispatch/internal/models"
	"github.com/taskfleet/dispatch/internal/scheduler"
)

// Poll commands, in the order the server prefers them.
const (
	CmdUpdate = "update"
	CmdSleep  = "sleep"
	CmdRun    = "run"
)

// DefaultSessionTTL is how long a handshake-issued session token stays
// valid. Bots re-handshake when a poll returns 401.
const DefaultSessionTTL = 12 * time.Hour

type botContextKey struct{}

// BotHandler serves the bot protocol.
type BotHandler struct {
	sched           *scheduler.Scheduler
	jwtSecret       string
	serverVersion   string
	expectedVersion string
	logger          *zap.Logger
}

// NewBotHandler creates the bot protocol handler. expectedVersion is the bot
// build the server wants the fleet on; bots reporting anything else are told
// to self-update before they get work.
func NewBotHandler(sched *scheduler.Scheduler, jwtSecret, serverVersion, expectedVersion string, logger *zap.Logger) *BotHandler {
	return &BotHandler{
		sched:           sched,
		jwtSecret:       jwtSecret,
		serverVersion:   serverVersion,
		expectedVersion: expectedVersion,
		logger:          logger.Named("bot_handler"),
	}
}

// RegisterRoutes mounts the bot protocol. Everything except the handshake
// requires a session token.
func (h *BotHandler) RegisterRoutes(r chi.Router) {
	r.Post("/handshake", h.handshakeHandler)
	r.Group(func(r chi.Router) {
		r.Use(h.sessionMiddleware)
		r.Post("/poll", h.pollHandler)
		r.Post("/ping", h.pingHandler)
		r.Post("/result", h.resultHandler)
	})
}

// botAttributes is how a bot describes itself on handshake and poll.
type botAttributes struct {
	ID         string              `json:"id"`
	Dimensions map[string][]string `json:"dimensions"`
	Version    string              `json:"version"`
	IP         string              `json:"ip,omitempty"`
}

// toBot builds the registry record, preferring the connection's observed
// address over the self-reported one.
func (a *botAttributes) toBot(r *http.Request) *models.Bot {
	ip := remoteIP(r)
	if ip == "" {
		ip = a.IP
	}
	return &models.Bot{
		ID:         a.ID,
		Dimensions: a.Dimensions,
		Version:    a.Version,
		IP:         ip,
	}
}

// handshakeRequest is the first call a freshly started bot makes.
type handshakeRequest struct {
	Attributes botAttributes `json:"attributes"`
}

type handshakeResponse struct {
	ServerVersion string `json:"server_version"`
	BotVersion    string `json:"bot_version"`
	SessionToken  string `json:"session_token"`
}

func (h *BotHandler) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid handshake payload", err)
		return
	}
	if req.Attributes.ID == "" {
		h.respondWithError(w, http.StatusBadRequest, "attributes.id is required", nil)
		return
	}

	bot := req.Attributes.toBot(r)
	// A dimension set too broad to index is quarantined from the very
	// first contact, not just once the bot polls.
	if dimensions.PowersetCount(dimensions.Normalize(bot.Dimensions)) > dimensions.MaxCombinations {
		bot.Quarantined = true
		h.logger.Warn("Bot quarantined at handshake", zap.String("bot_id", bot.ID))
	}
	if err := h.sched.TagBotSeen(r.Context(), bot); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to register bot", err)
		return
	}

	token, err := auth.GenerateSessionToken(bot.ID, h.jwtSecret, DefaultSessionTTL)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to issue session token", err)
		return
	}

	h.logger.Info("Bot handshake",
		zap.String("bot_id", bot.ID),
		zap.String("version", bot.Version),
		zap.Bool("quarantined", bot.Quarantined),
		zap.Int("dimension_keys", len(bot.Dimensions)))
	h.respondWithJSON(w, http.StatusOK, handshakeResponse{
		ServerVersion: h.serverVersion,
		BotVersion:    h.expectedVersion,
		SessionToken:  token,
	})
}

// pollRequest is the recurring "give me work" call. Quarantined is the
// bot's own health verdict; a bot that sets it only ever gets sleep.
type pollRequest struct {
	Attributes  botAttributes `json:"attributes"`
	SleepStreak int           `json:"sleep_streak"`
	Quarantined bool          `json:"quarantined"`
}

// pollResponse carries one command. For "run" the task payload is inline;
// for "sleep" only the duration is set.
type pollResponse struct {
	Cmd             string  `json:"cmd"`
	DurationSecs    float64 `json:"duration,omitempty"`
	Quarantined     bool    `json:"quarantined,omitempty"`
	ExpectedVersion string  `json:"expected_version,omitempty"`

	TaskID      uuid.UUID         `json:"task_id,omitempty"`
	Commands    [][]string        `json:"commands,omitempty"`
	Data        []models.DataRef  `json:"data,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	HardTimeout time.Duration     `json:"hard_timeout,omitempty"`
	IOTimeout   time.Duration     `json:"io_timeout,omitempty"`
}

func (h *BotHandler) pollHandler(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid poll payload", err)
		return
	}
	if !h.sessionMatches(r, req.Attributes.ID) {
		h.respondWithError(w, http.StatusUnauthorized, "Session token does not match bot id", nil)
		return
	}

	bot := req.Attributes.toBot(r)

	// Out-of-date bots update before they get work.
	if h.expectedVersion != "" && bot.Version != h.expectedVersion {
		h.tagSeen(r.Context(), bot)
		h.respondWithJSON(w, http.StatusOK, pollResponse{
			Cmd:             CmdUpdate,
			ExpectedVersion: h.expectedVersion,
		})
		return
	}

	// A self-quarantined bot stays visible in the fleet views but never
	// matches.
	if req.Quarantined {
		bot.Quarantined = true
		h.tagSeen(r.Context(), bot)
		h.respondWithJSON(w, http.StatusOK, pollResponse{
			Cmd:          CmdSleep,
			DurationSecs: scheduler.ExponentialBackoff(req.SleepStreak).Seconds(),
			Quarantined:  true,
		})
		return
	}

	taskReq, _, err := h.sched.BotReapTask(r.Context(), bot)
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, pollResponse{
			Cmd:         CmdRun,
			TaskID:      taskReq.ID,
			Commands:    taskReq.Properties.Commands,
			Data:        taskReq.Properties.Data,
			Env:         taskReq.Properties.Env,
			HardTimeout: taskReq.Properties.ExecutionTimeout,
			IOTimeout:   taskReq.Properties.IOTimeout,
		})
	case errors.Is(err, models.ErrQuarantined):
		// The bot's dimension powerset is unindexable. Same treatment as a
		// self-reported quarantine.
		bot.Quarantined = true
		h.tagSeen(r.Context(), bot)
		h.logger.Warn("Bot quarantined", zap.String("bot_id", bot.ID))
		h.respondWithJSON(w, http.StatusOK, pollResponse{
			Cmd:          CmdSleep,
			DurationSecs: scheduler.ExponentialBackoff(req.SleepStreak).Seconds(),
			Quarantined:  true,
		})
	case errors.Is(err, models.ErrNotFound):
		h.respondWithJSON(w, http.StatusOK, pollResponse{
			Cmd:          CmdSleep,
			DurationSecs: scheduler.ExponentialBackoff(req.SleepStreak).Seconds(),
		})
	default:
		h.respondWithError(w, http.StatusInternalServerError, "Poll failed", err)
	}
}

// pingRequest keeps a task's run alive while the bot works on it.
type pingRequest struct {
	BotID  string    `json:"bot_id"`
	TaskID uuid.UUID `json:"task_id"`
}

func (h *BotHandler) pingHandler(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid ping payload", err)
		return
	}
	if !h.sessionMatches(r, req.BotID) {
		h.respondWithError(w, http.StatusUnauthorized, "Session token does not match bot id", nil)
		return
	}

	h.tagSeen(r.Context(), &models.Bot{ID: req.BotID, IP: remoteIP(r)})
	run, err := h.sched.BotUpdateTask(r.Context(), req.BotID, req.TaskID, nil, nil)
	if err != nil {
		h.respondBotUpdateError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"state": string(run.State)})
}

// resultRequest is the final report for a task. ExitCodes carries one code
// per command, comma-separated, e.g. "0" or "1,0".
type resultRequest struct {
	BotID     string    `json:"bot_id"`
	TaskID    uuid.UUID `json:"task_id"`
	ExitCodes string    `json:"exit_codes"`
	Output    []byte    `json:"output,omitempty"`
}

func (h *BotHandler) resultHandler(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid result payload", err)
		return
	}
	if !h.sessionMatches(r, req.BotID) {
		h.respondWithError(w, http.StatusUnauthorized, "Session token does not match bot id", nil)
		return
	}

	exitCodes, err := parseExitCodes(req.ExitCodes)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid exit_codes", err)
		return
	}

	h.tagSeen(r.Context(), &models.Bot{ID: req.BotID, IP: remoteIP(r)})
	run, err := h.sched.BotUpdateTask(r.Context(), req.BotID, req.TaskID, exitCodes, req.Output)
	if err != nil {
		h.respondBotUpdateError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"state":   string(run.State),
		"failure": run.Failure,
	})
}

// respondBotUpdateError maps scheduler errors from a run report. A bot-id
// mismatch is deliberately indistinguishable from an unknown task.
func (h *BotHandler) respondBotUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrWrongBot), errors.Is(err, models.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, "Task not found", err)
	default:
		h.respondWithError(w, http.StatusInternalServerError, "Failed to record update", err)
	}
}

// sessionMiddleware requires a valid bearer session token on every call
// past the handshake.
func (h *BotHandler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.respondWithError(w, http.StatusUnauthorized, "Missing session token", nil)
			return
		}
		claims, err := auth.ValidateSessionToken(strings.TrimPrefix(header, "Bearer "), h.jwtSecret)
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, "Invalid session token", err)
			return
		}
		ctx := context.WithValue(r.Context(), botContextKey{}, claims.BotID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionMatches checks that the body's bot id is the one the session was
// issued to.
func (h *BotHandler) sessionMatches(r *http.Request, botID string) bool {
	fromToken, ok := r.Context().Value(botContextKey{}).(string)
	return ok && botID != "" && fromToken == botID
}

func (h *BotHandler) tagSeen(ctx context.Context, bot *models.Bot) {
	if err := h.sched.TagBotSeen(ctx, bot); err != nil {
		h.logger.Warn("Failed to record bot liveness", zap.String("bot_id", bot.ID), zap.Error(err))
	}
}

func (h *BotHandler) respondWithError(w http.ResponseWriter, code int, message string, err error) {
	if err != nil {
		h.logger.Warn("Bot protocol error", zap.Int("status_code", code), zap.String("message", message), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *BotHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}

// parseExitCodes parses the comma-separated exit code list. The empty
// string means the task produced no commands to run; it completes with no
// codes and no failure.
func parseExitCodes(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	codes := make([]int, 0, len(parts))
	for _, part := range parts {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
