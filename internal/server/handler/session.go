package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oddsync/oddsync/internal/domain"
)

// SessionController is the subset of the lifecycle manager the HTTP layer
// drives.
type SessionController interface {
	Start(ctx context.Context, accountID, credentialID string) (string, error)
	Stop(ctx context.Context, accountID, credentialID string) error
	Restart(ctx context.Context, accountID, credentialID string) (string, error)
	Statuses() []domain.SessionStatus
	Stats() domain.SessionStats
}

// SessionHandler exposes session lifecycle operations over HTTP.
type SessionHandler struct {
	sessions SessionController
	monitors domain.MonitorSessionStore
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionController, monitors domain.MonitorSessionStore, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		monitors: monitors,
		logger:   logHandler(logger, "sessions"),
	}
}

// sessionRequest is the body of lifecycle POSTs.
type sessionRequest struct {
	AccountID    string `json:"account_id"`
	CredentialID string `json:"credential_id"`
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.AccountID == "" || req.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "account_id and credential_id are required")
		return req, false
	}
	return req, true
}

// ListSessions responds with the state of every managed session.
// GET /api/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.sessions.Statuses(),
	})
}

// SessionStats responds with the lifecycle counters.
// GET /api/sessions/stats
func (h *SessionHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Stats())
}

// StartSession launches a monitoring session.
// POST /api/sessions/start
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	id, err := h.sessions.Start(r.Context(), req.AccountID, req.CredentialID)
	if err != nil {
		h.writeLifecycleError(w, r, "start", req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
}

// StopSession stops a monitoring session. Stopping an inactive session
// succeeds.
// POST /api/sessions/stop
func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Stop(r.Context(), req.AccountID, req.CredentialID); err != nil {
		h.writeLifecycleError(w, r, "stop", req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RestartSession stops and relaunches a monitoring session.
// POST /api/sessions/restart
func (h *SessionHandler) RestartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	id, err := h.sessions.Restart(r.Context(), req.AccountID, req.CredentialID)
	if err != nil {
		h.writeLifecycleError(w, r, "restart", req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
}

// RequestRestart flags a session for an asynchronous restart, picked up by
// the lifecycle sweep rather than performed inline.
// POST /api/sessions/request-restart
func (h *SessionHandler) RequestRestart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	if err := h.monitors.RequestRestart(r.Context(), req.AccountID, req.CredentialID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "monitor session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "restart request failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *SessionHandler) writeLifecycleError(w http.ResponseWriter, r *http.Request, op string, req sessionRequest, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionActive):
		writeError(w, http.StatusConflict, "session already active")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "session transition in progress")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "credential not found")
	default:
		h.logger.ErrorContext(r.Context(), "session lifecycle failed",
			slog.String("op", op),
			slog.String("account", req.AccountID),
			slog.String("credential", req.CredentialID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
