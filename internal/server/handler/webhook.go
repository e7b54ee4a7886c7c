package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/oddsync/oddsync/internal/telegram"
)

// secretTokenHeader carries the webhook secret configured with the bot API's
// setWebhook call.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateHandler processes one incoming bot update. The returned bool reports
// whether the update finalized a pending bet.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd *telegram.Update) (bool, error)
}

// WebhookHandler receives bot updates pushed by the messaging platform and
// hands them to the reply correlator.
type WebhookHandler struct {
	updates     UpdateHandler
	secretToken string // if empty, the secret-token check is disabled
	logger      *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(updates UpdateHandler, secretToken string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		updates:     updates,
		secretToken: secretToken,
		logger:      logHandler(logger, "webhook"),
	}
}

// Receive handles one pushed update.
// POST /webhook
//
// The platform retries deliveries that do not get a 2xx, so anything that is
// not an internal failure answers 200: payloads that do not decode and
// updates the correlator chose to skip both come back as processed=false.
// Only an unexpected internal error (for example the pending store being
// unreachable) produces a 500, which makes the platform redeliver.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secretToken != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secretToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.logger.WarnContext(r.Context(), "undecodable update payload",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "processed": false})
		return
	}

	processed, err := h.updates.HandleUpdate(r.Context(), &upd)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "update handling failed",
			slog.Int64("update_id", upd.UpdateID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "processed": processed})
}
