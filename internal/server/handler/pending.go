package handler

import (
	"log/slog"
	"net/http"

	"github.com/oddsync/oddsync/internal/domain"
)

// PendingHandler exposes the pending-bet map for inspection.
type PendingHandler struct {
	pending domain.PendingStore
	logger  *slog.Logger
}

// NewPendingHandler creates a PendingHandler.
func NewPendingHandler(pending domain.PendingStore, logger *slog.Logger) *PendingHandler {
	return &PendingHandler{pending: pending, logger: logHandler(logger, "pending")}
}

// ListPending responds with every bet still awaiting a reply, keyed by
// correlation key.
// GET /api/pending
func (h *PendingHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	all, err := h.pending.ListAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "pending store list failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(all),
		"pending": all,
	})
}
