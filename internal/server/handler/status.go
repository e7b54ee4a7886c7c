package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/oddsync/oddsync/internal/domain"
)

// statusKeySample caps the number of pending keys echoed in the status
// response.
const statusKeySample = 5

// SessionReporter exposes the lifecycle manager's view of managed sessions.
type SessionReporter interface {
	Statuses() []domain.SessionStatus
	Stats() domain.SessionStats
}

// StatusHandler serves the runtime status: mode, configured-subsystem flags,
// session counters, and the bets still awaiting a reply.
type StatusHandler struct {
	mode     string
	flags    map[string]bool
	sessions SessionReporter
	pending  domain.PendingStore
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler. flags reports which optional
// subsystems are configured (backup storage, external sink, admin server).
func NewStatusHandler(mode string, flags map[string]bool, sessions SessionReporter, pending domain.PendingStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:     mode,
		flags:    flags,
		sessions: sessions,
		pending:  pending,
		logger:   logHandler(logger, "status"),
	}
}

// GetStatus responds with the current runtime status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode": h.mode,
	}
	if len(h.flags) > 0 {
		resp["configured"] = h.flags
	}
	if h.sessions != nil {
		resp["sessions"] = h.sessions.Stats()
	}
	if h.pending != nil {
		all, err := h.pending.ListAll(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "pending store list failed",
				slog.String("error", err.Error()),
			)
		} else {
			resp["pending_bets"] = len(all)
			resp["pending_sample"] = sampleKeys(all, statusKeySample)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// sampleKeys returns up to n keys in deterministic order.
func sampleKeys(all map[domain.CorrelationKey]domain.PendingBet, n int) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
