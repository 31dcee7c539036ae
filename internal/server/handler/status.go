package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusHandler serves runtime status for dashboards.
type StatusHandler struct {
	Mode      string
	Accounts  []string
	StartedAt time.Time
	positions PositionService
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, accounts []string, positions PositionService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		Mode:      mode,
		Accounts:  accounts,
		StartedAt: time.Now().UTC(),
		positions: positions,
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus responds with the current mode, configured accounts, uptime, and
// open position count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	openCount := -1
	if h.positions != nil {
		if open, err := h.positions.ListOpenPositions(r.Context(), ""); err == nil {
			openCount = len(open)
		} else {
			h.logger.WarnContext(r.Context(), "open position count failed",
				slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"accounts":       h.Accounts,
		"open_positions": openCount,
		"uptime":         time.Since(h.StartedAt).Round(time.Second).String(),
	})
}
