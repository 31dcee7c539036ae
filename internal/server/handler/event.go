package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/posledger/posledger/internal/domain"
)

// EventService defines the methods the event handler requires.
type EventService interface {
	ListEvents(ctx context.Context, opts domain.ListOpts) ([]domain.ProcessedEvent, error)
}

// EventHandler serves the processed-event journal.
type EventHandler struct {
	events EventService
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventService, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		logger: logHandler(logger, "events"),
	}
}

// ListEvents returns journal rows, newest first.
// GET /api/events?limit=&offset=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListEvents(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list events failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.ProcessedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
