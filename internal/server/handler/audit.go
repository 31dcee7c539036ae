package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/posledger/posledger/internal/domain"
)

// AuditService defines the methods the audit handler requires.
type AuditService interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	ListByEvent(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the audit trail, including the dispatch-failure
// discrepancy queue.
type AuditHandler struct {
	audit  AuditService
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditService, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logHandler(logger, "audit"),
	}
}

// ListEntries returns audit entries, optionally filtered by event name and
// time window.
// GET /api/audit?event=&since=&until=&limit=&offset=
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	event := r.URL.Query().Get("event")

	var entries []domain.AuditEntry
	var err error
	if event != "" {
		entries, err = h.audit.ListByEvent(r.Context(), event, opts)
	} else {
		entries, err = h.audit.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit entries failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
