package handler

import (
	"log/slog"
	"net/http"

	"github.com/posledger/posledger/internal/domain"
)

// ArchiveHandler lists archived ledger files in object storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. A nil reader means archival is
// not configured; the endpoint then reports that instead of failing.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

// ListArchives returns archive files under a prefix.
// GET /api/archive?prefix=archive/positions/
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archival storage not configured")
		return
	}

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}
