package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/posledger/posledger/internal/domain"
)

// PositionService defines the methods the position handler requires.
type PositionService interface {
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	ListPositions(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions with pagination.
// GET /api/positions?limit=&offset=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListPositions(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ListOpen returns open positions, optionally filtered by account.
// GET /api/positions/open?account=
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	positions, err := h.positions.ListOpenPositions(r.Context(), account)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list open positions failed",
			slog.String("account", account),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list open positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	pos, err := h.positions.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
