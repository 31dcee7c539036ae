package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/domain"
)

type fakePositionService struct {
	positions []domain.Position
	err       error

	lastOpts    domain.ListOpts
	lastAccount string
}

func (f *fakePositionService) GetPosition(_ context.Context, id string) (domain.Position, error) {
	if f.err != nil {
		return domain.Position{}, f.err
	}
	for _, p := range f.positions {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakePositionService) ListPositions(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	f.lastOpts = opts
	return f.positions, f.err
}

func (f *fakePositionService) ListOpenPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	f.lastAccount = accountID
	return f.positions, f.err
}

func testPosition(id string) domain.Position {
	return domain.Position{
		ID:           id,
		AccountID:    "acct-1",
		Symbol:       "BTCUSDT",
		Strategy:     "trend-v2",
		Side:         domain.SideLong,
		Status:       domain.PositionStatusOpen,
		EntryPrice:   decimal.NewFromInt(50000),
		InitialQty:   decimal.NewFromInt(1),
		RemainingQty: decimal.NewFromInt(1),
		ClosedQty:    map[domain.CloseReason]decimal.Decimal{},
		OpenedAt:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestListPositions(t *testing.T) {
	svc := &fakePositionService{positions: []domain.Position{testPosition("p1"), testPosition("p2")}}
	h := NewPositionHandler(svc, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/positions?limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, svc.lastOpts.Limit)
	assert.Equal(t, 5, svc.lastOpts.Offset)

	var resp listPositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Positions, 2)
}

func TestListPositionsEmptyIsArray(t *testing.T) {
	h := NewPositionHandler(&fakePositionService{}, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestListOpenForwardsAccount(t *testing.T) {
	svc := &fakePositionService{}
	h := NewPositionHandler(svc, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/positions/open?account=acct-2", nil)
	rec := httptest.NewRecorder()
	h.ListOpen(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acct-2", svc.lastAccount)
}

func TestGetPosition(t *testing.T) {
	svc := &fakePositionService{positions: []domain.Position{testPosition("p1")}}
	h := NewPositionHandler(svc, slog.New(slog.DiscardHandler))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/p1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
