package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/service"
)

type fakeIngester struct {
	events []domain.Event
	result service.IngestResult
	err    error
}

func (f *fakeIngester) Ingest(_ context.Context, ev domain.Event) (service.IngestResult, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return service.IngestResult{}, f.err
	}
	res := f.result
	if res.EventID == "" {
		res.EventID = ev.ID
	}
	return res, nil
}

func newWebhookHandler(ingester *fakeIngester, passphrase string) *WebhookHandler {
	return NewWebhookHandler(ingester, passphrase, slog.New(slog.DiscardHandler))
}

func postWebhook(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	return rec
}

func TestWebhookReceiveAccepted(t *testing.T) {
	ing := &fakeIngester{result: service.IngestResult{
		Outcomes: map[string]string{"acct-1": "opened"},
	}}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{
		"id": "alert-1",
		"event": "LONG_ENTRY",
		"symbol": "BTCUSDT",
		"strategy": "trend-v2",
		"price": 50000,
		"qty": "0.5",
		"qty_mode": "quantity"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "alert-1", resp["event_id"])

	require.Len(t, ing.events, 1)
	ev := ing.events[0]
	assert.Equal(t, domain.EventLongEntry, ev.Kind)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, "trend-v2", ev.Strategy)
	assert.Equal(t, "0.5", ev.Qty.String())
	assert.Equal(t, domain.QtyModeQuantity, ev.QtyMode)
	assert.NotEmpty(t, ev.Raw)
}

func TestWebhookTickerAlias(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{"id":"alert-2","event":"TP1_HIT","ticker":"ETHUSDT","strategy":"s"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ing.events, 1)
	assert.Equal(t, "ETHUSDT", ing.events[0].Symbol)
}

func TestWebhookMissingIDGetsContentHash(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "")

	body := `{"event":"STOP","symbol":"BTCUSDT","strategy":"s"}`
	rec := postWebhook(t, h, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ing.events, 1)
	first := ing.events[0].ID
	assert.Len(t, first, 32) // hex of 16 bytes

	// Identical payloads hash to the same ID so retries dedup downstream.
	postWebhook(t, h, body)
	require.Len(t, ing.events, 2)
	assert.Equal(t, first, ing.events[1].ID)

	// A different payload gets a different ID.
	postWebhook(t, h, `{"event":"STOP","symbol":"ETHUSDT","strategy":"s"}`)
	require.Len(t, ing.events, 3)
	assert.NotEqual(t, first, ing.events[2].ID)
}

func TestWebhookQtyModeDefaults(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "")

	// Explicit quantity implies quantity mode.
	postWebhook(t, h, `{"id":"a","event":"TP1_HIT","symbol":"BTCUSDT","strategy":"s","qty":"0.25"}`)
	require.Len(t, ing.events, 1)
	assert.Equal(t, domain.QtyModeQuantity, ing.events[0].QtyMode)

	// No quantity defaults to percent sizing.
	postWebhook(t, h, `{"id":"b","event":"TP1_HIT","symbol":"BTCUSDT","strategy":"s"}`)
	require.Len(t, ing.events, 2)
	assert.Equal(t, domain.QtyModePercent, ing.events[1].QtyMode)
}

func TestWebhookStopLossAttributes(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "")

	postWebhook(t, h, `{"id":"a","event":"LONG_ENTRY","symbol":"BTCUSDT","strategy":"s",
		"price":"50000","sl_price":"48000","sl_type":"swing","entry_strategy":"volume_spike"}`)
	require.Len(t, ing.events, 1)
	ev := ing.events[0]
	assert.True(t, ev.SLPrice.Equal(decimal.RequireFromString("48000")))
	assert.Equal(t, "swing", ev.SLType)
	assert.Equal(t, "volume_spike", ev.EntryStrategy)

	// Omitted attributes fall back to the conventional defaults.
	postWebhook(t, h, `{"id":"b","event":"LONG_ENTRY","symbol":"BTCUSDT","strategy":"s","price":"50000"}`)
	require.Len(t, ing.events, 2)
	assert.Equal(t, "base", ing.events[1].SLType)
	assert.Equal(t, "sfp", ing.events[1].EntryStrategy)
}

func TestWebhookPassphrase(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "hunter2")

	rec := postWebhook(t, h, `{"id":"a","event":"STOP","symbol":"BTCUSDT","strategy":"s","passphrase":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ing.events)

	rec = postWebhook(t, h, `{"id":"a","event":"STOP","symbol":"BTCUSDT","strategy":"s","passphrase":"hunter2"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, ing.events, 1)
}

func TestWebhookPassphraseHeader(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "hunter2")

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"id":"b","event":"STOP","symbol":"BTCUSDT","strategy":"s"}`))
	req.Header.Set("X-API-Key", "hunter2")
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, ing.events, 1)
}

func TestWebhookInvalidJSON(t *testing.T) {
	ing := &fakeIngester{}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ing.events)
}

func TestWebhookDuplicate(t *testing.T) {
	ing := &fakeIngester{err: domain.ErrDuplicateEvent}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{"id":"dup-1","event":"STOP","symbol":"BTCUSDT","strategy":"s"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["status"])
	assert.Equal(t, "dup-1", resp["event_id"])
}

func TestWebhookInvalidEvent(t *testing.T) {
	ing := &fakeIngester{err: domain.ErrInvalidEvent}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{"id":"a","event":"NOT_A_THING","symbol":"BTCUSDT","strategy":"s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIngestFailure(t *testing.T) {
	ing := &fakeIngester{err: context.DeadlineExceeded}
	h := newWebhookHandler(ing, "")

	rec := postWebhook(t, h, `{"id":"a","event":"STOP","symbol":"BTCUSDT","strategy":"s"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
