package handler

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/service"
)

// maxWebhookBody bounds how much of a request body is read.
const maxWebhookBody = 64 * 1024

// Ingester defines the ledger methods the webhook handler requires.
type Ingester interface {
	Ingest(ctx context.Context, ev domain.Event) (service.IngestResult, error)
}

// WebhookHandler receives alert deliveries and feeds them into the ledger.
type WebhookHandler struct {
	ledger     Ingester
	passphrase string
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. An empty passphrase disables
// the payload passphrase check.
func NewWebhookHandler(ledger Ingester, passphrase string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ledger:     ledger,
		passphrase: passphrase,
		logger:     logHandler(logger, "webhook"),
	}
}

// webhookPayload is the wire format of an alert. Price and qty accept both
// JSON numbers and strings so alert templates can use either.
type webhookPayload struct {
	ID         string            `json:"id"`
	Event      string            `json:"event"`
	Passphrase string            `json:"passphrase"`
	Account    string            `json:"account"`
	Symbol     string            `json:"symbol"`
	Ticker     string            `json:"ticker"` // alias for symbol
	Strategy   string            `json:"strategy"`
	Price      decimal.Decimal   `json:"price"`
	Qty        decimal.Decimal   `json:"qty"`
	QtyMode    string            `json:"qty_mode"`
	SLPrice    decimal.Decimal   `json:"sl_price"`
	SLType     string            `json:"sl_type"`
	EntryStrat string            `json:"entry_strategy"`
	TPPlan     []domain.TPTarget `json:"tp_plan"`
}

// Receive handles one alert delivery.
// POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if h.passphrase != "" {
		supplied := p.Passphrase
		if supplied == "" {
			supplied = r.Header.Get("X-API-Key")
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.passphrase)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid passphrase")
			return
		}
	}

	ev := h.toEvent(p, body)

	result, err := h.ledger.Ingest(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   "accepted",
			"event_id": result.EventID,
			"outcomes": result.Outcomes,
		})
	case errors.Is(err, domain.ErrDuplicateEvent):
		// An at-most-once duplicate is a successful no-op for the sender.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "duplicate",
			"event_id": ev.ID,
		})
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "ingest failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to process event")
	}
}

// toEvent normalizes the wire payload. Deliveries without an ID get a content
// hash so retried sends of the same alert still dedup.
func (h *WebhookHandler) toEvent(p webhookPayload, raw []byte) domain.Event {
	symbol := p.Symbol
	if symbol == "" {
		symbol = p.Ticker
	}

	id := p.ID
	if id == "" {
		sum := sha256.Sum256(raw)
		id = hex.EncodeToString(sum[:16])
	}

	mode := domain.QtyMode(p.QtyMode)
	if mode == "" {
		if p.Qty.GreaterThan(decimal.Zero) {
			mode = domain.QtyModeQuantity
		} else {
			mode = domain.QtyModePercent
		}
	}

	slType := p.SLType
	if slType == "" {
		slType = "base"
	}
	entryStrategy := p.EntryStrat
	if entryStrategy == "" {
		entryStrategy = "sfp"
	}

	return domain.Event{
		ID:            id,
		Kind:          domain.EventKind(p.Event),
		AccountID:     p.Account,
		Symbol:        symbol,
		Strategy:      p.Strategy,
		Price:         p.Price,
		Qty:           p.Qty,
		QtyMode:       mode,
		SLPrice:       p.SLPrice,
		SLType:        slType,
		EntryStrategy: entryStrategy,
		TPPlan:        p.TPPlan,
		ReceivedAt:    time.Now().UTC(),
		Raw:           raw,
	}
}
