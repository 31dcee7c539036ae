package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/engine"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testAccounts() []domain.Account {
	return []domain.Account{
		{
			ID: "acct-1", Exchange: "paper", Enabled: true,
			PositionSize: dec("1"), Leverage: 10,
		},
		{
			ID: "acct-2", Exchange: "paper", Enabled: true,
			PositionSize: dec("2"), DenySymbols: []string{"ETHUSDT"},
		},
		{
			ID: "acct-off", Exchange: "paper", Enabled: false,
			PositionSize: dec("5"),
		},
	}
}

type env struct {
	positions  *memPositionStore
	events     *memEventStore
	audit      *memAuditStore
	deduper    *memDeduper
	dispatcher *captureDispatcher
	svc        *LedgerService
}

func newEnv(t *testing.T, accounts []domain.Account) *env {
	t.Helper()
	e := &env{
		positions:  newMemPositionStore(),
		events:     newMemEventStore(),
		audit:      newMemAuditStore(),
		deduper:    newMemDeduper(),
		dispatcher: newCaptureDispatcher(),
	}
	e.svc = NewLedgerService(
		e.positions, e.events,
		e.deduper, newMemLockManager(), newMemSignalBus(),
		e.audit, e.dispatcher,
		accounts,
		engine.Params{Epsilon: dec("0.000001"), DefaultTPPercent: dec("0.2")},
		time.Hour,
		testLogger(),
	)
	return e
}

func entry(id string) domain.Event {
	return domain.Event{
		ID: id, Kind: domain.EventLongEntry,
		Symbol: "BTCUSDT", Strategy: "trend-v2",
		Price: dec("50000"), QtyMode: domain.QtyModePercent,
		ReceivedAt: time.Now().UTC(),
	}
}

func follow(id string, kind domain.EventKind) domain.Event {
	return domain.Event{
		ID: id, Kind: kind,
		Symbol: "BTCUSDT", Strategy: "trend-v2",
		QtyMode: domain.QtyModePercent,
	}
}

func TestIngestEntryFansOutToAdmittedAccounts(t *testing.T) {
	e := newEnv(t, testAccounts())

	res, err := e.svc.Ingest(context.Background(), entry("ev-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeOpened, res.Outcomes["acct-1"])
	assert.Equal(t, OutcomeOpened, res.Outcomes["acct-2"])
	assert.NotContains(t, res.Outcomes, "acct-off")

	open1, err := e.positions.ListOpen(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, open1, 1)
	assert.True(t, open1[0].InitialQty.Equal(dec("1")), "account position size used")

	open2, _ := e.positions.ListOpen(context.Background(), "acct-2")
	require.Len(t, open2, 1)
	assert.True(t, open2[0].InitialQty.Equal(dec("2")))

	// One entry action per account.
	assert.Len(t, e.dispatcher.Enqueued(), 2)
}

func TestIngestDenyListSkipsAccount(t *testing.T) {
	e := newEnv(t, testAccounts())

	ev := entry("ev-1")
	ev.Symbol = "ETHUSDT"
	res, err := e.svc.Ingest(context.Background(), ev)
	require.NoError(t, err)

	assert.Contains(t, res.Outcomes, "acct-1")
	assert.NotContains(t, res.Outcomes, "acct-2")
}

func TestIngestTargetedAccount(t *testing.T) {
	e := newEnv(t, testAccounts())

	ev := entry("ev-1")
	ev.AccountID = "acct-2"
	res, err := e.svc.Ingest(context.Background(), ev)
	require.NoError(t, err)

	assert.Len(t, res.Outcomes, 1)
	assert.Equal(t, OutcomeOpened, res.Outcomes["acct-2"])
}

func TestIngestDuplicateDelivery(t *testing.T) {
	e := newEnv(t, testAccounts())

	_, err := e.svc.Ingest(context.Background(), entry("ev-1"))
	require.NoError(t, err)

	_, err = e.svc.Ingest(context.Background(), entry("ev-1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)

	open, _ := e.positions.ListOpen(context.Background(), "acct-1")
	assert.Len(t, open, 1, "duplicate must not touch the ledger")
}

func TestIngestJournalBacksUpDeduper(t *testing.T) {
	e := newEnv(t, testAccounts())

	_, err := e.svc.Ingest(context.Background(), entry("ev-1"))
	require.NoError(t, err)

	// Same delivery through a fresh deduper, as after a Redis flush. The
	// journal still rejects it.
	e.svc.deduper = newMemDeduper()
	_, err = e.svc.Ingest(context.Background(), entry("ev-1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
}

func TestIngestEntryWhileOpenIsStale(t *testing.T) {
	e := newEnv(t, testAccounts())

	_, err := e.svc.Ingest(context.Background(), entry("ev-1"))
	require.NoError(t, err)

	res, err := e.svc.Ingest(context.Background(), entry("ev-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcomes["acct-1"])

	open, _ := e.positions.ListOpen(context.Background(), "acct-1")
	assert.Len(t, open, 1)
}

func TestIngestLifecycleToClose(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, entry("ev-1"))
	require.NoError(t, err)

	res, err := e.svc.Ingest(ctx, follow("ev-2", domain.EventTP1Hit))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcomes["acct-1"])

	res, err = e.svc.Ingest(ctx, follow("ev-3", domain.EventStop))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcomes["acct-1"])

	open, _ := e.positions.ListOpen(ctx, "acct-1")
	assert.Empty(t, open)

	all, _ := e.positions.List(ctx, domain.ListOpts{})
	require.Len(t, all, 1)
	pos := all[0]
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.True(t, pos.ClosedQty[domain.CloseReasonTP1].Equal(dec("0.2")))
	assert.True(t, pos.ClosedQty[domain.CloseReasonStop].Equal(dec("0.8")))
	require.NoError(t, pos.CheckQtyInvariant(dec("0.000001")))
}

func TestIngestReducingEventWithoutPosition(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])

	res, err := e.svc.Ingest(context.Background(), follow("ev-1", domain.EventStop))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPosition, res.Outcomes["acct-1"])
}

func TestIngestReplayedTPIsStale(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, entry("ev-1"))
	require.NoError(t, err)
	_, err = e.svc.Ingest(ctx, follow("ev-2", domain.EventTP2Hit))
	require.NoError(t, err)

	res, err := e.svc.Ingest(ctx, follow("ev-3", domain.EventTP1Hit))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcomes["acct-1"])
}

func TestIngestAmbiguousMatchUsesMostRecent(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	// Two open positions under the same key, as after a missed close.
	older := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("1"))
	older.OpenedAt = time.Now().UTC().Add(-time.Hour)
	newer := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("2"))
	require.NoError(t, e.positions.Create(ctx, older))
	require.NoError(t, e.positions.Create(ctx, newer))

	res, err := e.svc.Ingest(ctx, follow("ev-1", domain.EventClose))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcomes["acct-1"])

	got, err := e.positions.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status, "most recent position closed")

	still, err := e.positions.GetByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, still.Status, "older position untouched")

	assert.NotEmpty(t, e.audit.ByEvent("ambiguous_match"))
}

func TestIngestExplicitQuantityClose(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	ev := entry("ev-1")
	ev.QtyMode = domain.QtyModeQuantity
	ev.Qty = dec("10")
	_, err := e.svc.Ingest(ctx, ev)
	require.NoError(t, err)

	partial := follow("ev-2", domain.EventStop)
	partial.QtyMode = domain.QtyModeQuantity
	partial.Qty = dec("4")
	res, err := e.svc.Ingest(ctx, partial)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcomes["acct-1"])

	open, _ := e.positions.ListOpen(ctx, "acct-1")
	require.Len(t, open, 1)
	assert.True(t, open[0].RemainingQty.Equal(dec("6")))
}

func TestIngestOverSizedPartialIsInvariantViolation(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, entry("ev-1"))
	require.NoError(t, err)

	bad := follow("ev-2", domain.EventStop)
	bad.QtyMode = domain.QtyModeQuantity
	bad.Qty = dec("99")
	res, err := e.svc.Ingest(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, OutcomeInvariantViolation, res.Outcomes["acct-1"])
	assert.NotEmpty(t, e.audit.ByEvent("invariant_violation"))

	open, _ := e.positions.ListOpen(ctx, "acct-1")
	require.Len(t, open, 1)
	assert.True(t, open[0].RemainingQty.Equal(dec("1")), "rejected transition leaves the ledger untouched")

	// Fatal to the event: the journal stays unwritten and the dedup claim is
	// released, so a corrected resend is not treated as a duplicate.
	processed, _ := e.events.IsProcessed(ctx, "ev-2")
	assert.False(t, processed)
	assert.False(t, e.deduper.Claimed("ev-2"))
}

func TestIngestStoreFailureLeavesEventRetryable(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, entry("ev-1"))
	require.NoError(t, err)

	e.positions.updateErr = errors.New("connection refused")
	res, err := e.svc.Ingest(ctx, follow("ev-2", domain.EventStop))
	require.Error(t, err)
	assert.Equal(t, OutcomeError, res.Outcomes["acct-1"])

	processed, _ := e.events.IsProcessed(ctx, "ev-2")
	assert.False(t, processed, "failed delivery must not be journaled")
	assert.False(t, e.deduper.Claimed("ev-2"), "failed delivery must release its dedup claim")

	// The store recovers and the same delivery ID goes through.
	e.positions.updateErr = nil
	res, err = e.svc.Ingest(ctx, follow("ev-2", domain.EventStop))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcomes["acct-1"])

	open, _ := e.positions.ListOpen(ctx, "acct-1")
	assert.Empty(t, open)
}

func TestIngestInvalidEvent(t *testing.T) {
	e := newEnv(t, testAccounts())

	ev := entry("ev-1")
	ev.QtyMode = "half"
	_, err := e.svc.Ingest(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestIngestConcurrentDeliveriesOnePosition(t *testing.T) {
	e := newEnv(t, testAccounts()[:1])
	ctx := context.Background()

	_, err := e.svc.Ingest(ctx, entry("ev-entry"))
	require.NoError(t, err)

	// Partial stops commute, so the result is deterministic no matter which
	// order the lock grants.
	var g errgroup.Group
	var mu sync.Mutex
	outcomes := map[string]int{}
	for i := 0; i < 3; i++ {
		ev := follow("ev-"+string(rune('a'+i)), domain.EventStop)
		ev.QtyMode = domain.QtyModeQuantity
		ev.Qty = dec("0.1")
		g.Go(func() error {
			res, err := e.svc.Ingest(ctx, ev)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[res.Outcomes["acct-1"]]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	open, _ := e.positions.ListOpen(ctx, "acct-1")
	require.Len(t, open, 1)
	pos := open[0]
	require.NoError(t, pos.CheckQtyInvariant(dec("0.000001")))
	assert.True(t, pos.RemainingQty.Equal(dec("0.7")), "remaining = %s", pos.RemainingQty)
	assert.Equal(t, 3, outcomes[OutcomeApplied])
}
