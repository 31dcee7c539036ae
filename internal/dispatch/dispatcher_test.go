package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/domain"
)

type fakeExecutor struct {
	mu       sync.Mutex
	placed   []domain.Action
	setups   []string // "symbol:leverage:marginMode" per Setup call
	setupErr error
	failFor  int // number of leading calls that fail
	calls    int
}

func (f *fakeExecutor) PlaceOrder(ctx context.Context, a domain.Action) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return domain.OrderResult{}, errors.New("exchange unavailable")
	}
	f.placed = append(f.placed, a)
	return domain.OrderResult{OrderID: "ord-1", Status: "FILLED", ExecutedQty: a.Quantity}, nil
}

func (f *fakeExecutor) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeExecutor) Setup(ctx context.Context, symbol string, leverage int, marginMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, fmt.Sprintf("%s:%d:%s", symbol, leverage, marginMode))
	return f.setupErr
}

func (f *fakeExecutor) placedActions() []domain.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Action(nil), f.placed...)
}

func (f *fakeExecutor) setupCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setups...)
}

type fakeAppender struct {
	mu     sync.Mutex
	orders map[string][]string
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{orders: make(map[string][]string)}
}

func (f *fakeAppender) AppendOrderID(ctx context.Context, id, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = append(f.orders[id], orderID)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (f *fakeAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AuditEntry(nil), f.entries...), nil
}

func (f *fakeAudit) byEvent(event string) []domain.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func action(id, positionID string, qty string) domain.Action {
	return domain.Action{
		ID:         id,
		PositionID: positionID,
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Kind:       domain.ActionReduce,
		Quantity:   decimal.RequireFromString(qty),
		ReduceOnly: true,
		CreatedAt:  time.Now().UTC(),
	}
}

func newTestDispatcher(exec domain.ExchangeExecutor, appender OrderAppender, audit domain.AuditStore, notifier Notifier) *Dispatcher {
	return New(
		map[string]domain.ExchangeExecutor{"acct-1": exec},
		appender, audit, notifier, nil,
		Config{AttemptTimeout: time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond},
		testLogger(),
	)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueuePlacesOrderAndRecordsID(t *testing.T) {
	exec := &fakeExecutor{}
	appender := newFakeAppender()
	d := newTestDispatcher(exec, appender, &fakeAudit{}, &fakeNotifier{})

	d.Enqueue(context.Background(), action("a1", "pos-1", "1.5"))

	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })

	appender.mu.Lock()
	defer appender.mu.Unlock()
	require.Len(t, appender.orders["pos-1"], 1)
	assert.Equal(t, "ord-1", appender.orders["pos-1"][0])
}

func TestRetriesThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{failFor: 2}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	d.Enqueue(context.Background(), action("a1", "pos-1", "1"))

	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 3, exec.calls)
}

func TestTerminalFailureIsAuditedAndNotified(t *testing.T) {
	exec := &fakeExecutor{failFor: 100}
	audit := &fakeAudit{}
	notifier := &fakeNotifier{}
	d := newTestDispatcher(exec, newFakeAppender(), audit, notifier)

	d.Enqueue(context.Background(), action("a1", "pos-1", "1"))

	waitFor(t, func() bool { return len(audit.byEvent("dispatch_failure")) == 1 })

	entry := audit.byEvent("dispatch_failure")[0]
	assert.Equal(t, "pos-1", entry.Detail["position_id"])
	assert.Equal(t, "a1", entry.Detail["action_id"])

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "dispatch_failure", notifier.events[0])
}

func enterAction(id, positionID string) domain.Action {
	return domain.Action{
		ID:         id,
		PositionID: positionID,
		AccountID:  "acct-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		Kind:       domain.ActionEnter,
		Quantity:   decimal.RequireFromString("1"),
		Leverage:   10,
		MarginMode: "isolated",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestEntrySetsUpLeverageOnce(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	d.Enqueue(context.Background(), enterAction("a1", "pos-1"))
	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })

	require.Equal(t, []string{"BTCUSDT:10:isolated"}, exec.setupCalls())

	// A second entry on the same account+symbol reuses the applied settings.
	d.Enqueue(context.Background(), enterAction("a2", "pos-2"))
	waitFor(t, func() bool { return len(exec.placedActions()) == 2 })
	assert.Len(t, exec.setupCalls(), 1)
}

func TestFailedSetupRetriedOnNextEntryAndOrderStillPlaced(t *testing.T) {
	exec := &fakeExecutor{setupErr: errors.New("rate limited")}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	d.Enqueue(context.Background(), enterAction("a1", "pos-1"))
	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })
	require.Len(t, exec.setupCalls(), 1)

	exec.mu.Lock()
	exec.setupErr = nil
	exec.mu.Unlock()

	d.Enqueue(context.Background(), enterAction("a2", "pos-2"))
	waitFor(t, func() bool { return len(exec.placedActions()) == 2 })
	assert.Len(t, exec.setupCalls(), 2)
}

func TestReduceDoesNotTriggerSetup(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	d.Enqueue(context.Background(), action("a1", "pos-1", "0.5"))
	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })
	assert.Empty(t, exec.setupCalls())
}

func TestSamePositionRunsInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	for i := 0; i < 5; i++ {
		d.Enqueue(context.Background(), action("a"+string(rune('1'+i)), "pos-1", "1"))
	}

	waitFor(t, func() bool { return len(exec.placedActions()) == 5 })

	placed := exec.placedActions()
	for i, a := range placed {
		assert.Equal(t, "a"+string(rune('1'+i)), a.ID, "actions must dispatch in FIFO order")
	}
}

func TestDuplicateActionDropped(t *testing.T) {
	exec := &fakeExecutor{}
	d := newTestDispatcher(exec, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	a := action("a1", "pos-1", "1")
	d.Enqueue(context.Background(), a)
	d.Enqueue(context.Background(), a)

	waitFor(t, func() bool { return len(exec.placedActions()) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exec.placedActions(), 1)
}

func TestUnknownAccountIsTerminalFailure(t *testing.T) {
	audit := &fakeAudit{}
	d := newTestDispatcher(&fakeExecutor{}, newFakeAppender(), audit, &fakeNotifier{})

	a := action("a1", "pos-1", "1")
	a.AccountID = "acct-unknown"
	d.Enqueue(context.Background(), a)

	waitFor(t, func() bool { return len(audit.byEvent("dispatch_failure")) == 1 })
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{}, newFakeAppender(), &fakeAudit{}, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
