package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/exchange/paper"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *captureNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newReconcileEnv(t *testing.T) (*ReconcileService, *memPositionStore, *memAuditStore, *paper.Executor, *captureNotifier) {
	t.Helper()
	positions := newMemPositionStore()
	audit := newMemAuditStore()
	exec := paper.New("acct-1")
	notifier := &captureNotifier{}
	accounts := []domain.Account{{ID: "acct-1", Exchange: "paper", Enabled: true}}
	svc := NewReconcileService(
		positions,
		map[string]domain.ExchangeExecutor{"acct-1": exec},
		accounts, audit, notifier,
		time.Minute, testLogger(),
	)
	return svc, positions, audit, exec, notifier
}

func TestReconcileClosesFlatPositions(t *testing.T) {
	svc, positions, audit, _, notifier := newReconcileEnv(t)
	ctx := context.Background()

	pos := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("2"))
	require.NoError(t, positions.Create(ctx, pos))
	// Exchange is flat: the paper executor holds nothing for BTCUSDT.

	findings, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, findings)

	got, err := positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.True(t, got.RemainingQty.IsZero())
	assert.True(t, got.ClosedQty[domain.CloseReasonOther].Equal(dec("2")),
		"remainder swept into the catch-all bucket")
	require.NoError(t, got.CheckQtyInvariant(dec("0.000001")))

	assert.NotEmpty(t, audit.ByEvent("reconciled_flat"))
	assert.Contains(t, notifier.Events(), "reconciled")
}

func TestReconcileMatchingSizeIsQuiet(t *testing.T) {
	svc, positions, audit, exec, _ := newReconcileEnv(t)
	ctx := context.Background()

	pos := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("2"))
	require.NoError(t, positions.Create(ctx, pos))
	exec.SetPositionSize("BTCUSDT", dec("2"))

	findings, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, findings)

	got, _ := positions.GetByID(ctx, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.Empty(t, audit.ByEvent("reconcile_mismatch"))
}

func TestReconcileAuditsSizeMismatch(t *testing.T) {
	svc, positions, audit, exec, _ := newReconcileEnv(t)
	ctx := context.Background()

	pos := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("2"))
	require.NoError(t, positions.Create(ctx, pos))
	exec.SetPositionSize("BTCUSDT", dec("1.5"))

	findings, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, findings)

	// Mismatch is reported, not acted on.
	got, _ := positions.GetByID(ctx, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	require.Len(t, audit.ByEvent("reconcile_mismatch"), 1)
	entry := audit.ByEvent("reconcile_mismatch")[0]
	assert.Equal(t, "2", entry.Detail["ledger"])
	assert.Equal(t, "1.5", entry.Detail["exchange"])
}

func TestReconcileFlagsAmbiguousKeys(t *testing.T) {
	svc, positions, audit, exec, _ := newReconcileEnv(t)
	ctx := context.Background()

	a := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("1"))
	b := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("1"))
	require.NoError(t, positions.Create(ctx, a))
	require.NoError(t, positions.Create(ctx, b))
	exec.SetPositionSize("BTCUSDT", dec("2"))

	findings, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, findings)
	require.Len(t, audit.ByEvent("ambiguous_match"), 1)
	assert.Equal(t, "reconcile", audit.ByEvent("ambiguous_match")[0].Detail["source"])
}

func TestReconcileSkipsDisabledAccounts(t *testing.T) {
	positions := newMemPositionStore()
	audit := newMemAuditStore()
	exec := paper.New("acct-1")
	accounts := []domain.Account{{ID: "acct-1", Exchange: "paper", Enabled: false}}
	svc := NewReconcileService(
		positions,
		map[string]domain.ExchangeExecutor{"acct-1": exec},
		accounts, audit, nil,
		time.Minute, testLogger(),
	)
	ctx := context.Background()

	pos := newOpenPosition("acct-1", "BTCUSDT", "trend-v2", dec("2"))
	require.NoError(t, positions.Create(ctx, pos))

	findings, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, findings)

	got, _ := positions.GetByID(ctx, pos.ID)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
}
