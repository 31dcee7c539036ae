package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlaceOrderTracksSignedSize(t *testing.T) {
	e := New("acct-1")
	ctx := context.Background()

	res, err := e.PlaceOrder(ctx, domain.Action{
		Symbol: "BTCUSDT", Side: domain.SideLong, Kind: domain.ActionEnter, Quantity: dec("2"),
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if res.Status != "FILLED" || res.OrderID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	size, err := e.PositionSize(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if !size.Equal(dec("2")) {
		t.Errorf("size = %s, want 2", size)
	}

	if _, err := e.PlaceOrder(ctx, domain.Action{
		Symbol: "BTCUSDT", Side: domain.SideLong, Kind: domain.ActionReduce,
		Quantity: dec("0.5"), ReduceOnly: true,
	}); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	size, _ = e.PositionSize(ctx, "BTCUSDT")
	if !size.Equal(dec("1.5")) {
		t.Errorf("size = %s, want 1.5", size)
	}
}

func TestShortEntryIsNegative(t *testing.T) {
	e := New("acct-1")
	ctx := context.Background()

	if _, err := e.PlaceOrder(ctx, domain.Action{
		Symbol: "ETHUSDT", Side: domain.SideShort, Kind: domain.ActionEnter, Quantity: dec("3"),
	}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	size, _ := e.PositionSize(ctx, "ETHUSDT")
	if !size.Equal(dec("-3")) {
		t.Errorf("size = %s, want -3", size)
	}
}

func TestReduceOnlyNeverFlips(t *testing.T) {
	e := New("acct-1")
	ctx := context.Background()

	if _, err := e.PlaceOrder(ctx, domain.Action{
		Symbol: "BTCUSDT", Side: domain.SideLong, Kind: domain.ActionEnter, Quantity: dec("1"),
	}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	// Close more than is held; a reduce-only fill stops at flat.
	if _, err := e.PlaceOrder(ctx, domain.Action{
		Symbol: "BTCUSDT", Side: domain.SideLong, Kind: domain.ActionClose,
		Quantity: dec("2"), ReduceOnly: true,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	size, _ := e.PositionSize(ctx, "BTCUSDT")
	if !size.IsZero() {
		t.Errorf("size = %s, want 0", size)
	}
}
