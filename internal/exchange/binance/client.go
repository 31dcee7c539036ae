// Package binance implements domain.ExchangeExecutor against Binance USD-M
// futures.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/domain"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
)

// Executor places futures orders for one account.
type Executor struct {
	client *futures.Client
	logger *slog.Logger
}

var _ domain.ExchangeExecutor = (*Executor)(nil)

// New creates an Executor. Testnet routing is decided here so credentials and
// endpoint never drift apart.
func New(apiKey, apiSecret string, testnet bool, logger *slog.Logger) *Executor {
	client := futures.NewClient(apiKey, apiSecret)
	if testnet {
		client.BaseURL = testnetBaseURL
	} else {
		client.BaseURL = mainnetBaseURL
	}
	return &Executor{
		client: client,
		logger: logger.With(slog.String("component", "binance")),
	}
}

// orderSide maps the ledger's position direction to the futures order side
// for the given action. Entering a LONG buys; reducing a LONG sells.
func orderSide(side domain.Side, kind domain.ActionKind) futures.SideType {
	long := side == domain.SideLong
	if kind != domain.ActionEnter {
		long = !long
	}
	if long {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// PlaceOrder submits the action as a market order. Quantities travel as
// strings end to end; no float conversion happens anywhere in the path.
func (e *Executor) PlaceOrder(ctx context.Context, a domain.Action) (domain.OrderResult, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(a.Symbol).
		Side(orderSide(a.Side, a.Kind)).
		Type(futures.OrderTypeMarket).
		Quantity(a.Quantity.String())
	if a.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place %s order for %s: %w", a.Kind, a.Symbol, wrapAPIError(err))
	}

	e.logger.InfoContext(ctx, "order placed",
		slog.String("symbol", a.Symbol),
		slog.String("kind", string(a.Kind)),
		slog.String("quantity", a.Quantity.String()),
		slog.Int64("order_id", order.OrderID))

	res := domain.OrderResult{
		OrderID: fmt.Sprintf("%d", order.OrderID),
		Status:  string(order.Status),
	}
	if order.AvgPrice != "" {
		if res.AvgPrice, err = decimal.NewFromString(order.AvgPrice); err != nil {
			return domain.OrderResult{}, fmt.Errorf("binance: parse avg price %q: %w", order.AvgPrice, err)
		}
	}
	if order.ExecutedQuantity != "" {
		if res.ExecutedQty, err = decimal.NewFromString(order.ExecutedQuantity); err != nil {
			return domain.OrderResult{}, fmt.Errorf("binance: parse executed qty %q: %w", order.ExecutedQuantity, err)
		}
	}
	return res, nil
}

// PositionSize returns the signed live position amount for a symbol. Zero
// means flat; the sign carries the direction.
func (e *Executor) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	positions, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("binance: position risk for %s: %w", symbol, wrapAPIError(err))
	}
	if len(positions) == 0 {
		return decimal.Zero, nil
	}

	amt, err := decimal.NewFromString(positions[0].PositionAmt)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("binance: parse position amount %q for %s: %w",
			positions[0].PositionAmt, symbol, err)
	}
	return amt, nil
}

// Setup applies leverage and margin mode for a symbol. Binance rejects a
// margin type change with code -4046 when the mode is already set; that is
// not an error here.
func (e *Executor) Setup(ctx context.Context, symbol string, leverage int, marginMode string) error {
	if leverage > 0 {
		if _, err := e.client.NewChangeLeverageService().
			Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
			return fmt.Errorf("binance: set leverage %d for %s: %w", leverage, symbol, wrapAPIError(err))
		}
	}

	if marginMode != "" {
		marginType := futures.MarginTypeCrossed
		if strings.EqualFold(marginMode, "isolated") {
			marginType = futures.MarginTypeIsolated
		}
		err := e.client.NewChangeMarginTypeService().
			Symbol(symbol).MarginType(marginType).Do(ctx)
		if err != nil && !isNoNeedToChange(err) {
			return fmt.Errorf("binance: set margin mode %s for %s: %w", marginMode, symbol, wrapAPIError(err))
		}
	}
	return nil
}

func isNoNeedToChange(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -4046
}

// wrapAPIError surfaces the Binance error code and message when present.
func wrapAPIError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("api error %d: %s", apiErr.Code, apiErr.Message)
	}
	return err
}
