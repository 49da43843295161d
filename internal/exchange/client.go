// Package exchange defines the request/response surface of the trading
// venue plus the error taxonomy and retry discipline shared by every
// outbound call.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

// PlaceResult is the acknowledgment of a placed order.
type PlaceResult struct {
	ClientOrderID   string
	ExchangeOrderID string
}

// Client is the venue's request/response API. Every mutating call is
// idempotent-safe through the caller-supplied client order id.
type Client interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	AmendOrder(ctx context.Context, symbol, clientOrderID string, changes model.OrderChanges) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderUpdate, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderUpdate, error)
	GetPositions(ctx context.Context) ([]model.PositionUpdate, error)
	GetWalletBalance(ctx context.Context) (model.WalletUpdate, error)
	// SetTradingStop pins the protective stop onto the open position.
	SetTradingStop(ctx context.Context, symbol string, side enum.PositionSide, stopLoss decimal.Decimal) error
	CancelAll(ctx context.Context, symbol string) error
}
