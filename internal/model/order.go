package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Order is the engine's view of a single order. The client order id is
// assigned before submission and doubles as the idempotency key; the
// exchange order id arrives with the first acknowledgment.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            enum.Side
	Type            enum.OrderType
	TimeInForce     enum.TimeInForce
	Quantity        decimal.Decimal
	LimitPrice      decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	Status          enum.OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LeavesQuantity returns the still-unfilled quantity.
func (o Order) LeavesQuantity() decimal.Decimal {
	left := o.Quantity.Sub(o.FilledQuantity)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          enum.Side
	Type          enum.OrderType
	TimeInForce   enum.TimeInForce
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	StrategyTag   string
}

// OrderChanges carries the mutable fields of an amend. Nil means unchanged.
type OrderChanges struct {
	Quantity   *decimal.Decimal
	LimitPrice *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// IsEmpty reports whether the amend changes nothing.
func (c OrderChanges) IsEmpty() bool {
	return c.Quantity == nil && c.LimitPrice == nil && c.StopLoss == nil && c.TakeProfit == nil
}
