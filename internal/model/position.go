package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Position is the authoritative view of open exposure on one symbol.
// Size is always >= 0; direction lives in Side. A position with zero
// size does not exist as an entity.
type Position struct {
	Symbol           string
	Side             enum.PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	MarginUsed       decimal.Decimal
	OpenedAt         time.Time
	UpdatedAt        time.Time
}

// Notional returns size * mark price.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.MarkPrice)
}

// Balance is the account wallet view. Push events update it, the
// periodic poll corrects it.
type Balance struct {
	Equity     decimal.Decimal
	Available  decimal.Decimal
	UsedMargin decimal.Decimal
	UpdatedAt  time.Time
}

// ClosedTrade is an immutable ledger record appended when a position
// fully closes.
type ClosedTrade struct {
	ID          string
	Symbol      string
	Side        enum.PositionSide
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	Fees        decimal.Decimal
	RealizedPnl decimal.Decimal
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Duration returns how long the position was held.
func (t ClosedTrade) Duration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}
