package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// PriceLevel is one (price, resting size) pair of a book side. A zero
// quantity in a delta means the level is removed.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookUpdateKind snapshot, delta
type BookUpdateKind uint8

const (
	_book_update_kind_beg BookUpdateKind = iota
	BookSnapshot
	BookDelta
	_book_update_kind_end
)

func (k BookUpdateKind) IsAvailable() bool {
	return k > _book_update_kind_beg && k < _book_update_kind_end
}

// BookUpdate is a normalized order book message from the public stream.
type BookUpdate struct {
	Symbol    string
	Kind      BookUpdateKind
	Sequence  uint64
	Bids      []PriceLevel
	Asks      []PriceLevel
	EventTime time.Time
}

// Ticker carries mark/last price from the public ticker stream.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	MarkPrice decimal.Decimal
	EventTime time.Time
}

// Fill is a normalized execution event from the private stream.
type Fill struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	ExecID          string
	Side            enum.Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Fee             decimal.Decimal
	ExecTime        time.Time
}

// OrderUpdate is a normalized order event from the private stream.
// Status carries the raw exchange string; the lifecycle manager owns
// the mapping into enum.OrderStatus.
type OrderUpdate struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Status          string
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	UpdatedAt       time.Time
}

// PositionUpdate is a normalized position event from the private stream
// or the periodic poll. Zero size means the position is gone.
type PositionUpdate struct {
	Symbol           string
	Side             enum.PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	Leverage         decimal.Decimal
	LiquidationPrice decimal.Decimal
	MarginUsed       decimal.Decimal
	UpdatedAt        time.Time
}

// WalletUpdate is a normalized balance event.
type WalletUpdate struct {
	Equity     decimal.Decimal
	Available  decimal.Decimal
	UsedMargin decimal.Decimal
	UpdatedAt  time.Time
}
