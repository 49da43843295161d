package bus

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// EventType identifies the engine event carried by an Event.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventOrderTransition
	EventRiskRejected
	EventDesync
	EventStopMoved
	EventBookResync
	EventChannelState
	EventTradeClosed
)

func (t EventType) String() string {
	switch t {
	case EventOrderTransition:
		return "order_transition"
	case EventRiskRejected:
		return "risk_rejected"
	case EventDesync:
		return "desync"
	case EventStopMoved:
		return "stop_moved"
	case EventBookResync:
		return "book_resync"
	case EventChannelState:
		return "channel_state"
	case EventTradeClosed:
		return "trade_closed"
	default:
		return "unknown"
	}
}

// Event is the unit passed through the in-memory bus. Exactly one of
// the payload pointers is set, matching Type.
type Event struct {
	Type EventType
	At   time.Time

	OrderTransition *OrderTransition
	RiskRejected    *RiskRejected
	Desync          *Desync
	StopMoved       *StopMoved
	BookResync      *BookResync
	ChannelState    *ChannelState
	TradeClosed     *TradeClosed
}

// OrderTransition records one accepted order state change.
type OrderTransition struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	From            enum.OrderStatus
	To              enum.OrderStatus
	UpdatedAt       time.Time
}

// RiskRejected records a pre-trade rejection.
type RiskRejected struct {
	Symbol string
	Reason string
}

// Desync records a push-versus-poll divergence corrected by the poll.
type Desync struct {
	Symbol   string
	Field    string
	PushView decimal.Decimal
	PollView decimal.Decimal
}

// StopMoved records an accepted protective-stop improvement.
type StopMoved struct {
	Symbol  string
	Side    enum.PositionSide
	From    decimal.Decimal
	To      decimal.Decimal
	Flushed bool
}

// BookResync records a forced order book resynchronization.
type BookResync struct {
	Symbol string
	Reason string
}

// ChannelState records a stream connect or disconnect.
type ChannelState struct {
	Channel   string
	Connected bool
	Detail    string
}

// TradeClosed records a ClosedTrade appended to the ledger.
type TradeClosed struct {
	TradeID     string
	Symbol      string
	RealizedPnl decimal.Decimal
}
