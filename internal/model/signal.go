package model

import (
	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Signal is the opaque decision supplied by an upstream strategy. The
// engine executes it without evaluating it.
type Signal struct {
	Action       enum.SignalAction
	Strength     decimal.Decimal
	StopDistance decimal.Decimal
}

// MarketState is the read-only market view handed to a strategy.
type MarketState struct {
	Symbol    string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	MarkPrice decimal.Decimal
}

// Strategy generates trade signals from market state. One implementation
// per strategy; selected at startup by configuration.
type Strategy interface {
	GenerateSignal(state MarketState) Signal
}
