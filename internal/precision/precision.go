// Package precision centralizes exchange quantization. No other
// component rounds prices or quantities.
package precision

import (
	"sync"

	"github.com/shopspring/decimal"

	"main/internal/errors"
)

var (
	ErrUnknownSymbol  = errors.New("precision: unknown symbol")
	ErrBadRules       = errors.New("precision: invalid rules")
	ErrBelowMinQty    = errors.New("precision: quantity below minimum")
	ErrBelowNotional  = errors.New("precision: notional below minimum")
	ErrNonPositiveQty = errors.New("precision: quantity must be positive")
)

// Rules holds the quantization constraints for one symbol.
type Rules struct {
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

func (r Rules) validate() error {
	if !r.TickSize.IsPositive() || !r.QtyStep.IsPositive() {
		return ErrBadRules
	}
	return nil
}

// Service quantizes prices and quantities per symbol.
type Service struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewService creates an empty precision service.
func NewService() *Service {
	return &Service{rules: make(map[string]Rules)}
}

// SetRules registers or replaces the rules for a symbol.
func (s *Service) SetRules(symbol string, rules Rules) error {
	if err := rules.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[symbol] = rules
	return nil
}

// Rules returns the rules for a symbol.
func (s *Service) Rules(symbol string) (Rules, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[symbol]
	return r, ok
}

// PriceToTick snaps a price onto the symbol tick grid, rounding toward
// the passive direction: buy prices round down, sell prices round up.
func (s *Service) PriceToTick(symbol string, price decimal.Decimal, roundUp bool) (decimal.Decimal, error) {
	rules, ok := s.Rules(symbol)
	if !ok {
		return decimal.Zero, ErrUnknownSymbol
	}
	ticks := price.Div(rules.TickSize)
	if roundUp {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	return ticks.Mul(rules.TickSize), nil
}

// QtyToStep snaps a quantity down onto the symbol step grid.
func (s *Service) QtyToStep(symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	rules, ok := s.Rules(symbol)
	if !ok {
		return decimal.Zero, ErrUnknownSymbol
	}
	steps := qty.Div(rules.QtyStep).Floor()
	return steps.Mul(rules.QtyStep), nil
}

// ValidateOrder checks a quantized (price, qty) pair against the symbol
// minimums.
func (s *Service) ValidateOrder(symbol string, price, qty decimal.Decimal) error {
	rules, ok := s.Rules(symbol)
	if !ok {
		return ErrUnknownSymbol
	}
	if !qty.IsPositive() {
		return ErrNonPositiveQty
	}
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return ErrBelowMinQty
	}
	if rules.MinNotional.IsPositive() && price.IsPositive() && price.Mul(qty).LessThan(rules.MinNotional) {
		return ErrBelowNotional
	}
	return nil
}
