// Package risk is the pre-trade gate. Every submission passes through
// Validate before it may touch the wire; the gate itself never calls
// out, it only reads the views it was given.
package risk

import (
	"github.com/shopspring/decimal"

	"main/internal/errors"
	"main/internal/model"
	"main/internal/model/enum"
)

var (
	ErrStopUnset       = errors.New("risk: order carries no protective stop")
	ErrStopOnWrongSide = errors.New("risk: stop on the wrong side of entry")
	ErrRiskTooLarge    = errors.New("risk: stop distance risks too much equity")
	ErrNotionalCap     = errors.New("risk: order notional above cap")
	ErrTooManyOpen     = errors.New("risk: too many open positions")
	ErrNoPriceRef      = errors.New("risk: no price reference for market order")
)

// Config bounds what a single order may risk.
type Config struct {
	// MaxRiskFraction caps (entry-stop distance * qty) / equity.
	MaxRiskFraction decimal.Decimal
	// MaxNotional caps price * qty per order. Zero disables the cap.
	MaxNotional decimal.Decimal
	// MaxOpenPositions caps concurrent symbols with exposure. Zero
	// disables the cap.
	MaxOpenPositions int
	// RequireStop rejects any entry without a protective stop.
	RequireStop bool
}

// Views are the read-only state the gate judges against.
type Views struct {
	Balance   func() model.Balance
	Positions func() []model.Position
	// Mark returns the current mark price for a symbol, used as the
	// price reference for market orders.
	Mark func(symbol string) (decimal.Decimal, bool)
}

// Gate validates order requests against configured limits.
type Gate struct {
	cfg   Config
	views Views
}

// NewGate wires the gate.
func NewGate(cfg Config, views Views) *Gate {
	return &Gate{cfg: cfg, views: views}
}

// Validate judges one request. A nil return admits the order.
func (g *Gate) Validate(req model.OrderRequest) error {
	price, err := g.priceRef(req)
	if err != nil {
		return err
	}

	if g.cfg.RequireStop && !req.StopLoss.IsPositive() {
		return ErrStopUnset
	}
	if req.StopLoss.IsPositive() {
		if err := stopSideCheck(req.Side, price, req.StopLoss); err != nil {
			return err
		}
		if err := g.riskFractionCheck(price, req.StopLoss, req.Quantity); err != nil {
			return err
		}
	}

	if g.cfg.MaxNotional.IsPositive() && price.Mul(req.Quantity).GreaterThan(g.cfg.MaxNotional) {
		return errors.Wrapf(ErrNotionalCap, "notional: %s, cap: %s", price.Mul(req.Quantity), g.cfg.MaxNotional)
	}

	return g.openPositionsCheck(req.Symbol)
}

func (g *Gate) priceRef(req model.OrderRequest) (decimal.Decimal, error) {
	if req.LimitPrice.IsPositive() {
		return req.LimitPrice, nil
	}
	if g.views.Mark != nil {
		if mark, ok := g.views.Mark(req.Symbol); ok && mark.IsPositive() {
			return mark, nil
		}
	}
	return decimal.Zero, ErrNoPriceRef
}

func stopSideCheck(side enum.Side, price, stop decimal.Decimal) error {
	// a buy's stop protects below entry, a sell's above
	if side == enum.SideBuy && stop.GreaterThanOrEqual(price) {
		return errors.Wrapf(ErrStopOnWrongSide, "stop: %s, entry: %s", stop, price)
	}
	if side == enum.SideSell && stop.LessThanOrEqual(price) {
		return errors.Wrapf(ErrStopOnWrongSide, "stop: %s, entry: %s", stop, price)
	}
	return nil
}

func (g *Gate) riskFractionCheck(price, stop, qty decimal.Decimal) error {
	if !g.cfg.MaxRiskFraction.IsPositive() || g.views.Balance == nil {
		return nil
	}
	equity := g.views.Balance().Equity
	if !equity.IsPositive() {
		return nil
	}
	atRisk := price.Sub(stop).Abs().Mul(qty)
	if atRisk.GreaterThan(equity.Mul(g.cfg.MaxRiskFraction)) {
		return errors.Wrapf(ErrRiskTooLarge, "at risk: %s, equity: %s", atRisk, equity)
	}
	return nil
}

func (g *Gate) openPositionsCheck(symbol string) error {
	if g.cfg.MaxOpenPositions <= 0 || g.views.Positions == nil {
		return nil
	}
	open := g.views.Positions()
	for _, pos := range open {
		if pos.Symbol == symbol {
			return nil // adding to an existing position
		}
	}
	if len(open) >= g.cfg.MaxOpenPositions {
		return errors.Wrapf(ErrTooManyOpen, "open: %d, cap: %d", len(open), g.cfg.MaxOpenPositions)
	}
	return nil
}
