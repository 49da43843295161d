// Package stops drives the protective stop of each open position. A
// stop only ever tightens: every accepted move is a strict improvement
// in the position's favor, and a stop never widens back.
package stops

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/errors"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

var (
	ErrNotArmed  = errors.New("stops: no armed stop for symbol")
	ErrBadConfig = errors.New("stops: invalid config")
)

// State is the per-symbol stop lifecycle. It only moves forward.
type State uint8

const (
	StateUninitialized State = iota
	StateArmed
	StateTrailing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "Armed"
	case StateTrailing:
		return "Trailing"
	case StateClosed:
		return "Closed"
	default:
		return "Uninitialized"
	}
}

// Setter pushes a stop price to the venue.
type Setter interface {
	SetStop(ctx context.Context, symbol string, side enum.PositionSide, price decimal.Decimal) error
}

// Config selects the trailing policy and its distance.
type Config struct {
	Policy enum.StopPolicy
	// Percent is the trail distance as a fraction of price, used by
	// the percent policy.
	Percent decimal.Decimal
	// VolatilityMult scales the caller-supplied volatility measure,
	// used by the volatility policy.
	VolatilityMult decimal.Decimal
	// MinInterval spaces venue amends; improvements inside the window
	// are held and flushed later.
	MinInterval time.Duration
}

func (c Config) validate() error {
	switch c.Policy {
	case enum.StopPolicyPercent:
		if !c.Percent.IsPositive() || c.Percent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return ErrBadConfig
		}
	case enum.StopPolicyVolatility:
		if !c.VolatilityMult.IsPositive() {
			return ErrBadConfig
		}
	default:
		return ErrBadConfig
	}
	return nil
}

type stopState struct {
	state    State
	side     enum.PositionSide
	current  decimal.Decimal
	pending  *decimal.Decimal
	lastPush time.Time
}

// Controller owns all stop state. Single writer; snapshots for reads.
type Controller struct {
	cfg    Config
	setter Setter
	events *bus.Queue

	mu     sync.Mutex
	states map[string]*stopState
	now    func() time.Time
}

// NewController validates the config and wires the controller.
func NewController(cfg Config, setter Setter, events *bus.Queue) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		setter: setter,
		events: events,
		states: make(map[string]*stopState),
		now:    time.Now,
	}, nil
}

// Arm places the initial stop for a freshly opened position. Arming an
// already armed symbol is a no-op.
func (c *Controller) Arm(ctx context.Context, pos model.Position, volatility decimal.Decimal) error {
	c.mu.Lock()
	if st, ok := c.states[pos.Symbol]; ok && st.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stop := c.trail(pos.EntryPrice, pos.Side, volatility)
	if err := c.setter.SetStop(ctx, pos.Symbol, pos.Side, stop); err != nil {
		return errors.Wrap(err, "arm stop")
	}

	c.mu.Lock()
	c.states[pos.Symbol] = &stopState{
		state:    StateArmed,
		side:     pos.Side,
		current:  stop,
		lastPush: c.now(),
	}
	c.mu.Unlock()

	c.publishMoved(pos.Symbol, pos.Side, decimal.Zero, stop, false)
	return nil
}

// OnMark trails the stop behind a fresh mark price. A candidate that
// does not strictly improve the stop is dropped; one inside the amend
// window is held for Flush.
func (c *Controller) OnMark(ctx context.Context, symbol string, mark, volatility decimal.Decimal) error {
	c.mu.Lock()
	st, ok := c.states[symbol]
	if !ok || st.state == StateClosed {
		c.mu.Unlock()
		return ErrNotArmed
	}

	candidate := c.trail(mark, st.side, volatility)
	if !improves(st.side, st.current, candidate) {
		c.mu.Unlock()
		return nil
	}

	if c.cfg.MinInterval > 0 && c.now().Sub(st.lastPush) < c.cfg.MinInterval {
		if st.pending == nil || improves(st.side, *st.pending, candidate) {
			st.pending = &candidate
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.push(ctx, symbol, candidate, false)
}

// Flush pushes any held improvement whose amend window has elapsed.
func (c *Controller) Flush(ctx context.Context) {
	c.mu.Lock()
	type flushItem struct {
		symbol    string
		candidate decimal.Decimal
	}
	var due []flushItem
	for symbol, st := range c.states {
		if st.state == StateClosed || st.pending == nil {
			continue
		}
		if c.cfg.MinInterval > 0 && c.now().Sub(st.lastPush) < c.cfg.MinInterval {
			continue
		}
		due = append(due, flushItem{symbol: symbol, candidate: *st.pending})
	}
	c.mu.Unlock()

	for _, item := range due {
		if err := c.push(ctx, item.symbol, item.candidate, true); err != nil {
			logs.Warnf("flush held stop failed, symbol: %s, err: %+v", item.symbol, err)
		}
	}
}

// Close retires the stop when the position is gone.
func (c *Controller) Close(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[symbol]; ok {
		st.state = StateClosed
		st.pending = nil
	}
}

// Current returns the active stop price for a symbol.
func (c *Controller) Current(symbol string) (decimal.Decimal, State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[symbol]; ok {
		return st.current, st.state, true
	}
	return decimal.Zero, StateUninitialized, false
}

func (c *Controller) push(ctx context.Context, symbol string, candidate decimal.Decimal, flushed bool) error {
	c.mu.Lock()
	st, ok := c.states[symbol]
	if !ok || st.state == StateClosed {
		c.mu.Unlock()
		return ErrNotArmed
	}
	if !improves(st.side, st.current, candidate) {
		st.pending = nil
		c.mu.Unlock()
		return nil
	}
	side := st.side
	from := st.current
	c.mu.Unlock()

	if err := c.setter.SetStop(ctx, symbol, side, candidate); err != nil {
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			// position is gone on the venue
			c.Close(symbol)
			return nil
		case errors.Is(err, exchange.ErrAlreadyClosed):
			// venue already holds this level, record it
		default:
			return errors.Wrap(err, "push stop")
		}
	}

	c.mu.Lock()
	if st.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if !improves(st.side, st.current, candidate) {
		// a tighter stop committed while ours was on the wire and ours
		// reached the venue last; re-send the tighter level
		repair := st.current
		c.mu.Unlock()
		if err := c.setter.SetStop(ctx, symbol, side, repair); err != nil {
			return errors.Wrap(err, "restore stop")
		}
		return nil
	}
	st.current = candidate
	st.pending = nil
	st.lastPush = c.now()
	st.state = StateTrailing
	c.mu.Unlock()

	c.publishMoved(symbol, side, from, candidate, flushed)
	return nil
}

// trail computes the stop at the policy distance below (long) or above
// (short) the reference price.
func (c *Controller) trail(ref decimal.Decimal, side enum.PositionSide, volatility decimal.Decimal) decimal.Decimal {
	var distance decimal.Decimal
	switch c.cfg.Policy {
	case enum.StopPolicyPercent:
		distance = ref.Mul(c.cfg.Percent)
	case enum.StopPolicyVolatility:
		distance = volatility.Mul(c.cfg.VolatilityMult)
	}
	if side == enum.PositionSideLong {
		return ref.Sub(distance)
	}
	return ref.Add(distance)
}

// improves reports whether candidate strictly tightens the stop.
func improves(side enum.PositionSide, current, candidate decimal.Decimal) bool {
	if side == enum.PositionSideLong {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

func (c *Controller) publishMoved(symbol string, side enum.PositionSide, from, to decimal.Decimal, flushed bool) {
	logs.Infof("stop moved, symbol: %s, %s -> %s, flushed: %t", symbol, from, to, flushed)
	if c.events == nil {
		return
	}
	_ = c.events.TryPublish(bus.Event{
		Type: bus.EventStopMoved,
		StopMoved: &bus.StopMoved{
			Symbol:  symbol,
			Side:    side,
			From:    from,
			To:      to,
			Flushed: flushed,
		},
	})
}
