// Package paper is an in-process venue simulator implementing the
// exchange surface. Orders fill against the mark price pushed through
// SetMark; no network, no credentials.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

type restingOrder struct {
	req    model.OrderRequest
	venue  string
	status string
	filled decimal.Decimal
	avg    decimal.Decimal
}

// Client simulates the venue. Callbacks fire synchronously before the
// mutating call returns, mirroring the private stream; they run outside
// the lock so a handler may call back into the simulator.
type Client struct {
	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	orders    map[string]*restingOrder
	positions map[string]*model.PositionUpdate
	stops     map[string]decimal.Decimal
	equity    decimal.Decimal
	seq       int
	emits     []func()

	// OnOrder and OnFill mirror the private push stream.
	OnOrder func(model.OrderUpdate)
	OnFill  func(model.Fill)

	now func() time.Time
}

var _ exchange.Client = (*Client)(nil)

// New creates a simulator with the given starting equity.
func New(equity decimal.Decimal) *Client {
	return &Client{
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*restingOrder),
		positions: make(map[string]*model.PositionUpdate),
		stops:     make(map[string]decimal.Decimal),
		equity:    equity,
		now:       time.Now,
	}
}

// SetMark moves the simulated mark price, filling any limit orders the
// move crosses and triggering armed stops.
func (c *Client) SetMark(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.marks[symbol] = price

	for id, ord := range c.orders {
		if ord.req.Symbol != symbol || terminal(ord.status) {
			continue
		}
		if crossed(ord.req, price) {
			c.fillLocked(id, ord, ord.req.LimitPrice)
		}
	}

	if stop, ok := c.stops[symbol]; ok {
		if pos, open := c.positions[symbol]; open && stopHit(pos.Side, stop, price) {
			c.closePositionLocked(symbol, stop)
		}
	}
	emits := c.takeEmitsLocked()
	c.mu.Unlock()
	fire(emits)
}

// PlaceOrder fills market orders at the current mark and rests limit
// orders until the mark crosses them.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (exchange.PlaceResult, error) {
	c.mu.Lock()

	if _, ok := c.orders[req.ClientOrderID]; ok {
		c.mu.Unlock()
		return exchange.PlaceResult{}, exchange.ErrDuplicateOrder
	}
	mark, hasMark := c.marks[req.Symbol]
	if req.Type == enum.OrderTypeMarket && !hasMark {
		c.mu.Unlock()
		return exchange.PlaceResult{}, &exchange.APIError{
			Code: 10001, Msg: "paper: no mark price for " + req.Symbol, ErrClass: exchange.ClassRejected,
		}
	}

	c.seq++
	ord := &restingOrder{
		req:    req,
		venue:  fmt.Sprintf("paper-%d", c.seq),
		status: "New",
	}
	c.orders[req.ClientOrderID] = ord
	c.emitOrderLocked(req.ClientOrderID, ord)

	if req.StopLoss.IsPositive() {
		c.stops[req.Symbol] = req.StopLoss
	}

	switch {
	case req.Type == enum.OrderTypeMarket:
		c.fillLocked(req.ClientOrderID, ord, mark)
	case hasMark && crossed(req, mark):
		c.fillLocked(req.ClientOrderID, ord, req.LimitPrice)
	}

	emits := c.takeEmitsLocked()
	c.mu.Unlock()
	fire(emits)
	return exchange.PlaceResult{ClientOrderID: req.ClientOrderID, ExchangeOrderID: ord.venue}, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	c.mu.Lock()

	ord, ok := c.orders[clientOrderID]
	if !ok {
		c.mu.Unlock()
		return exchange.ErrOrderNotFound
	}
	if terminal(ord.status) {
		c.mu.Unlock()
		return exchange.ErrAlreadyClosed
	}
	ord.status = "Cancelled"
	c.emitOrderLocked(clientOrderID, ord)
	emits := c.takeEmitsLocked()
	c.mu.Unlock()
	fire(emits)
	return nil
}

// AmendOrder modifies a resting order.
func (c *Client) AmendOrder(ctx context.Context, symbol, clientOrderID string, changes model.OrderChanges) error {
	c.mu.Lock()

	ord, ok := c.orders[clientOrderID]
	if !ok {
		c.mu.Unlock()
		return exchange.ErrOrderNotFound
	}
	if terminal(ord.status) {
		c.mu.Unlock()
		return exchange.ErrAlreadyClosed
	}
	if changes.LimitPrice != nil {
		ord.req.LimitPrice = *changes.LimitPrice
	}
	if changes.Quantity != nil {
		ord.req.Quantity = *changes.Quantity
	}
	if changes.StopLoss != nil {
		c.stops[ord.req.Symbol] = *changes.StopLoss
	}
	if mark, ok := c.marks[ord.req.Symbol]; ok && crossed(ord.req, mark) {
		c.fillLocked(clientOrderID, ord, ord.req.LimitPrice)
	}
	emits := c.takeEmitsLocked()
	c.mu.Unlock()
	fire(emits)
	return nil
}

// GetOrder returns the simulator's view of one order.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ord, ok := c.orders[clientOrderID]
	if !ok {
		return model.OrderUpdate{}, exchange.ErrOrderNotFound
	}
	return c.orderUpdateLocked(clientOrderID, ord), nil
}

// GetOpenOrders lists non-terminal orders on a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.OrderUpdate
	for id, ord := range c.orders {
		if ord.req.Symbol != symbol || terminal(ord.status) {
			continue
		}
		out = append(out, c.orderUpdateLocked(id, ord))
	}
	return out, nil
}

// GetPositions lists open simulated positions.
func (c *Client) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PositionUpdate, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetWalletBalance reports the simulated equity.
func (c *Client) GetWalletBalance(ctx context.Context) (model.WalletUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.WalletUpdate{
		Equity:    c.equity,
		Available: c.equity,
		UpdatedAt: c.now(),
	}, nil
}

// SetTradingStop arms or moves the symbol stop.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, side enum.PositionSide, stopLoss decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.positions[symbol]; !ok {
		return exchange.ErrOrderNotFound
	}
	if existing, ok := c.stops[symbol]; ok && existing.Equal(stopLoss) {
		return exchange.ErrAlreadyClosed
	}
	c.stops[symbol] = stopLoss
	return nil
}

// CancelAll cancels every resting order on the symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	c.mu.Lock()
	for id, ord := range c.orders {
		if ord.req.Symbol != symbol || terminal(ord.status) {
			continue
		}
		ord.status = "Cancelled"
		c.emitOrderLocked(id, ord)
	}
	emits := c.takeEmitsLocked()
	c.mu.Unlock()
	fire(emits)
	return nil
}

func (c *Client) fillLocked(id string, ord *restingOrder, price decimal.Decimal) {
	qty := ord.req.Quantity.Sub(ord.filled)
	if !qty.IsPositive() {
		return
	}
	ord.filled = ord.req.Quantity
	ord.avg = price
	ord.status = "Filled"

	c.seq++
	c.applyFillToPositionLocked(ord.req.Symbol, ord.req.Side, qty, price)
	c.emitOrderLocked(id, ord)
	c.emitFillLocked(model.Fill{
		Symbol:          ord.req.Symbol,
		ClientOrderID:   id,
		ExchangeOrderID: ord.venue,
		ExecID:          fmt.Sprintf("paper-exec-%d", c.seq),
		Side:            ord.req.Side,
		Price:           price,
		Quantity:        qty,
		Fee:             decimal.Zero,
		ExecTime:        c.now(),
	})
}

func (c *Client) closePositionLocked(symbol string, price decimal.Decimal) {
	pos, ok := c.positions[symbol]
	if !ok {
		return
	}
	side := pos.Side.FromOrderSide().Opposite()
	size := pos.Size
	c.seq++
	id := fmt.Sprintf("paper-stop-%d", c.seq)
	c.applyFillToPositionLocked(symbol, side, size, price)
	delete(c.stops, symbol)
	c.emitFillLocked(model.Fill{
		Symbol:   symbol,
		ExecID:   id,
		Side:     side,
		Price:    price,
		Quantity: size,
		ExecTime: c.now(),
	})
}

func (c *Client) applyFillToPositionLocked(symbol string, side enum.Side, qty, price decimal.Decimal) {
	dir := enum.PositionSideLong
	if side == enum.SideSell {
		dir = enum.PositionSideShort
	}

	pos, ok := c.positions[symbol]
	if !ok {
		c.positions[symbol] = &model.PositionUpdate{
			Symbol:     symbol,
			Side:       dir,
			Size:       qty,
			EntryPrice: price,
			MarkPrice:  price,
			UpdatedAt:  c.now(),
		}
		return
	}

	if pos.Side == dir {
		total := pos.Size.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(qty)).Div(total)
		pos.Size = total
		pos.UpdatedAt = c.now()
		return
	}

	closeQty := decimal.Min(pos.Size, qty)
	sign := decimal.NewFromInt(int64(pos.Side.Sign()))
	c.equity = c.equity.Add(price.Sub(pos.EntryPrice).Mul(closeQty).Mul(sign))
	pos.Size = pos.Size.Sub(closeQty)
	pos.UpdatedAt = c.now()
	if !pos.Size.IsPositive() {
		delete(c.positions, symbol)
		if remainder := qty.Sub(closeQty); remainder.IsPositive() {
			c.positions[symbol] = &model.PositionUpdate{
				Symbol:     symbol,
				Side:       dir,
				Size:       remainder,
				EntryPrice: price,
				MarkPrice:  price,
				UpdatedAt:  c.now(),
			}
		}
	}
}

func (c *Client) orderUpdateLocked(id string, ord *restingOrder) model.OrderUpdate {
	return model.OrderUpdate{
		Symbol:          ord.req.Symbol,
		ClientOrderID:   id,
		ExchangeOrderID: ord.venue,
		Status:          ord.status,
		FilledQuantity:  ord.filled,
		AvgFillPrice:    ord.avg,
		UpdatedAt:       c.now(),
	}
}

func (c *Client) emitOrderLocked(id string, ord *restingOrder) {
	u := c.orderUpdateLocked(id, ord)
	c.emits = append(c.emits, func() {
		if c.OnOrder != nil {
			c.OnOrder(u)
		}
	})
}

func (c *Client) emitFillLocked(fill model.Fill) {
	c.emits = append(c.emits, func() {
		if c.OnFill != nil {
			c.OnFill(fill)
		}
	})
}

func (c *Client) takeEmitsLocked() []func() {
	emits := c.emits
	c.emits = nil
	return emits
}

func fire(emits []func()) {
	for _, emit := range emits {
		emit()
	}
}

// crossed reports whether a limit order fills at the given mark.
func crossed(req model.OrderRequest, mark decimal.Decimal) bool {
	if req.Type != enum.OrderTypeLimit || !req.LimitPrice.IsPositive() {
		return false
	}
	if req.Side == enum.SideBuy {
		return mark.LessThanOrEqual(req.LimitPrice)
	}
	return mark.GreaterThanOrEqual(req.LimitPrice)
}

func stopHit(side enum.PositionSide, stop, mark decimal.Decimal) bool {
	if side == enum.PositionSideLong {
		return mark.LessThanOrEqual(stop)
	}
	return mark.GreaterThanOrEqual(stop)
}

func terminal(status string) bool {
	switch status {
	case "Filled", "Cancelled", "Rejected":
		return true
	default:
		return false
	}
}
