// Package position maintains the authoritative view of open exposure:
// fills move it, mark ticks revalue it, the periodic poll corrects it.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/errors"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

const seenExecCap = 4096

// Tracker is the single writer of position and balance state. All
// mutations arrive through Apply* calls; reads get copies.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	realized  map[string]decimal.Decimal
	closedQty map[string]decimal.Decimal
	fees      map[string]decimal.Decimal
	balance   model.Balance
	seenExec  map[string]struct{}
	execOrder []string

	events *bus.Queue
	now    func() time.Time

	// completed round trips queue here until the mutation that produced
	// them unwinds; onClosed then fires outside the lock
	onClosed      func(model.ClosedTrade)
	pendingClosed []model.ClosedTrade
}

// NewTracker wires the tracker. onClosed receives every completed
// round trip and may be nil.
func NewTracker(events *bus.Queue, onClosed func(model.ClosedTrade)) *Tracker {
	return &Tracker{
		positions: make(map[string]*model.Position),
		realized:  make(map[string]decimal.Decimal),
		closedQty: make(map[string]decimal.Decimal),
		fees:      make(map[string]decimal.Decimal),
		seenExec:  make(map[string]struct{}),
		events:    events,
		onClosed:  onClosed,
		now:       time.Now,
	}
}

// ApplyFill folds one execution into the position. Increases move the
// volume-weighted entry, decreases realize PnL against it; a fill
// through zero closes the trade and opens the remainder in the new
// direction.
func (t *Tracker) ApplyFill(f model.Fill) {
	t.mu.Lock()
	t.applyFillLocked(f)
	closed := t.takeClosedLocked()
	t.mu.Unlock()
	t.fireClosed(closed)
}

func (t *Tracker) applyFillLocked(f model.Fill) {
	if f.ExecID != "" {
		if _, ok := t.seenExec[f.ExecID]; ok {
			return
		}
		t.markSeen(f.ExecID)
	}
	if !f.Quantity.IsPositive() {
		return
	}

	pos, ok := t.positions[f.Symbol]
	if !ok {
		t.open(f.Symbol, fillDirection(f.Side), f.Quantity, f.Price, f.Fee, f.ExecTime)
		return
	}

	t.fees[f.Symbol] = t.fees[f.Symbol].Add(f.Fee)

	if fillDirection(f.Side) == pos.Side {
		// increase: volume-weighted entry
		total := pos.Size.Add(f.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(f.Price.Mul(f.Quantity)).Div(total)
		pos.Size = total
		pos.UpdatedAt = f.ExecTime
		t.revalueLocked(pos)
		return
	}

	closeQty := decimal.Min(pos.Size, f.Quantity)
	sign := decimal.NewFromInt(int64(pos.Side.Sign()))
	t.realized[f.Symbol] = t.realized[f.Symbol].
		Add(f.Price.Sub(pos.EntryPrice).Mul(closeQty).Mul(sign))
	t.closedQty[f.Symbol] = t.closedQty[f.Symbol].Add(closeQty)
	pos.Size = pos.Size.Sub(closeQty)
	pos.UpdatedAt = f.ExecTime

	if pos.Size.IsPositive() {
		t.revalueLocked(pos)
		return
	}

	t.closeLocked(pos, f.Price, f.ExecTime)

	if remainder := f.Quantity.Sub(closeQty); remainder.IsPositive() {
		t.open(f.Symbol, fillDirection(f.Side), remainder, f.Price, decimal.Zero, f.ExecTime)
	}
}

// ApplyMark revalues the position against a fresh mark price.
func (t *Tracker) ApplyMark(tick model.Ticker) {
	if !tick.MarkPrice.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[tick.Symbol]; ok {
		pos.MarkPrice = tick.MarkPrice
		t.revalueLocked(pos)
	}
}

// ApplyPush folds a private-stream position event in. The push owns
// the venue-computed fields; size and entry stay fill-driven until the
// poll rules on them.
func (t *Tracker) ApplyPush(u model.PositionUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[u.Symbol]
	if !ok {
		return
	}
	if u.Leverage.IsPositive() {
		pos.Leverage = u.Leverage
	}
	if u.LiquidationPrice.IsPositive() {
		pos.LiquidationPrice = u.LiquidationPrice
	}
	if !u.MarginUsed.IsZero() {
		pos.MarginUsed = u.MarginUsed
	}
	if u.MarkPrice.IsPositive() {
		pos.MarkPrice = u.MarkPrice
	}
	t.revalueLocked(pos)
}

// ApplyWallet folds a balance push in.
func (t *Tracker) ApplyWallet(u model.WalletUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance = model.Balance{
		Equity:     u.Equity,
		Available:  u.Available,
		UsedMargin: u.UsedMargin,
		UpdatedAt:  u.UpdatedAt,
	}
}

// Reconcile polls the venue and overwrites local state where the two
// views diverge. Every corrected field publishes one desync event.
func (t *Tracker) Reconcile(ctx context.Context, client exchange.Client) error {
	rows, err := client.GetPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "poll positions")
	}
	wallet, err := client.GetWalletBalance(ctx)
	if err != nil {
		return errors.Wrap(err, "poll wallet")
	}

	t.mu.Lock()

	polled := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if !row.Size.IsPositive() {
			continue
		}
		polled[row.Symbol] = struct{}{}
		pos, ok := t.positions[row.Symbol]
		if !ok {
			logs.Warnf("poll found untracked position, symbol: %s, size: %s", row.Symbol, row.Size)
			t.positions[row.Symbol] = &model.Position{
				Symbol:           row.Symbol,
				Side:             row.Side,
				Size:             row.Size,
				EntryPrice:       row.EntryPrice,
				MarkPrice:        row.MarkPrice,
				Leverage:         row.Leverage,
				LiquidationPrice: row.LiquidationPrice,
				MarginUsed:       row.MarginUsed,
				OpenedAt:         row.UpdatedAt,
				UpdatedAt:        row.UpdatedAt,
			}
			t.revalueLocked(t.positions[row.Symbol])
			continue
		}

		if !pos.Size.Equal(row.Size) {
			t.publishDesync(row.Symbol, "size", pos.Size, row.Size)
			pos.Size = row.Size
		}
		if !pos.EntryPrice.Equal(row.EntryPrice) {
			t.publishDesync(row.Symbol, "entryPrice", pos.EntryPrice, row.EntryPrice)
			pos.EntryPrice = row.EntryPrice
		}
		if row.MarkPrice.IsPositive() {
			pos.MarkPrice = row.MarkPrice
		}
		pos.Leverage = row.Leverage
		pos.LiquidationPrice = row.LiquidationPrice
		pos.MarginUsed = row.MarginUsed
		pos.UpdatedAt = row.UpdatedAt
		t.revalueLocked(pos)
	}

	for symbol, pos := range t.positions {
		if _, ok := polled[symbol]; ok {
			continue
		}
		t.publishDesync(symbol, "size", pos.Size, decimal.Zero)
		t.closeLocked(pos, pos.MarkPrice, t.now())
	}

	t.balance = model.Balance{
		Equity:     wallet.Equity,
		Available:  wallet.Available,
		UsedMargin: wallet.UsedMargin,
		UpdatedAt:  wallet.UpdatedAt,
	}

	closed := t.takeClosedLocked()
	t.mu.Unlock()
	t.fireClosed(closed)
	return nil
}

// Get returns a copy of the position on a symbol.
func (t *Tracker) Get(symbol string) (model.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[symbol]; ok {
		return *pos, true
	}
	return model.Position{}, false
}

// All returns copies of every open position.
func (t *Tracker) All() []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	return out
}

// Balance returns the latest account balance view.
func (t *Tracker) Balance() model.Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

func (t *Tracker) open(symbol string, side enum.PositionSide, qty, price, fee decimal.Decimal, at time.Time) {
	t.positions[symbol] = &model.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       qty,
		EntryPrice: price,
		MarkPrice:  price,
		OpenedAt:   at,
		UpdatedAt:  at,
	}
	t.realized[symbol] = decimal.Zero
	t.closedQty[symbol] = decimal.Zero
	t.fees[symbol] = fee
	logs.Infof("position opened, symbol: %s, side: %s, size: %s @ %s", symbol, side, qty, price)
}

func (t *Tracker) closeLocked(pos *model.Position, exitPrice decimal.Decimal, at time.Time) {
	trade := model.ClosedTrade{
		ID:          ulid.Make().String(),
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    t.closedQty[pos.Symbol].Add(pos.Size),
		Fees:        t.fees[pos.Symbol],
		RealizedPnl: t.realized[pos.Symbol],
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    at,
	}
	delete(t.positions, pos.Symbol)
	delete(t.realized, pos.Symbol)
	delete(t.closedQty, pos.Symbol)
	delete(t.fees, pos.Symbol)

	logs.Infof("position closed, symbol: %s, realized: %s, fees: %s", trade.Symbol, trade.RealizedPnl, trade.Fees)
	if t.events != nil {
		_ = t.events.TryPublish(bus.Event{
			Type: bus.EventTradeClosed,
			TradeClosed: &bus.TradeClosed{
				TradeID:     trade.ID,
				Symbol:      trade.Symbol,
				RealizedPnl: trade.RealizedPnl,
			},
		})
	}
	t.pendingClosed = append(t.pendingClosed, trade)
}

func (t *Tracker) takeClosedLocked() []model.ClosedTrade {
	closed := t.pendingClosed
	t.pendingClosed = nil
	return closed
}

func (t *Tracker) fireClosed(trades []model.ClosedTrade) {
	if t.onClosed == nil {
		return
	}
	for _, trade := range trades {
		t.onClosed(trade)
	}
}

func (t *Tracker) revalueLocked(pos *model.Position) {
	if !pos.MarkPrice.IsPositive() || !pos.Size.IsPositive() {
		pos.UnrealizedPnl = decimal.Zero
		return
	}
	sign := decimal.NewFromInt(int64(pos.Side.Sign()))
	pos.UnrealizedPnl = pos.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Size).Mul(sign)
}

func (t *Tracker) publishDesync(symbol, field string, push, poll decimal.Decimal) {
	logs.Warnf("position desync, symbol: %s, field: %s, push: %s, poll: %s", symbol, field, push, poll)
	if t.events == nil {
		return
	}
	_ = t.events.TryPublish(bus.Event{
		Type: bus.EventDesync,
		Desync: &bus.Desync{
			Symbol:   symbol,
			Field:    field,
			PushView: push,
			PollView: poll,
		},
	})
}

func (t *Tracker) markSeen(execID string) {
	t.seenExec[execID] = struct{}{}
	t.execOrder = append(t.execOrder, execID)
	if len(t.execOrder) > seenExecCap {
		evict := t.execOrder[0]
		t.execOrder = t.execOrder[1:]
		delete(t.seenExec, evict)
	}
}

func fillDirection(side enum.Side) enum.PositionSide {
	if side == enum.SideBuy {
		return enum.PositionSideLong
	}
	return enum.PositionSideShort
}
