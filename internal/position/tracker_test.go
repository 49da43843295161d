package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(execID string, side enum.Side, price, qty string) model.Fill {
	return model.Fill{
		Symbol:   "BTCUSDT",
		ExecID:   execID,
		Side:     side,
		Price:    dec(price),
		Quantity: dec(qty),
		Fee:      dec("0.1"),
		ExecTime: time.Now(),
	}
}

func TestApplyFillVWAPEntry(t *testing.T) {
	tracker := NewTracker(nil, nil)

	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))
	tracker.ApplyFill(fill("e2", enum.SideBuy, "110", "1"))

	pos, ok := tracker.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, enum.PositionSideLong, pos.Side)
	assert.True(t, pos.Size.Equal(dec("2")))
	assert.True(t, pos.EntryPrice.Equal(dec("105")), "entry: %s", pos.EntryPrice)
}

func TestApplyFillPartialCloseRealizesPnl(t *testing.T) {
	// long 2 @ 105, sell 1 @ 103: realized -2, 1 remains at the
	// unchanged entry
	var closed []model.ClosedTrade
	tracker := NewTracker(nil, func(trade model.ClosedTrade) { closed = append(closed, trade) })

	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))
	tracker.ApplyFill(fill("e2", enum.SideBuy, "110", "1"))
	tracker.ApplyFill(fill("e3", enum.SideSell, "103", "1"))

	pos, ok := tracker.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("1")))
	assert.True(t, pos.EntryPrice.Equal(dec("105")))
	assert.Empty(t, closed)

	tracker.ApplyFill(fill("e4", enum.SideSell, "106", "1"))
	_, ok = tracker.Get("BTCUSDT")
	assert.False(t, ok)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].RealizedPnl.Equal(dec("-1")), "realized: %s", closed[0].RealizedPnl) // -2 + 1
	assert.True(t, closed[0].Quantity.Equal(dec("2")))
	assert.True(t, closed[0].Fees.Equal(dec("0.4")))
	assert.Equal(t, enum.PositionSideLong, closed[0].Side)
}

func TestApplyFillShortSideSign(t *testing.T) {
	var closed []model.ClosedTrade
	tracker := NewTracker(nil, func(trade model.ClosedTrade) { closed = append(closed, trade) })

	tracker.ApplyFill(fill("e1", enum.SideSell, "100", "1"))
	tracker.ApplyFill(fill("e2", enum.SideBuy, "95", "1"))

	require.Len(t, closed, 1)
	assert.Equal(t, enum.PositionSideShort, closed[0].Side)
	assert.True(t, closed[0].RealizedPnl.Equal(dec("5")))
}

func TestApplyFillFlipOpensRemainder(t *testing.T) {
	var closed []model.ClosedTrade
	tracker := NewTracker(nil, func(trade model.ClosedTrade) { closed = append(closed, trade) })

	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))
	tracker.ApplyFill(fill("e2", enum.SideSell, "102", "1.5"))

	require.Len(t, closed, 1)
	assert.True(t, closed[0].RealizedPnl.Equal(dec("2")))

	pos, ok := tracker.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, enum.PositionSideShort, pos.Side)
	assert.True(t, pos.Size.Equal(dec("0.5")))
	assert.True(t, pos.EntryPrice.Equal(dec("102")))
}

func TestApplyFillDuplicateExecIgnored(t *testing.T) {
	tracker := NewTracker(nil, nil)

	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))
	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))

	pos, ok := tracker.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("1")))
}

func TestApplyMarkRecomputesUnrealized(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "2"))

	tracker.ApplyMark(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("104")})

	pos, _ := tracker.Get("BTCUSDT")
	assert.True(t, pos.UnrealizedPnl.Equal(dec("8")))

	tracker.ApplyMark(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("97")})
	pos, _ = tracker.Get("BTCUSDT")
	assert.True(t, pos.UnrealizedPnl.Equal(dec("-6")))
}

type reconcileClient struct {
	positions []model.PositionUpdate
	wallet    model.WalletUpdate
}

func (c *reconcileClient) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	return c.positions, nil
}

func (c *reconcileClient) GetWalletBalance(ctx context.Context) (model.WalletUpdate, error) {
	return c.wallet, nil
}

func (c *reconcileClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (exchange.PlaceResult, error) {
	return exchange.PlaceResult{}, nil
}

func (c *reconcileClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return nil
}

func (c *reconcileClient) AmendOrder(ctx context.Context, symbol, clientOrderID string, changes model.OrderChanges) error {
	return nil
}

func (c *reconcileClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderUpdate, error) {
	return model.OrderUpdate{}, nil
}

func (c *reconcileClient) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderUpdate, error) {
	return nil, nil
}

func (c *reconcileClient) SetTradingStop(ctx context.Context, symbol string, side enum.PositionSide, stopLoss decimal.Decimal) error {
	return nil
}

func (c *reconcileClient) CancelAll(ctx context.Context, symbol string) error { return nil }

func TestReconcilePollWins(t *testing.T) {
	events := bus.NewQueue(16)
	tracker := NewTracker(events, nil)
	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))

	client := &reconcileClient{
		positions: []model.PositionUpdate{{
			Symbol:     "BTCUSDT",
			Side:       enum.PositionSideLong,
			Size:       dec("0.8"),
			EntryPrice: dec("100.5"),
			MarkPrice:  dec("101"),
			UpdatedAt:  time.Now(),
		}},
		wallet: model.WalletUpdate{Equity: dec("10000"), Available: dec("9000"), UsedMargin: dec("1000")},
	}
	require.NoError(t, tracker.Reconcile(context.Background(), client))

	pos, ok := tracker.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.8")))
	assert.True(t, pos.EntryPrice.Equal(dec("100.5")))
	assert.True(t, tracker.Balance().Equity.Equal(dec("10000")))

	desyncs := 0
	events.Close()
	events.Run(context.Background(), func(e bus.Event) {
		if e.Type == bus.EventDesync {
			desyncs++
			assert.Equal(t, "BTCUSDT", e.Desync.Symbol)
		}
	})
	assert.Equal(t, 2, desyncs) // size and entry both corrected

	// matching views publish nothing further
	events2 := bus.NewQueue(16)
	tracker2 := NewTracker(events2, nil)
	tracker2.ApplyFill(fill("e9", enum.SideBuy, "100.5", "0.8"))
	require.NoError(t, tracker2.Reconcile(context.Background(), client))
	events2.Close()
	desyncs = 0
	events2.Run(context.Background(), func(e bus.Event) {
		if e.Type == bus.EventDesync {
			desyncs++
		}
	})
	assert.Zero(t, desyncs)
}

func TestReconcileClosesVanishedPosition(t *testing.T) {
	events := bus.NewQueue(16)
	var closed []model.ClosedTrade
	var tracker *Tracker
	tracker = NewTracker(events, func(trade model.ClosedTrade) {
		closed = append(closed, trade)
		// the callback may query the tracker it was called from
		_, ok := tracker.Get(trade.Symbol)
		assert.False(t, ok)
	})
	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))

	client := &reconcileClient{wallet: model.WalletUpdate{}}
	require.NoError(t, tracker.Reconcile(context.Background(), client))

	_, ok := tracker.Get("BTCUSDT")
	assert.False(t, ok)
	require.Len(t, closed, 1)

	// the removal records the divergence exactly once
	events.Close()
	var desyncs []bus.Desync
	events.Run(context.Background(), func(e bus.Event) {
		if e.Type == bus.EventDesync {
			desyncs = append(desyncs, *e.Desync)
		}
	})
	require.Len(t, desyncs, 1)
	assert.Equal(t, "size", desyncs[0].Field)
	assert.True(t, desyncs[0].PushView.Equal(dec("1")))
	assert.True(t, desyncs[0].PollView.IsZero())
}

func TestClosedCallbackQueriesTracker(t *testing.T) {
	var seen []model.Position
	var tracker *Tracker
	tracker = NewTracker(nil, func(trade model.ClosedTrade) {
		seen = tracker.All()
	})

	tracker.ApplyFill(fill("e1", enum.SideBuy, "100", "1"))
	tracker.ApplyFill(fill("e2", enum.SideSell, "105", "1.5"))

	// the flip-open remainder is already visible to the callback
	require.Len(t, seen, 1)
	assert.Equal(t, enum.PositionSideShort, seen[0].Side)
	assert.True(t, seen[0].Size.Equal(dec("0.5")))
}
