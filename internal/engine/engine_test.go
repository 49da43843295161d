package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/exchange/paper"
	"main/internal/ledger"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/ops"
	"main/internal/precision"
	"main/internal/risk"
	"main/internal/stops"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func paperEngine(t *testing.T) (*Engine, *paper.Client, *ledger.Memory) {
	t.Helper()

	cfg := ops.Loaded{
		Paper:   true,
		Symbols: []string{"BTCUSDT"},
		Rules: map[string]precision.Rules{
			"BTCUSDT": {TickSize: dec("0.5"), QtyStep: dec("0.001")},
		},
		Risk: risk.Config{MaxOpenPositions: 5},
		Stops: stops.Config{
			Policy:  enum.StopPolicyPercent,
			Percent: dec("0.01"),
		},
	}

	sim := paper.New(dec("10000"))
	store := ledger.NewMemory()
	eng, err := New(cfg, sim, store)
	require.NoError(t, err)
	sim.OnOrder = eng.HandleOrder
	sim.OnFill = eng.HandleFill
	return eng, sim, store
}

func TestPaperRoundTrip(t *testing.T) {
	eng, sim, store := paperEngine(t)

	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("50000")})
	sim.SetMark("BTCUSDT", dec("50000"))

	ord, err := eng.Orders().Submit(context.Background(), model.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     enum.SideBuy,
		Type:     enum.OrderTypeMarket,
		Quantity: dec("0.1"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, ord.ClientOrderID)

	pos, ok := eng.Positions().Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.1")))

	// the fill armed a trailing stop 1% below entry
	stop, state, ok := eng.Stops().Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, stops.StateArmed, state)
	assert.True(t, stop.Equal(dec("49500")), "stop: %s", stop)

	// mark drops through the stop, the venue closes the position
	sim.SetMark("BTCUSDT", dec("49400"))

	_, ok = eng.Positions().Get("BTCUSDT")
	assert.False(t, ok)

	trades, err := store.Trades(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].RealizedPnl.Equal(dec("-50")), "pnl: %s", trades[0].RealizedPnl)

	_, state, ok = eng.Stops().Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, stops.StateClosed, state)
}

func TestTickerTrailsArmedStop(t *testing.T) {
	eng, sim, _ := paperEngine(t)

	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("50000")})
	sim.SetMark("BTCUSDT", dec("50000"))

	_, err := eng.Orders().Submit(context.Background(), model.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     enum.SideBuy,
		Type:     enum.OrderTypeMarket,
		Quantity: dec("0.1"),
	})
	require.NoError(t, err)

	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("51000")})
	stop, state, ok := eng.Stops().Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, stops.StateTrailing, state)
	assert.True(t, stop.Equal(dec("50490")), "stop: %s", stop)

	// adverse move never widens the stop
	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("50500")})
	held, _, _ := eng.Stops().Current("BTCUSDT")
	assert.True(t, held.Equal(dec("50490")), "stop: %s", held)
}

type stubStrategy struct {
	signal model.Signal
	seen   []model.MarketState
}

func (s *stubStrategy) GenerateSignal(state model.MarketState) model.Signal {
	s.seen = append(s.seen, state)
	return s.signal
}

func TestEvaluateExecutesSignals(t *testing.T) {
	eng, sim, _ := paperEngine(t)

	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("50000")})
	sim.SetMark("BTCUSDT", dec("50000"))

	// no market view yet, the strategy is not consulted
	idle := &stubStrategy{signal: model.Signal{Action: enum.SignalActionBuy}}
	require.NoError(t, eng.Evaluate(context.Background(), idle, "ETHUSDT", dec("1")))
	assert.Empty(t, idle.seen)

	entry := &stubStrategy{signal: model.Signal{
		Action:       enum.SignalActionBuy,
		StopDistance: dec("500"),
	}}
	require.NoError(t, eng.Evaluate(context.Background(), entry, "BTCUSDT", dec("0.1")))
	require.Len(t, entry.seen, 1)
	assert.True(t, entry.seen[0].MarkPrice.Equal(dec("50000")))

	pos, ok := eng.Positions().Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, enum.PositionSideLong, pos.Side)
	assert.True(t, pos.Size.Equal(dec("0.1")))

	hold := &stubStrategy{signal: model.Signal{Action: enum.SignalActionHold}}
	require.NoError(t, eng.Evaluate(context.Background(), hold, "BTCUSDT", dec("0.1")))

	closer := &stubStrategy{signal: model.Signal{Action: enum.SignalActionClose}}
	require.NoError(t, eng.Evaluate(context.Background(), closer, "BTCUSDT", decimal.Zero))
	_, ok = eng.Positions().Get("BTCUSDT")
	assert.False(t, ok)

	// entry and close both went over the wire, the hold did not
	snap := eng.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.PlaceLatency.Count)
}

func TestRiskRejectionNeverTouchesVenue(t *testing.T) {
	eng, sim, _ := paperEngine(t)

	eng.HandleTicker(model.Ticker{Symbol: "BTCUSDT", MarkPrice: dec("50000")})
	sim.SetMark("BTCUSDT", dec("50000"))

	// stop above entry on a buy is rejected before the wire
	_, err := eng.Orders().Submit(context.Background(), model.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     enum.SideBuy,
		Type:     enum.OrderTypeMarket,
		Quantity: dec("0.1"),
		StopLoss: dec("51000"),
	})
	require.Error(t, err)

	open, simErr := sim.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, simErr)
	assert.Empty(t, open)
	assert.Empty(t, eng.Orders().Active())
}
