package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
)

func trade(id, symbol, pnl, fees string) model.ClosedTrade {
	return model.ClosedTrade{
		ID:          id,
		Symbol:      symbol,
		Side:        enum.PositionSideLong,
		EntryPrice:  decimal.RequireFromString("100"),
		ExitPrice:   decimal.RequireFromString("101"),
		Quantity:    decimal.RequireFromString("1"),
		Fees:        decimal.RequireFromString(fees),
		RealizedPnl: decimal.RequireFromString(pnl),
		OpenedAt:    time.Now().Add(-time.Minute),
		ClosedAt:    time.Now(),
	}
}

func TestMemoryRecordIdempotent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	id := ulid.Make().String()
	require.NoError(t, store.RecordTrade(ctx, trade(id, "BTCUSDT", "5", "0.2")))
	require.NoError(t, store.RecordTrade(ctx, trade(id, "BTCUSDT", "5", "0.2")))

	trades, err := store.Trades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestMemoryTradesFilterAndOrder(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.RecordTrade(ctx, trade("a", "BTCUSDT", "1", "0")))
	require.NoError(t, store.RecordTrade(ctx, trade("b", "ETHUSDT", "2", "0")))
	require.NoError(t, store.RecordTrade(ctx, trade("c", "BTCUSDT", "3", "0")))

	btc, err := store.Trades(ctx, "BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "c", btc[0].ID) // newest first

	limited, err := store.Trades(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryTotalRealizedNetOfFees(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.RecordTrade(ctx, trade("a", "BTCUSDT", "5", "0.5")))
	require.NoError(t, store.RecordTrade(ctx, trade("b", "BTCUSDT", "-2", "0.5")))

	total, err := store.TotalRealized(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("2")), "total: %s", total)
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.LoadSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	snap := Snapshot{
		TakenAt: time.Now(),
		Positions: []model.Position{{
			Symbol:     "BTCUSDT",
			Side:       enum.PositionSideLong,
			Size:       decimal.RequireFromString("0.5"),
			EntryPrice: decimal.RequireFromString("50000"),
		}},
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "BTCUSDT", got.Positions[0].Symbol)
}
