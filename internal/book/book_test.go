package book

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
)

func level(price, qty string) model.PriceLevel {
	return model.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func seedBook(t *testing.T) *Book {
	t.Helper()
	b := New("BTCUSDT")
	b.ApplySnapshot(100,
		[]model.PriceLevel{level("50000", "1"), level("49999.5", "2"), level("49999", "3")},
		[]model.PriceLevel{level("50000.5", "1"), level("50001", "2"), level("50001.5", "3")},
		time.Now(),
	)
	return b
}

func TestSnapshotReplacesSides(t *testing.T) {
	b := seedBook(t)

	bid, ask, ok := b.BestBidAsk()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("50000")))
	assert.True(t, ask.Price.Equal(decimal.RequireFromString("50000.5")))
	assert.Equal(t, uint64(100), b.Sequence())

	b.ApplySnapshot(200,
		[]model.PriceLevel{level("49000", "1")},
		[]model.PriceLevel{level("49001", "1")},
		time.Now(),
	)
	bid, _, ok = b.BestBidAsk()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("49000")))
	assert.Equal(t, uint64(200), b.Sequence())
}

func TestDeltaUpsertAndRemove(t *testing.T) {
	b := seedBook(t)

	// upsert a new best bid, remove the old one
	err := b.ApplyDelta(101,
		[]model.PriceLevel{level("50000.2", "5"), level("50000", "0")},
		nil,
		time.Now(),
	)
	require.NoError(t, err)

	bid, _, ok := b.BestBidAsk()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("50000.2")))
	assert.True(t, bid.Quantity.Equal(decimal.RequireFromString("5")))

	bids, _ := b.Depth(10)
	assert.Len(t, bids, 3)
}

func TestGapRejectionLeavesStateUnchanged(t *testing.T) {
	b := seedBook(t)
	bidsBefore, asksBefore := b.Depth(10)

	err := b.ApplyDelta(102, []model.PriceLevel{level("50000.4", "9")}, nil, time.Now())
	assert.ErrorIs(t, err, ErrSequenceGap)
	assert.Equal(t, uint64(100), b.Sequence())

	bidsAfter, asksAfter := b.Depth(10)
	assert.Equal(t, bidsBefore, bidsAfter)
	assert.Equal(t, asksBefore, asksAfter)

	// a fresh snapshot restores validity
	b.Invalidate()
	require.False(t, b.Valid())
	b.ApplySnapshot(300, []model.PriceLevel{level("50000", "1")}, []model.PriceLevel{level("50001", "1")}, time.Now())
	assert.True(t, b.Valid())
	err = b.ApplyDelta(301, []model.PriceLevel{level("50000.5", "1")}, nil, time.Now())
	require.NoError(t, err)
}

func TestStaleBookRejectsDeltas(t *testing.T) {
	b := New("BTCUSDT")
	err := b.ApplyDelta(1, []model.PriceLevel{level("50000", "1")}, nil, time.Now())
	assert.ErrorIs(t, err, ErrStale)
}

func TestCrossedDeltaForcesResync(t *testing.T) {
	b := seedBook(t)

	// bid placed above the best ask crosses the book
	err := b.ApplyDelta(101, []model.PriceLevel{level("50001", "1")}, nil, time.Now())
	assert.ErrorIs(t, err, ErrCrossedBook)
	assert.False(t, b.Valid())
}

// Property: one snapshot followed by N in-order deltas never leaves the
// book crossed while it remains valid.
func TestBookNeverCrossedProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		b := New("BTCUSDT")
		mid := 50000.0
		b.ApplySnapshot(1,
			randomLevels(rng, mid-0.5, -0.5, 20),
			randomLevels(rng, mid+0.5, 0.5, 20),
			time.Now(),
		)

		seq := uint64(1)
		for i := 0; i < 200; i++ {
			seq++
			var bids, asks []model.PriceLevel
			// random upserts and removals strictly on each side's half
			for j := 0; j < 1+rng.Intn(3); j++ {
				offset := float64(rng.Intn(40)) * 0.5
				qty := decimal.NewFromInt(int64(rng.Intn(5))) // zero removes
				if rng.Intn(2) == 0 {
					bids = append(bids, model.PriceLevel{Price: decimal.NewFromFloat(mid - 0.5 - offset), Quantity: qty})
				} else {
					asks = append(asks, model.PriceLevel{Price: decimal.NewFromFloat(mid + 0.5 + offset), Quantity: qty})
				}
			}
			err := b.ApplyDelta(seq, bids, asks, time.Now())
			require.NoError(t, err)

			bid, ask, ok := b.BestBidAsk()
			if ok {
				assert.True(t, bid.Price.LessThan(ask.Price),
					"book crossed: bid %s >= ask %s", bid.Price, ask.Price)
			}
		}
	}
}

func randomLevels(rng *rand.Rand, start, step float64, n int) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		levels = append(levels, model.PriceLevel{
			Price:    decimal.NewFromFloat(start + step*float64(i)),
			Quantity: decimal.NewFromInt(int64(1 + rng.Intn(9))),
		})
	}
	return levels
}
