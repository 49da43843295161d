package book

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/model"
)

func TestEngineResyncOnGap(t *testing.T) {
	events := bus.NewQueue(8)
	var resyncs []string
	e := NewEngine(events, func(symbol string) {
		resyncs = append(resyncs, symbol)
	})

	e.Apply(model.BookUpdate{
		Symbol:   "BTCUSDT",
		Kind:     model.BookSnapshot,
		Sequence: 10,
		Bids:     []model.PriceLevel{level("50000", "1")},
		Asks:     []model.PriceLevel{level("50001", "1")},
	})
	require.True(t, e.Book("BTCUSDT").Valid())

	// sequence 12 skips 11
	e.Apply(model.BookUpdate{
		Symbol:   "BTCUSDT",
		Kind:     model.BookDelta,
		Sequence: 12,
		Bids:     []model.PriceLevel{level("50000.5", "1")},
	})

	assert.Equal(t, []string{"BTCUSDT"}, resyncs)
	assert.False(t, e.Book("BTCUSDT").Valid())

	events.Close()
	var seen []bus.EventType
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events.Run(ctx, func(ev bus.Event) { seen = append(seen, ev.Type) })
	assert.Equal(t, []bus.EventType{bus.EventBookResync}, seen)
}

func TestEngineInvalidateAll(t *testing.T) {
	e := NewEngine(nil, nil)
	e.Apply(model.BookUpdate{
		Symbol:   "BTCUSDT",
		Kind:     model.BookSnapshot,
		Sequence: 1,
		Bids:     []model.PriceLevel{level("50000", "1")},
		Asks:     []model.PriceLevel{level("50001", "1")},
	})
	e.InvalidateAll()
	assert.False(t, e.Book("BTCUSDT").Valid())
}
