// Package book maintains one order book per symbol from a streaming
// snapshot+delta feed with gap detection and forced resync.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/errors"
	"main/internal/model"
)

var (
	ErrSequenceGap = errors.New("book: sequence gap")
	ErrCrossedBook = errors.New("book: crossed book")
	ErrStale       = errors.New("book: awaiting snapshot")
)

// Book holds both sides of one symbol's order book. A single writer
// applies updates; readers receive copies and never observe a
// partially-applied delta.
type Book struct {
	mu         sync.RWMutex
	symbol     string
	bids       []model.PriceLevel // descending price
	asks       []model.PriceLevel // ascending price
	sequence   uint64
	lastUpdate time.Time
	valid      bool
}

// New creates an empty, invalid book that waits for a snapshot.
func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string {
	return b.symbol
}

// ApplySnapshot replaces both sides wholesale and resets the sequence.
func (b *Book) ApplySnapshot(seq uint64, bids, asks []model.PriceLevel, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = sortSide(copyLevels(bids), true)
	b.asks = sortSide(copyLevels(asks), false)
	b.sequence = seq
	b.lastUpdate = at
	b.valid = true
}

// ApplyDelta applies an incremental update. The delta is rejected
// without mutation unless its sequence is exactly current+1. A delta
// that leaves the book crossed invalidates it and forces a resync.
func (b *Book) ApplyDelta(seq uint64, bids, asks []model.PriceLevel, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.valid {
		return ErrStale
	}
	if seq != b.sequence+1 {
		return ErrSequenceGap
	}

	for _, level := range bids {
		b.bids = upsertLevel(b.bids, level, true)
	}
	for _, level := range asks {
		b.asks = upsertLevel(b.asks, level, false)
	}
	b.sequence = seq
	b.lastUpdate = at

	if crossed(b.bids, b.asks) {
		b.valid = false
		return ErrCrossedBook
	}
	return nil
}

// Invalidate discards state; the book rejects deltas until the next
// snapshot. Called by the connection supervisor on reconnect.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nil
	b.asks = nil
	b.valid = false
}

// Valid reports whether the book is synchronized.
func (b *Book) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.valid
}

// Sequence returns the last committed sequence number.
func (b *Book) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// BestBidAsk returns the top of each side.
func (b *Book) BestBidAsk() (bid, ask model.PriceLevel, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.valid || len(b.bids) == 0 || len(b.asks) == 0 {
		return model.PriceLevel{}, model.PriceLevel{}, false
	}
	return b.bids[0], b.asks[0], true
}

// Mid returns the best bid/ask midpoint.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Depth returns copies of the top n levels of each side.
func (b *Book) Depth(n int) (bids, asks []model.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.valid {
		return nil, nil
	}
	return copyLevels(topN(b.bids, n)), copyLevels(topN(b.asks, n))
}

// LastUpdate returns the timestamp of the last committed update.
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

func topN(levels []model.PriceLevel, n int) []model.PriceLevel {
	if n <= 0 || n >= len(levels) {
		return levels
	}
	return levels[:n]
}

func copyLevels(levels []model.PriceLevel) []model.PriceLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make([]model.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func sortSide(levels []model.PriceLevel, descending bool) []model.PriceLevel {
	filtered := levels[:0]
	for _, level := range levels {
		if level.Quantity.IsPositive() {
			filtered = append(filtered, level)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if descending {
			return filtered[i].Price.GreaterThan(filtered[j].Price)
		}
		return filtered[i].Price.LessThan(filtered[j].Price)
	})
	return filtered
}

// upsertLevel inserts, replaces or removes one level keeping the side
// sorted. Zero quantity removes the level.
func upsertLevel(levels []model.PriceLevel, level model.PriceLevel, descending bool) []model.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return !levels[i].Price.GreaterThan(level.Price)
		}
		return !levels[i].Price.LessThan(level.Price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(level.Price)
	switch {
	case level.Quantity.IsZero() || level.Quantity.IsNegative():
		if found {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
	case found:
		levels[idx].Quantity = level.Quantity
	default:
		levels = append(levels, model.PriceLevel{})
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = level
	}
	return levels
}

// crossed uses exact decimal comparison so representation error never
// produces a false positive.
func crossed(bids, asks []model.PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].Price.Cmp(asks[0].Price) >= 0
}
