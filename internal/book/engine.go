package book

import (
	"sync"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/errors"
	"main/internal/model"
)

// Engine consumes normalized book updates for many symbols. On any gap
// or crossed book it discards the symbol's state, reports the resync
// and asks the feed for a fresh snapshot.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*Book
	events *bus.Queue
	resync func(symbol string)
}

// NewEngine creates an engine. resync is invoked (outside locks) when a
// symbol must be re-snapshotted; it may be nil.
func NewEngine(events *bus.Queue, resync func(symbol string)) *Engine {
	return &Engine{
		books:  make(map[string]*Book),
		events: events,
		resync: resync,
	}
}

// Book returns the book for a symbol, creating it when first seen.
func (e *Engine) Book(symbol string) *Book {
	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		return b
	}
	b = New(symbol)
	e.books[symbol] = b
	return b
}

// Apply routes one update into the symbol's book.
func (e *Engine) Apply(u model.BookUpdate) {
	b := e.Book(u.Symbol)

	switch u.Kind {
	case model.BookSnapshot:
		b.ApplySnapshot(u.Sequence, u.Bids, u.Asks, u.EventTime)
	case model.BookDelta:
		if err := b.ApplyDelta(u.Sequence, u.Bids, u.Asks, u.EventTime); err != nil {
			e.requestResync(u.Symbol, b, err)
		}
	}
}

// InvalidateAll discards every book; the supervisor calls this before
// resubscribing after a reconnect.
func (e *Engine) InvalidateAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.books {
		b.Invalidate()
	}
}

func (e *Engine) requestResync(symbol string, b *Book, cause error) {
	reason := "delta rejected"
	switch {
	case errors.Is(cause, ErrSequenceGap):
		reason = "sequence gap"
	case errors.Is(cause, ErrCrossedBook):
		reason = "crossed book"
	case errors.Is(cause, ErrStale):
		reason = "stale book"
	}
	b.Invalidate()

	if e.events != nil {
		if err := e.events.TryPublish(bus.Event{
			Type:       bus.EventBookResync,
			BookResync: &bus.BookResync{Symbol: symbol, Reason: reason},
		}); err != nil {
			logs.Errorf("publish book resync event, err: %+v", err)
		}
	}
	logs.Infof("book resync requested, symbol: %s, reason: %s", symbol, reason)

	if e.resync != nil {
		e.resync(symbol)
	}
}
