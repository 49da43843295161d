// Package ledger persists completed round trips. The engine never
// reads the ledger on the hot path; it is an append-mostly record for
// reporting and post-mortems.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/errors"
	"main/internal/model"
)

var (
	ErrDuplicateTrade = errors.New("ledger: trade id already recorded")
	ErrNoSnapshot     = errors.New("ledger: no snapshot recorded")
)

// Snapshot is the engine state written on shutdown and read back on
// restart. The live venue stays authoritative; the snapshot is for
// continuity checks and post-mortems.
type Snapshot struct {
	TakenAt   time.Time        `json:"takenAt"`
	Balance   model.Balance    `json:"balance"`
	Positions []model.Position `json:"positions"`
	Orders    []model.Order    `json:"orders"`
}

// Store is the ledger surface. Implementations must make RecordTrade
// idempotent on the trade id.
type Store interface {
	RecordTrade(ctx context.Context, trade model.ClosedTrade) error
	Trades(ctx context.Context, symbol string, limit int) ([]model.ClosedTrade, error)
	TotalRealized(ctx context.Context) (decimal.Decimal, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// Memory is the in-process fallback used when no database is
// configured and in tests.
type Memory struct {
	mu     sync.Mutex
	trades []model.ClosedTrade
	seen   map[string]struct{}
	snap   *Snapshot
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// RecordTrade appends one trade. Re-recording an id is a no-op.
func (m *Memory) RecordTrade(ctx context.Context, trade model.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[trade.ID]; ok {
		return nil
	}
	m.seen[trade.ID] = struct{}{}
	m.trades = append(m.trades, trade)
	return nil
}

// Trades returns the most recent trades, newest first. Empty symbol
// matches everything.
func (m *Memory) Trades(ctx context.Context, symbol string, limit int) ([]model.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ClosedTrade, 0, limit)
	for i := len(m.trades) - 1; i >= 0; i-- {
		if symbol != "" && m.trades[i].Symbol != symbol {
			continue
		}
		out = append(out, m.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TotalRealized sums realized PnL net of fees across all trades.
func (m *Memory) TotalRealized(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, trade := range m.trades {
		total = total.Add(trade.RealizedPnl).Sub(trade.Fees)
	}
	return total, nil
}

// SaveSnapshot replaces the stored snapshot.
func (m *Memory) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &snap
	return nil
}

// LoadSnapshot returns the last stored snapshot.
func (m *Memory) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return *m.snap, nil
}
