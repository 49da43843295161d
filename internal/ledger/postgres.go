package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/internal/errors"
	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/conn"
)

// closedTradeRow is the persisted shape of a ClosedTrade.
type closedTradeRow struct {
	ID          string          `gorm:"primaryKey;size:26"`
	Symbol      string          `gorm:"size:32;index"`
	Side        string          `gorm:"size:8"`
	EntryPrice  decimal.Decimal `gorm:"type:numeric"`
	ExitPrice   decimal.Decimal `gorm:"type:numeric"`
	Quantity    decimal.Decimal `gorm:"type:numeric"`
	Fees        decimal.Decimal `gorm:"type:numeric"`
	RealizedPnl decimal.Decimal `gorm:"type:numeric"`
	OpenedAt    time.Time
	ClosedAt    time.Time `gorm:"index"`
}

func (closedTradeRow) TableName() string { return "closed_trades" }

// snapshotRow holds the single engine snapshot as a JSON document.
type snapshotRow struct {
	ID      int `gorm:"primaryKey"`
	TakenAt time.Time
	State   []byte `gorm:"type:jsonb"`
}

func (snapshotRow) TableName() string { return "engine_snapshots" }

func toRow(trade model.ClosedTrade) closedTradeRow {
	return closedTradeRow{
		ID:          trade.ID,
		Symbol:      trade.Symbol,
		Side:        trade.Side.String(),
		EntryPrice:  trade.EntryPrice,
		ExitPrice:   trade.ExitPrice,
		Quantity:    trade.Quantity,
		Fees:        trade.Fees,
		RealizedPnl: trade.RealizedPnl,
		OpenedAt:    trade.OpenedAt,
		ClosedAt:    trade.ClosedAt,
	}
}

func (r closedTradeRow) toTrade() model.ClosedTrade {
	side := enum.PositionSideLong
	if r.Side == enum.PositionSideShort.String() {
		side = enum.PositionSideShort
	}
	return model.ClosedTrade{
		ID:          r.ID,
		Symbol:      r.Symbol,
		Side:        side,
		EntryPrice:  r.EntryPrice,
		ExitPrice:   r.ExitPrice,
		Quantity:    r.Quantity,
		Fees:        r.Fees,
		RealizedPnl: r.RealizedPnl,
		OpenedAt:    r.OpenedAt,
		ClosedAt:    r.ClosedAt,
	}
}

// Postgres stores trades in PostgreSQL.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects and migrates the trade table.
func NewPostgres(option conn.Option) (*Postgres, error) {
	client, err := conn.New(option)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := client.DB().AutoMigrate(&closedTradeRow{}, &snapshotRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate ledger tables")
	}
	return &Postgres{db: client.DB()}, nil
}

// RecordTrade inserts one trade; conflicting ids are left untouched.
func (p *Postgres) RecordTrade(ctx context.Context, trade model.ClosedTrade) error {
	row := toRow(trade)
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "insert closed trade")
	}
	return nil
}

// Trades returns the most recent trades, newest first. Empty symbol
// matches everything.
func (p *Postgres) Trades(ctx context.Context, symbol string, limit int) ([]model.ClosedTrade, error) {
	query := p.db.WithContext(ctx).Model(&closedTradeRow{}).Order("closed_at DESC")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []closedTradeRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query closed trades")
	}
	out := make([]model.ClosedTrade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTrade())
	}
	return out, nil
}

// TotalRealized sums realized PnL net of fees across all trades.
func (p *Postgres) TotalRealized(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := p.db.WithContext(ctx).Model(&closedTradeRow{}).
		Select("SUM(realized_pnl - fees)").Scan(&total).Error
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum realized pnl")
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// SaveSnapshot upserts the single snapshot row.
func (p *Postgres) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	row := snapshotRow{ID: 1, TakenAt: snap.TakenAt, State: state}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "upsert snapshot")
	}
	return nil
}

// LoadSnapshot reads back the stored snapshot.
func (p *Postgres) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var row snapshotRow
	err := p.db.WithContext(ctx).First(&row, 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Snapshot{}, ErrNoSnapshot
	case err != nil:
		return Snapshot{}, errors.Wrap(err, "query snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(row.State, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}
	return snap, nil
}
