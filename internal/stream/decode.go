package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

// control is a non-data frame: pong, subscribe ack, auth reply.
type control struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

func decodeControl(raw []byte) (control, bool) {
	var ctrl control
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return control{}, false
	}
	return ctrl, true
}

func (c control) isControl() bool {
	return c.Op != "" && c.Topic == ""
}

// envelope is the common data frame shape on both channels.
type envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// PublicHandlers receive decoded market data events.
type PublicHandlers struct {
	OnBook   func(model.BookUpdate)
	OnTicker func(model.Ticker)
}

// DecodePublic decodes one public-channel frame and dispatches it.
func DecodePublic(raw []byte, handlers PublicHandlers) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		if handlers.OnBook == nil {
			return nil
		}
		update, err := decodeBook(env)
		if err != nil {
			return err
		}
		handlers.OnBook(update)
	case strings.HasPrefix(env.Topic, "tickers."):
		if handlers.OnTicker == nil {
			return nil
		}
		ticker, err := decodeTicker(env)
		if err != nil {
			return err
		}
		handlers.OnTicker(ticker)
	}
	return nil
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Update uint64      `json:"u"`
	Seq    uint64      `json:"seq"`
}

func decodeBook(env envelope) (model.BookUpdate, error) {
	var data bookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return model.BookUpdate{}, err
	}

	kind := model.BookDelta
	if env.Type == "snapshot" {
		kind = model.BookSnapshot
	}
	bids, err := decodeLevels(data.Bids)
	if err != nil {
		return model.BookUpdate{}, err
	}
	asks, err := decodeLevels(data.Asks)
	if err != nil {
		return model.BookUpdate{}, err
	}

	return model.BookUpdate{
		Symbol:    data.Symbol,
		Kind:      kind,
		Sequence:  data.Update,
		Bids:      bids,
		Asks:      asks,
		EventTime: time.UnixMilli(env.Ts).UTC(),
	}, nil
}

func decodeLevels(rows [][2]string) ([]model.PriceLevel, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]model.PriceLevel, 0, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

// decodeTicker tolerates the venue's partial ticker deltas: absent
// prices decode as zero and are skipped downstream.
func decodeTicker(env envelope) (model.Ticker, error) {
	var data tickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return model.Ticker{}, err
	}

	ticker := model.Ticker{
		Symbol:    data.Symbol,
		EventTime: time.UnixMilli(env.Ts).UTC(),
	}
	if data.LastPrice != "" {
		price, err := decimal.NewFromString(data.LastPrice)
		if err != nil {
			return model.Ticker{}, err
		}
		ticker.LastPrice = price
	}
	if data.MarkPrice != "" {
		price, err := decimal.NewFromString(data.MarkPrice)
		if err != nil {
			return model.Ticker{}, err
		}
		ticker.MarkPrice = price
	}
	return ticker, nil
}

// PrivateHandlers receive decoded account events.
type PrivateHandlers struct {
	OnOrder    func(model.OrderUpdate)
	OnFill     func(model.Fill)
	OnPosition func(model.PositionUpdate)
	OnWallet   func(model.WalletUpdate)
}

// DecodePrivate decodes one private-channel frame and dispatches it.
func DecodePrivate(raw []byte, handlers PrivateHandlers) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	switch env.Topic {
	case "order":
		return decodeRows(env.Data, func(row orderEvent) {
			if handlers.OnOrder != nil {
				handlers.OnOrder(row.toOrderUpdate())
			}
		})
	case "execution":
		return decodeRows(env.Data, func(row executionEvent) {
			if handlers.OnFill != nil {
				handlers.OnFill(row.toFill())
			}
		})
	case "position":
		return decodeRows(env.Data, func(row positionEvent) {
			if handlers.OnPosition != nil {
				handlers.OnPosition(row.toPositionUpdate())
			}
		})
	case "wallet":
		return decodeRows(env.Data, func(row walletEvent) {
			if handlers.OnWallet != nil {
				handlers.OnWallet(row.toWalletUpdate())
			}
		})
	}
	return nil
}

func decodeRows[T any](data json.RawMessage, apply func(T)) error {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		apply(row)
	}
	return nil
}

type orderEvent struct {
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"orderId"`
	OrderLinkID string          `json:"orderLinkId"`
	OrderStatus string          `json:"orderStatus"`
	CumExecQty  decimal.Decimal `json:"cumExecQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	UpdatedTime string          `json:"updatedTime"`
}

func (e orderEvent) toOrderUpdate() model.OrderUpdate {
	return model.OrderUpdate{
		Symbol:          e.Symbol,
		ClientOrderID:   e.OrderLinkID,
		ExchangeOrderID: e.OrderID,
		Status:          e.OrderStatus,
		FilledQuantity:  e.CumExecQty,
		AvgFillPrice:    e.AvgPrice,
		UpdatedAt:       millis(e.UpdatedTime),
	}
}

type executionEvent struct {
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"orderId"`
	OrderLinkID string          `json:"orderLinkId"`
	ExecID      string          `json:"execId"`
	Side        string          `json:"side"`
	ExecPrice   decimal.Decimal `json:"execPrice"`
	ExecQty     decimal.Decimal `json:"execQty"`
	ExecFee     decimal.Decimal `json:"execFee"`
	ExecTime    string          `json:"execTime"`
}

func (e executionEvent) toFill() model.Fill {
	side := enum.SideBuy
	if e.Side == "Sell" {
		side = enum.SideSell
	}
	return model.Fill{
		Symbol:          e.Symbol,
		ClientOrderID:   e.OrderLinkID,
		ExchangeOrderID: e.OrderID,
		ExecID:          e.ExecID,
		Side:            side,
		Price:           e.ExecPrice,
		Quantity:        e.ExecQty,
		Fee:             e.ExecFee,
		ExecTime:        millis(e.ExecTime),
	}
}

type positionEvent struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Leverage    decimal.Decimal `json:"leverage"`
	LiqPrice    decimal.Decimal `json:"liqPrice"`
	PositionIM  decimal.Decimal `json:"positionIM"`
	UpdatedTime string          `json:"updatedTime"`
}

func (e positionEvent) toPositionUpdate() model.PositionUpdate {
	side := enum.PositionSideLong
	if e.Side == "Sell" {
		side = enum.PositionSideShort
	}
	return model.PositionUpdate{
		Symbol:           e.Symbol,
		Side:             side,
		Size:             e.Size,
		EntryPrice:       e.EntryPrice,
		MarkPrice:        e.MarkPrice,
		Leverage:         e.Leverage,
		LiquidationPrice: e.LiqPrice,
		MarginUsed:       e.PositionIM,
		UpdatedAt:        millis(e.UpdatedTime),
	}
}

type walletEvent struct {
	TotalEquity           decimal.Decimal `json:"totalEquity"`
	TotalAvailableBalance decimal.Decimal `json:"totalAvailableBalance"`
	TotalInitialMargin    decimal.Decimal `json:"totalInitialMargin"`
}

func (e walletEvent) toWalletUpdate() model.WalletUpdate {
	return model.WalletUpdate{
		Equity:     e.TotalEquity,
		Available:  e.TotalAvailableBalance,
		UsedMargin: e.TotalInitialMargin,
		UpdatedAt:  time.Now().UTC(),
	}
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal([]byte(s), &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
