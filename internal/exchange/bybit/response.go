package bybit

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

// response is the common v5 envelope.
type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type placeOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
}

type cancelOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
}

type amendOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
	Qty         string `json:"qty,omitempty"`
	Price       string `json:"price,omitempty"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
}

type tradingStopRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	StopLoss    string `json:"stopLoss"`
	TpslMode    string `json:"tpslMode"`
	PositionIdx int    `json:"positionIdx"`
}

type cancelAllRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderRow struct {
	Symbol      string          `json:"symbol"`
	OrderID     string          `json:"orderId"`
	OrderLinkID string          `json:"orderLinkId"`
	OrderStatus string          `json:"orderStatus"`
	CumExecQty  decimal.Decimal `json:"cumExecQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	UpdatedTime string          `json:"updatedTime"`
}

type orderListResult struct {
	List []orderRow `json:"list"`
}

func (r orderRow) toOrderUpdate() model.OrderUpdate {
	return model.OrderUpdate{
		Symbol:          r.Symbol,
		ClientOrderID:   r.OrderLinkID,
		ExchangeOrderID: r.OrderID,
		Status:          r.OrderStatus,
		FilledQuantity:  r.CumExecQty,
		AvgFillPrice:    r.AvgPrice,
		UpdatedAt:       millisTime(r.UpdatedTime),
	}
}

type positionRow struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	MarkPrice   decimal.Decimal `json:"markPrice"`
	Leverage    decimal.Decimal `json:"leverage"`
	LiqPrice    decimal.Decimal `json:"liqPrice"`
	PositionIM  decimal.Decimal `json:"positionIM"`
	UpdatedTime string          `json:"updatedTime"`
}

type positionListResult struct {
	List []positionRow `json:"list"`
}

func (r positionRow) toPositionUpdate() (model.PositionUpdate, bool) {
	side, ok := positionSideFromString(r.Side)
	if !ok && r.Size.IsPositive() {
		return model.PositionUpdate{}, false
	}
	return model.PositionUpdate{
		Symbol:           r.Symbol,
		Side:             side,
		Size:             r.Size,
		EntryPrice:       r.AvgPrice,
		MarkPrice:        r.MarkPrice,
		Leverage:         r.Leverage,
		LiquidationPrice: r.LiqPrice,
		MarginUsed:       r.PositionIM,
		UpdatedAt:        millisTime(r.UpdatedTime),
	}, true
}

type walletRow struct {
	TotalEquity           decimal.Decimal `json:"totalEquity"`
	TotalAvailableBalance decimal.Decimal `json:"totalAvailableBalance"`
	TotalInitialMargin    decimal.Decimal `json:"totalInitialMargin"`
}

type walletResult struct {
	List []walletRow `json:"list"`
}

func (r walletRow) toWalletUpdate() model.WalletUpdate {
	return model.WalletUpdate{
		Equity:     r.TotalEquity,
		Available:  r.TotalAvailableBalance,
		UsedMargin: r.TotalInitialMargin,
		UpdatedAt:  time.Now().UTC(),
	}
}

// classifyRetCode maps v5 retCodes into the error taxonomy. Unknown
// non-zero codes are venue rejections and are never retried.
func classifyRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10002: // request timestamp outside recvWindow
		return &exchange.APIError{Code: code, Msg: msg, ErrClass: exchange.ClassTransient}
	case 10006, 10018: // rate limited
		return exchange.ErrRateLimited
	case 10003, 10004, 33004: // bad api key / signature / expired
		return exchange.ErrAuth
	case 110001: // order does not exist
		return exchange.ErrOrderNotFound
	case 110072: // duplicate orderLinkId
		return exchange.ErrDuplicateOrder
	case 110043, 34040: // nothing to modify
		return exchange.ErrAlreadyClosed
	default:
		return &exchange.APIError{Code: code, Msg: msg, ErrClass: exchange.ClassRejected}
	}
}

func sideString(s enum.Side) string {
	switch s {
	case enum.SideBuy:
		return "Buy"
	case enum.SideSell:
		return "Sell"
	default:
		return ""
	}
}

func orderTypeString(t enum.OrderType) string {
	switch t {
	case enum.OrderTypeLimit:
		return "Limit"
	case enum.OrderTypeMarket:
		return "Market"
	default:
		return ""
	}
}

func timeInForceString(t enum.TimeInForce) string {
	switch t {
	case enum.TimeInForceGTC:
		return "GTC"
	case enum.TimeInForceIOC:
		return "IOC"
	case enum.TimeInForceFOK:
		return "FOK"
	case enum.TimeInForcePostOnly:
		return "PostOnly"
	default:
		return ""
	}
}

func positionSideFromString(s string) (enum.PositionSide, bool) {
	switch s {
	case "Buy":
		return enum.PositionSideLong, true
	case "Sell":
		return enum.PositionSideShort, true
	default:
		return 0, false
	}
}

func millisTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
