// Package bybit implements the exchange.Client surface against the
// Bybit v5 REST API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"main/internal/errors"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
)

const (
	defaultBaseURL    = "https://api.bybit.com"
	defaultTestnetURL = "https://api-testnet.bybit.com"
	defaultRecvWindow = 5000
	defaultCategory   = "linear"
)

// Option configures the client.
type Option struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Testnet    bool
	Category   string
	RecvWindow int
	// RequestsPerSecond bounds outbound calls; zero disables limiting.
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
}

// Client talks to the Bybit v5 request/response API.
type Client struct {
	opt     Option
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ exchange.Client = (*Client)(nil)

// New creates a Bybit REST client.
func New(opt Option) *Client {
	if opt.BaseURL == "" {
		if opt.Testnet {
			opt.BaseURL = defaultTestnetURL
		} else {
			opt.BaseURL = defaultBaseURL
		}
	}
	if opt.Category == "" {
		opt.Category = defaultCategory
	}
	if opt.RecvWindow <= 0 {
		opt.RecvWindow = defaultRecvWindow
	}
	if opt.HTTPTimeout <= 0 {
		opt.HTTPTimeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if opt.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.RequestsPerSecond), 1)
	}

	return &Client{
		opt:     opt,
		http:    &http.Client{Timeout: opt.HTTPTimeout},
		limiter: limiter,
		now:     time.Now,
	}
}

// PlaceOrder submits an order keyed by the client order id.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (exchange.PlaceResult, error) {
	body := placeOrderRequest{
		Category:    c.opt.Category,
		Symbol:      req.Symbol,
		Side:        sideString(req.Side),
		OrderType:   orderTypeString(req.Type),
		Qty:         req.Quantity.String(),
		OrderLinkID: req.ClientOrderID,
		TimeInForce: timeInForceString(req.TimeInForce),
	}
	if !req.LimitPrice.IsZero() {
		body.Price = req.LimitPrice.String()
	}
	if !req.StopLoss.IsZero() {
		body.StopLoss = req.StopLoss.String()
	}
	if !req.TakeProfit.IsZero() {
		body.TakeProfit = req.TakeProfit.String()
	}

	var result placeOrderResult
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return exchange.PlaceResult{}, errors.Wrap(err, "place order")
	}
	return exchange.PlaceResult{
		ClientOrderID:   result.OrderLinkID,
		ExchangeOrderID: result.OrderID,
	}, nil
}

// CancelOrder cancels an order by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := cancelOrderRequest{
		Category:    c.opt.Category,
		Symbol:      symbol,
		OrderLinkID: clientOrderID,
	}
	var result placeOrderResult
	if err := c.post(ctx, "/v5/order/cancel", body, &result); err != nil {
		return errors.Wrap(err, "cancel order")
	}
	return nil
}

// AmendOrder modifies an open order by client order id.
func (c *Client) AmendOrder(ctx context.Context, symbol, clientOrderID string, changes model.OrderChanges) error {
	body := amendOrderRequest{
		Category:    c.opt.Category,
		Symbol:      symbol,
		OrderLinkID: clientOrderID,
	}
	if changes.Quantity != nil {
		body.Qty = changes.Quantity.String()
	}
	if changes.LimitPrice != nil {
		body.Price = changes.LimitPrice.String()
	}
	if changes.StopLoss != nil {
		body.StopLoss = changes.StopLoss.String()
	}
	if changes.TakeProfit != nil {
		body.TakeProfit = changes.TakeProfit.String()
	}

	var result placeOrderResult
	if err := c.post(ctx, "/v5/order/amend", body, &result); err != nil {
		return errors.Wrap(err, "amend order")
	}
	return nil
}

// GetOrder queries one order by client order id, resolving ambiguous
// submission outcomes.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderUpdate, error) {
	query := url.Values{}
	query.Set("category", c.opt.Category)
	query.Set("symbol", symbol)
	query.Set("orderLinkId", clientOrderID)

	var result orderListResult
	if err := c.get(ctx, "/v5/order/realtime", query, &result); err != nil {
		return model.OrderUpdate{}, errors.Wrap(err, "get order")
	}
	if len(result.List) == 0 {
		return model.OrderUpdate{}, exchange.ErrOrderNotFound
	}
	return result.List[0].toOrderUpdate(), nil
}

// GetOpenOrders lists open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderUpdate, error) {
	query := url.Values{}
	query.Set("category", c.opt.Category)
	query.Set("symbol", symbol)
	query.Set("openOnly", "0")

	var result orderListResult
	if err := c.get(ctx, "/v5/order/realtime", query, &result); err != nil {
		return nil, errors.Wrap(err, "get open orders")
	}
	out := make([]model.OrderUpdate, 0, len(result.List))
	for _, row := range result.List {
		out = append(out, row.toOrderUpdate())
	}
	return out, nil
}

// GetPositions lists all open positions in the category.
func (c *Client) GetPositions(ctx context.Context) ([]model.PositionUpdate, error) {
	query := url.Values{}
	query.Set("category", c.opt.Category)
	query.Set("settleCoin", "USDT")

	var result positionListResult
	if err := c.get(ctx, "/v5/position/list", query, &result); err != nil {
		return nil, errors.Wrap(err, "get positions")
	}
	out := make([]model.PositionUpdate, 0, len(result.List))
	for _, row := range result.List {
		update, ok := row.toPositionUpdate()
		if !ok {
			continue
		}
		out = append(out, update)
	}
	return out, nil
}

// GetWalletBalance reads the unified account balance.
func (c *Client) GetWalletBalance(ctx context.Context) (model.WalletUpdate, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result walletResult
	if err := c.get(ctx, "/v5/account/wallet-balance", query, &result); err != nil {
		return model.WalletUpdate{}, errors.Wrap(err, "get wallet balance")
	}
	if len(result.List) == 0 {
		return model.WalletUpdate{}, errors.New("bybit: empty wallet result")
	}
	return result.List[0].toWalletUpdate(), nil
}

// SetTradingStop pins the protective stop onto the open position. The
// venue replies "not modified" when the price is unchanged, which maps
// to a no-op upstream.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, side enum.PositionSide, stopLoss decimal.Decimal) error {
	body := tradingStopRequest{
		Category:    c.opt.Category,
		Symbol:      symbol,
		StopLoss:    stopLoss.String(),
		TpslMode:    "Full",
		PositionIdx: 0,
	}
	var result json.RawMessage
	if err := c.post(ctx, "/v5/position/trading-stop", body, &result); err != nil {
		return errors.Wrap(err, "set trading stop")
	}
	return nil
}

// CancelAll flushes every open order on the symbol; used by shutdown.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	body := cancelAllRequest{
		Category: c.opt.Category,
		Symbol:   symbol,
	}
	var result orderListResult
	if err := c.post(ctx, "/v5/order/cancel-all", body, &result); err != nil {
		return errors.Wrap(err, "cancel all")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	return c.do(ctx, http.MethodPost, path, "", payload, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query.Encode(), nil, out)
}

func (c *Client) do(ctx context.Context, method, path, query string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := c.opt.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	recvWindow := strconv.Itoa(c.opt.RecvWindow)
	signPayload := query
	if len(body) > 0 {
		signPayload = string(body)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.opt.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sign(c.opt.APISecret, timestamp+c.opt.APIKey+recvWindow+signPayload))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return exchange.ErrRateLimited
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if err := classifyRetCode(envelope.RetCode, envelope.RetMsg); err != nil {
		return err
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errors.Wrap(err, "decode result")
		}
	}
	return nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
