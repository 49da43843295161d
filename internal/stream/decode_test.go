package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
	"main/internal/model/enum"
)

func TestDecodeControlFrames(t *testing.T) {
	testcases := []struct {
		name      string
		raw       string
		isControl bool
	}{
		{"pong", `{"op":"pong","success":true}`, true},
		{"subscribe ack", `{"op":"subscribe","success":true,"ret_msg":""}`, true},
		{"auth reply", `{"op":"auth","success":true}`, true},
		{"data frame", `{"topic":"orderbook.50.BTCUSDT","type":"delta","data":{}}`, false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl, ok := decodeControl([]byte(tc.raw))
			require.True(t, ok)
			assert.Equal(t, tc.isControl, ctrl.isControl())
		})
	}
}

func TestDecodePublicBookSnapshot(t *testing.T) {
	raw := []byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000123,
		"data":{"s":"BTCUSDT","b":[["50000","1.5"],["49999","2"]],"a":[["50001","0.7"]],"u":100}
	}`)

	var got model.BookUpdate
	require.NoError(t, DecodePublic(raw, PublicHandlers{OnBook: func(u model.BookUpdate) { got = u }}))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, model.BookSnapshot, got.Kind)
	assert.Equal(t, uint64(100), got.Sequence)
	require.Len(t, got.Bids, 2)
	require.Len(t, got.Asks, 1)
	assert.True(t, got.Bids[0].Price.Equal(decimal.RequireFromString("50000")))
	assert.True(t, got.Asks[0].Quantity.Equal(decimal.RequireFromString("0.7")))
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), got.EventTime)
}

func TestDecodePublicBookDeltaWithRemoval(t *testing.T) {
	raw := []byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000456,
		"data":{"s":"BTCUSDT","b":[["50000","0"]],"a":[],"u":101}
	}`)

	var got model.BookUpdate
	require.NoError(t, DecodePublic(raw, PublicHandlers{OnBook: func(u model.BookUpdate) { got = u }}))

	assert.Equal(t, model.BookDelta, got.Kind)
	assert.Equal(t, uint64(101), got.Sequence)
	require.Len(t, got.Bids, 1)
	assert.True(t, got.Bids[0].Quantity.IsZero())
	assert.Empty(t, got.Asks)
}

func TestDecodePublicTickerPartialDelta(t *testing.T) {
	raw := []byte(`{
		"topic":"tickers.BTCUSDT","type":"delta","ts":1700000000789,
		"data":{"symbol":"BTCUSDT","markPrice":"50500.5"}
	}`)

	var got model.Ticker
	require.NoError(t, DecodePublic(raw, PublicHandlers{OnTicker: func(tk model.Ticker) { got = tk }}))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.True(t, got.LastPrice.IsZero())
	assert.True(t, got.MarkPrice.Equal(decimal.RequireFromString("50500.5")))
}

func TestDecodePublicBadLevelPrice(t *testing.T) {
	raw := []byte(`{
		"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1,
		"data":{"s":"BTCUSDT","b":[["not-a-number","1"]],"a":[],"u":5}
	}`)

	called := false
	err := DecodePublic(raw, PublicHandlers{OnBook: func(model.BookUpdate) { called = true }})
	require.Error(t, err)
	assert.False(t, called)
}

func TestDecodePrivateOrder(t *testing.T) {
	raw := []byte(`{
		"topic":"order","ts":1700000001000,
		"data":[{"symbol":"BTCUSDT","orderId":"ex-1","orderLinkId":"ord-1",
			"orderStatus":"PartiallyFilled","cumExecQty":"0.3","avgPrice":"50010","updatedTime":"1700000001000"}]
	}`)

	var got model.OrderUpdate
	require.NoError(t, DecodePrivate(raw, PrivateHandlers{OnOrder: func(u model.OrderUpdate) { got = u }}))

	assert.Equal(t, "ord-1", got.ClientOrderID)
	assert.Equal(t, "ex-1", got.ExchangeOrderID)
	assert.Equal(t, "PartiallyFilled", got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), got.UpdatedAt)
}

func TestDecodePrivateExecution(t *testing.T) {
	raw := []byte(`{
		"topic":"execution","ts":1700000002000,
		"data":[{"symbol":"BTCUSDT","orderId":"ex-1","orderLinkId":"ord-1","execId":"t-1",
			"side":"Sell","execPrice":"50020","execQty":"0.1","execFee":"0.275","execTime":"1700000002000"}]
	}`)

	var got model.Fill
	require.NoError(t, DecodePrivate(raw, PrivateHandlers{OnFill: func(f model.Fill) { got = f }}))

	assert.Equal(t, "t-1", got.ExecID)
	assert.Equal(t, enum.SideSell, got.Side)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("50020")))
	assert.True(t, got.Fee.Equal(decimal.RequireFromString("0.275")))
}

func TestDecodePrivatePositionAndWallet(t *testing.T) {
	rawPosition := []byte(`{
		"topic":"position","ts":1700000003000,
		"data":[{"symbol":"BTCUSDT","side":"Sell","size":"0.5","entryPrice":"50000",
			"markPrice":"49900","leverage":"10","liqPrice":"55000","positionIM":"2500","updatedTime":"1700000003000"}]
	}`)

	var position model.PositionUpdate
	require.NoError(t, DecodePrivate(rawPosition, PrivateHandlers{
		OnPosition: func(u model.PositionUpdate) { position = u },
	}))
	assert.Equal(t, enum.PositionSideShort, position.Side)
	assert.True(t, position.Size.Equal(decimal.RequireFromString("0.5")))

	rawWallet := []byte(`{
		"topic":"wallet","ts":1700000004000,
		"data":[{"totalEquity":"10000","totalAvailableBalance":"7500","totalInitialMargin":"2500"}]
	}`)

	var wallet model.WalletUpdate
	require.NoError(t, DecodePrivate(rawWallet, PrivateHandlers{
		OnWallet: func(u model.WalletUpdate) { wallet = u },
	}))
	assert.True(t, wallet.Equity.Equal(decimal.RequireFromString("10000")))
	assert.True(t, wallet.Available.Equal(decimal.RequireFromString("7500")))
}

func TestDecodeUnknownTopicIgnored(t *testing.T) {
	raw := []byte(`{"topic":"liquidation.BTCUSDT","type":"snapshot","data":{}}`)
	require.NoError(t, DecodePublic(raw, PublicHandlers{}))
	require.NoError(t, DecodePrivate(raw, PrivateHandlers{}))
}
