package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/backoff"
)

var upgrader = websocket.Upgrader{}

// fakeVenue runs session on every websocket connection it accepts.
func fakeVenue(t *testing.T, session func(conn *websocket.Conn, nth int)) string {
	t.Helper()
	nth := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		nth++
		session(conn, nth)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readRequest(t *testing.T, conn *websocket.Conn) request {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var req request
	require.NoError(t, json.Unmarshal(raw, &req))
	return req
}

func fastChannel(url string, cfg ChannelConfig) *Channel {
	cfg.URL = url
	cfg.Backoff = backoff.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2.0}
	return NewChannel(cfg)
}

func TestChannelDeliversFramesInOrder(t *testing.T) {
	url := fakeVenue(t, func(conn *websocket.Conn, nth int) {
		req := readRequest(t, conn)
		assert.Equal(t, "subscribe", req.Op)
		for _, frame := range []string{
			`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"1"}}`,
			`{"op":"pong","success":true}`,
			`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"2"}}`,
			`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"3"}}`,
		} {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		time.Sleep(time.Second)
	})

	ch := fastChannel(url, ChannelConfig{Name: "test", Topics: []string{"tickers.BTCUSDT"}})

	frames := make(chan []byte, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, func(raw []byte) { frames <- raw }) }()

	var got []string
	for len(got) < 3 {
		select {
		case raw := <-frames:
			got = append(got, string(raw))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	// control frames never reach the handler, data order is preserved
	assert.Contains(t, got[0], `"lastPrice":"1"`)
	assert.Contains(t, got[1], `"lastPrice":"2"`)
	assert.Contains(t, got[2], `"lastPrice":"3"`)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestChannelReconnectsAndResubscribes(t *testing.T) {
	subscribes := make(chan request, 2)
	url := fakeVenue(t, func(conn *websocket.Conn, nth int) {
		req := readRequest(t, conn)
		subscribes <- req
		if nth == 1 {
			return // drop the first connection right after subscribe
		}
		frame := `{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","lastPrice":"9"}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		time.Sleep(time.Second)
	})

	ch := fastChannel(url, ChannelConfig{Name: "test", Topics: []string{"tickers.BTCUSDT"}})

	frames := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx, func(raw []byte) { frames <- raw }) }()

	for i := 0; i < 2; i++ {
		select {
		case req := <-subscribes:
			assert.Equal(t, "subscribe", req.Op)
			require.Len(t, req.Args, 1)
			assert.Equal(t, "tickers.BTCUSDT", req.Args[0])
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for subscribe %d", i+1)
		}
	}

	select {
	case raw := <-frames:
		assert.Contains(t, string(raw), `"lastPrice":"9"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect frame")
	}
}

func TestChannelAuthRejectionIsFatal(t *testing.T) {
	url := fakeVenue(t, func(conn *websocket.Conn, nth int) {
		req := readRequest(t, conn)
		assert.Equal(t, "auth", req.Op)
		require.Len(t, req.Args, 3)
		reply := `{"op":"auth","success":false,"ret_msg":"error sign"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(reply)))
	})

	ch := fastChannel(url, ChannelConfig{
		Name:        "test",
		Credentials: &Credentials{APIKey: "key", APISecret: "secret"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ch.Run(ctx, func([]byte) {})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestChannelOnConnectRunsBeforeResubscribe(t *testing.T) {
	url := fakeVenue(t, func(conn *websocket.Conn, nth int) {
		readRequest(t, conn)
		time.Sleep(time.Second)
	})

	resets := make(chan struct{}, 1)
	ch := fastChannel(url, ChannelConfig{
		Name:      "test",
		Topics:    []string{"tickers.BTCUSDT"},
		OnConnect: func() { resets <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx, func([]byte) {}) }()

	select {
	case <-resets:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnect")
	}
}
