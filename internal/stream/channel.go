// Package stream owns the persistent push connections: dialing,
// authentication, heartbeat, reconnect with backoff, resubscription and
// in-order dispatch of decoded events.
package stream

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/errors"
	"main/pkg/backoff"
)

var (
	ErrAuthFailed   = errors.New("stream: authentication failed")
	ErrNotConnected = errors.New("stream: not connected")
)

// Credentials authenticate the private channel.
type Credentials struct {
	APIKey    string
	APISecret string
}

// ChannelConfig configures one logical push channel.
type ChannelConfig struct {
	Name         string
	URL          string
	Topics       []string
	Credentials  *Credentials
	PingInterval time.Duration
	PongTimeout  time.Duration
	Backoff      backoff.Backoff
	QueueSize    int
	// OnConnect runs after every (re)connect, before resubscription.
	// The book engine hooks this to discard stale state.
	OnConnect func()
	// OnState reports connect/disconnect transitions.
	OnState func(connected bool, detail string)
}

// Channel is one persistent websocket with its own reconnect loop and
// a single consumer task preserving delivery order.
type Channel struct {
	cfg ChannelConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}

	inbox chan []byte
	now   func() time.Time
}

// NewChannel creates a channel; Run must be called to connect.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Backoff.Min == 0 && cfg.Backoff.Max == 0 {
		cfg.Backoff = backoff.Default()
	}

	ch := &Channel{
		cfg:    cfg,
		topics: make(map[string]struct{}, len(cfg.Topics)),
		inbox:  make(chan []byte, cfg.QueueSize),
		now:    time.Now,
	}
	for _, topic := range cfg.Topics {
		ch.topics[topic] = struct{}{}
	}
	return ch
}

// Run connects and keeps reconnecting until ctx is done, dispatching
// every frame to handler in delivery order. Authentication failure is
// fatal and returned immediately.
func (c *Channel) Run(ctx context.Context, handler func(raw []byte)) error {
	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-consumerCtx.Done():
				return
			case raw, ok := <-c.inbox:
				if !ok {
					return
				}
				handler(raw)
			}
		}
	}()
	defer wg.Wait()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			logs.Warnf("%s dial failed, attempt: %d, err: %+v", c.cfg.Name, attempt, err)
			c.sleepBackoff(ctx, attempt)
			continue
		}

		if err := c.handshake(ctx, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrAuthFailed) {
				return err
			}
			attempt++
			logs.Warnf("%s handshake failed, attempt: %d, err: %+v", c.cfg.Name, attempt, err)
			c.sleepBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.reportState(true, "connected")

		err = c.session(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		c.reportState(false, err.Error())

		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		c.sleepBackoff(ctx, attempt)
	}
}

// Subscribe adds topics to the desired set and, when connected, sends
// the subscription immediately.
func (c *Channel) Subscribe(topics ...string) error {
	c.mu.Lock()
	fresh := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := c.topics[topic]; !ok {
			c.topics[topic] = struct{}{}
			fresh = append(fresh, topic)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(fresh) == 0 || conn == nil {
		return nil
	}
	args := make([]any, 0, len(fresh))
	for _, topic := range fresh {
		args = append(args, topic)
	}
	return c.writeJSON(conn, request{Op: "subscribe", Args: args})
}

// Resubscribe forces a fresh snapshot for one topic by unsubscribing
// and subscribing again.
func (c *Channel) Resubscribe(topic string) error {
	c.mu.Lock()
	conn := c.conn
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := c.writeJSON(conn, request{Op: "unsubscribe", Args: []any{topic}}); err != nil {
		return errors.Wrap(err, "unsubscribe")
	}
	if err := c.writeJSON(conn, request{Op: "subscribe", Args: []any{topic}}); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	return nil
}

type request struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial websocket")
	}
	return conn, nil
}

// handshake authenticates (private channel only), runs the OnConnect
// hook and resubscribes the full desired topic set.
func (c *Channel) handshake(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.Credentials != nil {
		if err := c.authenticate(conn); err != nil {
			return err
		}
	}

	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	topics := c.desiredTopics()
	if len(topics) > 0 {
		if err := c.writeJSON(conn, request{Op: "subscribe", Args: topics}); err != nil {
			return errors.Wrap(err, "resubscribe")
		}
	}
	return nil
}

func (c *Channel) authenticate(conn *websocket.Conn) error {
	expires := c.now().Add(5 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	signature := hex.EncodeToString(mac.Sum(nil))

	auth := request{Op: "auth", Args: []any{c.cfg.Credentials.APIKey, expires, signature}}
	if err := c.writeJSON(conn, auth); err != nil {
		return errors.Wrap(err, "send auth")
	}

	_ = conn.SetReadDeadline(c.now().Add(c.cfg.PongTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "read auth reply")
	}
	reply, ok := decodeControl(raw)
	if !ok || reply.Op != "auth" {
		return errors.Wrap(ErrAuthFailed, "unexpected auth reply")
	}
	if !reply.Success {
		return errors.Wrapf(ErrAuthFailed, "venue reply: %s", reply.RetMsg)
	}
	return nil
}

// session pumps frames into the inbox until the connection dies.
// Heartbeats are sent on a fixed period; a missing reply surfaces as a
// read deadline error and tears the session down.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			_ = conn.SetReadDeadline(c.now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if ctrl, ok := decodeControl(raw); ok && ctrl.isControl() {
				continue
			}
			select {
			case c.inbox <- raw:
			default:
				// a full queue loses frames; downstream sequence
				// tracking forces a resync when it matters
				logs.Warnf("%s inbox full, frame dropped", c.cfg.Name)
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := c.writeJSON(conn, request{Op: "ping"}); err != nil {
				return errors.Wrap(err, "send ping")
			}
		}
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(5 * time.Second))
	return conn.WriteJSON(payload)
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) desiredTopics() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	return out
}

func (c *Channel) reportState(connected bool, detail string) {
	if connected {
		logs.Infof("%s connected", c.cfg.Name)
	} else {
		logs.Warnf("%s disconnected, reason: %s", c.cfg.Name, detail)
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(connected, detail)
	}
}

func (c *Channel) sleepBackoff(ctx context.Context, attempt int) {
	wait := c.cfg.Backoff.Next(attempt)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
