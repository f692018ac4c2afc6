package hypersockets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client runs one WebSocket connection per the build-time ClientConfig,
// including reconnection, auth, subscription replay, heartbeat, passive
// ping/pong, and message routing. Call Run once; it blocks until ctx is
// cancelled or the shutdown flag is set.
type Client struct {
	cfg    *ClientConfig
	logger *slog.Logger

	state   ConnStateRegister
	metrics Metrics
	pong    *PongTracker

	dispatcher *dispatcher

	connMu sync.Mutex
	conn   *websocket.Conn

	outbound chan WsMessage
}

// NewClient constructs a Client from a validated ClientConfig.
func NewClient(cfg *ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	pongTimeout := cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		logger:     logger,
		pong:       NewPongTracker(pongTimeout),
		dispatcher: newDispatcher(cfg.Handlers, cfg.DefaultHandler, logger),
		outbound:   make(chan WsMessage, 256),
	}
	c.state.Set(Disconnected)
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState { return c.state.Get() }

// Metrics returns this connection's counters.
func (c *Client) Metrics() *Metrics { return &c.metrics }

// Send enqueues an application frame for the writer task.
func (c *Client) Send(msg WsMessage) {
	select {
	case c.outbound <- msg:
	default:
		c.logger.Warn("hypersockets: outbound queue full, growing", "url", c.cfg.URL)
		go func() { c.outbound <- msg }()
	}
}

// Run connects and maintains the connection until ctx is cancelled or the
// shutdown flag is observed. It never returns a reconnectable error to the
// caller — disconnects are handled internally via the reconnect strategy.
func (c *Client) Run(ctx context.Context) error {
	defer c.dispatcher.Close()

	attempt := 0
	for {
		if ctx.Err() != nil || c.cfg.ShutdownFlag.Load() {
			c.state.Set(ShuttingDown)
			c.state.Set(Disconnected)
			return ctx.Err()
		}

		if !c.state.CompareExchange(Disconnected, Connecting) && !c.state.CompareExchange(Reconnecting, Connecting) {
			// Another caller already owns the transition; nothing to do.
			return fmt.Errorf("hypersockets: client already connecting")
		}

		established, err := c.connectAndServe(ctx)
		if ctx.Err() != nil || c.cfg.ShutdownFlag.Load() {
			c.state.Set(ShuttingDown)
			c.state.Set(Disconnected)
			return ctx.Err()
		}
		if established {
			// The connection fully came up (handshake + auth + subscribe)
			// before dying, so the backoff schedule starts over.
			attempt = 0
		}

		if errors.Is(err, errAuthRejected) {
			// Credential rejection is fatal for this connection: retrying
			// with the same credentials can only burn the rate limit.
			if c.cfg.HaltedFlag != nil {
				c.cfg.HaltedFlag.Store(true)
			}
			c.state.Set(Disconnected)
			return err
		}

		c.logger.Warn("hypersockets: connection ended, considering reconnect", "error", err, "attempt", attempt)
		c.state.Set(Reconnecting)
		if c.cfg.HaltedFlag != nil {
			c.cfg.HaltedFlag.Store(true)
		}

		delay, ok := c.cfg.ReconnectStrategy.NextDelay(attempt)
		if !ok {
			c.state.Set(Disconnected)
			return fmt.Errorf("hypersockets: reconnection strategy exhausted after %d attempts: %w", attempt, err)
		}

		totalDelay := c.cfg.ReconnectionDelayOffset + delay
		select {
		case <-ctx.Done():
			c.state.Set(Disconnected)
			return ctx.Err()
		case <-time.After(totalDelay):
		}

		attempt++
		c.metrics.IncReconnect()
	}
}

// errAuthRejected marks a credential rejection, which disables reconnection
// for this client until the operator intervenes.
var errAuthRejected = errors.New("hypersockets: auth rejected")

// connectAndServe runs one connection lifetime. established reports
// whether the connection fully came up (handshake, auth, subscriptions)
// before the returned error ended it.
func (c *Client) connectAndServe(ctx context.Context) (established bool, err error) {
	headers, err := c.cfg.Headers.Headers()
	if err != nil {
		return false, fmt.Errorf("hypersockets: header provider: %w", err)
	}
	httpHeaders := make(http.Header, len(headers))
	for k, v := range headers {
		httpHeaders.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, httpHeaders)
	if err != nil {
		return false, fmt.Errorf("hypersockets: dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.state.Set(Connected)
	c.pong.Reset()

	if c.cfg.HasAuth() {
		if err := c.authenticate(); err != nil {
			return false, fmt.Errorf("hypersockets: auth: %w", err)
		}
	}

	subs := c.cfg.Subscriptions
	if c.cfg.Resubscribe != nil {
		subs = c.cfg.Resubscribe()
	}
	for _, sub := range subs {
		if err := c.writeRaw(sub); err != nil {
			return false, fmt.Errorf("hypersockets: subscribe: %w", err)
		}
	}
	if c.cfg.HaltedFlag != nil {
		c.cfg.HaltedFlag.Store(false)
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(connCtx, conn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(connCtx, conn)
	}()

	if c.cfg.HasHeartbeat() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHeartbeat(connCtx, *c.cfg.Heartbeat, func(m WsMessage) error {
				c.Send(m)
				c.pong.RecordPingSent()
				return nil
			}, func(err error) { errCh <- err })
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- c.watchdog(connCtx)
	}()

	var firstErr error
	select {
	case firstErr = <-errCh:
	case <-ctx.Done():
		firstErr = ctx.Err()
	}
	connCancel()
	wg.Wait()
	return true, firstErr
}

func (c *Client) authenticate() error {
	msg, needed, err := c.cfg.Auth.AuthMessage()
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}
	if err := c.writeRaw(msg); err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	// A transport failure here is an ordinary disconnect and reconnects
	// normally; only an explicit rejection of the credentials is fatal.
	ok, err := c.cfg.Auth.ValidateAuthResponse(TextMessage(string(data)))
	if err != nil {
		return fmt.Errorf("%w: %w", errAuthRejected, err)
	}
	if !ok {
		return errAuthRejected
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.StalenessWindow))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.metrics.IncReceived()

		raw := TextMessage(string(data))

		if c.cfg.PongDetect.IsPong(raw) {
			c.pong.RecordPongReceived()
			continue
		}
		if c.cfg.PassivePing.IsPing(raw) {
			c.Send(c.cfg.PassivePing.PongResponse())
			continue
		}

		parsed, err := c.cfg.Router.Parse(raw)
		if err != nil {
			c.logger.Warn("hypersockets: dropping unparsable frame", "error", err)
			continue
		}
		key := c.cfg.Router.RouteKey(parsed)
		c.dispatcher.Dispatch(key, parsed)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.outbound:
			if err := c.doWrite(conn, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) doWrite(conn *websocket.Conn, msg WsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if text, ok := msg.AsText(); ok {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	} else if bin, ok := msg.AsBinary(); ok {
		if err := conn.WriteMessage(websocket.BinaryMessage, bin); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	c.metrics.IncSent()
	return nil
}

// writeRaw writes synchronously, bypassing the outbound queue — used only
// for the one-shot auth and subscription frames sent before the writer
// loop starts.
func (c *Client) writeRaw(msg WsMessage) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.doWrite(conn, msg)
}

// watchdog forces the connection closed (by cancelling its context) when
// the pong tracker reports unhealthy, so connectAndServe returns and the
// reconnect loop takes over.
func (c *Client) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.cfg.HasHeartbeat() && !c.pong.IsHealthy() {
				return fmt.Errorf("hypersockets: pong tracker unhealthy, forcing reconnect")
			}
		}
	}
}

// Halted reports the current value of the optional halted flag, surfaced
// for callers (e.g. the strategy runtime) that gate on connection health
// without owning the flag themselves.
func (c *Client) Halted() bool {
	if c.cfg.HaltedFlag == nil {
		return false
	}
	return c.cfg.HaltedFlag.Load()
}
