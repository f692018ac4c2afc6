// ws.go fronts Polymarket's market-data and user-channel WebSocket feeds
// with the hypersockets framework (internal/hypersockets): reconnection,
// passive-ping/pong handling, heartbeat, and per-key message dispatch all
// come from hypersockets.Client, and this file supplies only the
// protocol-specific pieces hypersockets asks every caller for — a Router
// that decodes the event_type envelope and a Handler that forwards typed
// events onto the channels the rest of the engine already consumes.
//
// Two independent clients run concurrently, supervised by a
// hypersockets.Manager:
//
//   - Market feed (public): subscribes by asset ID (token ID), receives
//     "book" snapshots and "price_change" deltas for the order book.
//
//   - User feed (authenticated): subscribes by condition ID, receives
//     "trade" fills and "order" lifecycle events (placement, cancellation).
//
// Route keys mirror the exchange's ordering model: market events are
// keyed by asset_id, so two tokens' books are handled on independent
// goroutines while updates to the same token stay strictly ordered; user
// events share the single route key "user", so order/trade events for the
// whole account are strictly ordered relative to each other.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-mm/internal/hypersockets"
	"polymarket-mm/pkg/types"
)

const (
	wsHeartbeatInterval = 50 * time.Second  // matches the exchange's own PING cadence
	wsPongTimeout       = 150 * time.Second // 3x heartbeat interval
	wsHandshakeTimeout  = 10 * time.Second
	wsStalenessWindow   = 90 * time.Second // ~2 missed pings triggers reconnect
	readBufferSize      = 256              // buffer for book/price events
	tradeBufferSize     = 64               // buffer for trade/order events
)

// WSFeed wraps one hypersockets.Client configured for either the market or
// user channel, exposing typed event channels and a live, reconnect-safe
// subscription set.
type WSFeed struct {
	channelType string // "market" or "user"
	auth        *Auth  // nil for market channel, set for user channel

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	tickSizeCh    chan types.WSTickSizeChangeEvent
	tradeCh       chan types.WSTradeEvent
	orderCh       chan types.WSOrderEvent

	client *hypersockets.Client
	logger *slog.Logger
}

// NewMarketFeed creates a hypersockets-backed feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	f := newWSFeed("market", nil, wsURL, logger.With("component", "ws_market"))
	return f
}

// NewUserFeed creates a hypersockets-backed feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	f := newWSFeed("user", auth, wsURL, logger.With("component", "ws_user"))
	return f
}

func newWSFeed(channelType string, auth *Auth, wsURL string, logger *slog.Logger) *WSFeed {
	f := &WSFeed{
		channelType:   channelType,
		auth:          auth,
		subscribed:    make(map[string]bool),
		bookCh:        make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh: make(chan types.WSPriceChangeEvent, readBufferSize),
		tickSizeCh:    make(chan types.WSTickSizeChangeEvent, tradeBufferSize),
		tradeCh:       make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:       make(chan types.WSOrderEvent, tradeBufferSize),
		logger:        logger,
	}

	router := wsRouter{channelType: channelType}
	cfg, err := hypersockets.NewClientConfig(hypersockets.ClientConfig{
		URL:            wsURL,
		Router:         router,
		DefaultHandler: hypersockets.HandlerFunc(f.handle),
		Heartbeat: &hypersockets.Heartbeat{
			Interval: wsHeartbeatInterval,
			Payload:  hypersockets.TextMessage("PING"),
		},
		PassivePing:      hypersockets.TextPassivePing{PingText: "PING", PongPayload: "PONG"},
		Resubscribe:      f.subscriptionFrames,
		HandshakeTimeout: wsHandshakeTimeout,
		PongTimeout:      wsPongTimeout,
		StalenessWindow:  wsStalenessWindow,
	})
	if err != nil {
		// URL/Router are always set above; NewClientConfig only rejects
		// missing required fields, so this is unreachable in practice.
		panic(fmt.Sprintf("exchange: invalid hypersockets config: %v", err))
	}

	f.client = hypersockets.NewClient(cfg, logger)
	return f
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *WSFeed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns a read-only channel of price change events.
func (f *WSFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }

// TickSizeEvents returns a read-only channel of tick_size_change events.
func (f *WSFeed) TickSizeEvents() <-chan types.WSTickSizeChangeEvent { return f.tickSizeCh }

// TradeEvents returns a read-only channel of trade events (user channel).
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// OrderEvents returns a read-only channel of order events (user channel).
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent { return f.orderCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	return f.client.Run(ctx)
}

// Subscribe adds asset IDs (market channel) or condition IDs (user channel)
// to the live set and, best-effort, pushes the delta over an already-open
// connection. The authoritative resync happens on (re)connect via
// subscriptionFrames.
func (f *WSFeed) Subscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	f.client.Send(f.updateMessage("subscribe", ids))
	return nil
}

// Unsubscribe removes IDs from the subscription.
func (f *WSFeed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	f.client.Send(f.updateMessage("unsubscribe", ids))
	return nil
}

// Close is a no-op: the hypersockets.Client owns connection teardown via
// its shutdown flag and ctx cancellation, not an explicit Close call.
func (f *WSFeed) Close() error { return nil }

// State returns the underlying connection's lock-free state.
func (f *WSFeed) State() hypersockets.ConnState { return f.client.State() }

// Client exposes the underlying hypersockets.Client so callers can register
// it with a hypersockets.Manager for aggregate health/connected checks
// across both the market and user feeds.
func (f *WSFeed) Client() *hypersockets.Client { return f.client }

func (f *WSFeed) updateMessage(operation string, ids []string) hypersockets.WsMessage {
	msg := types.WSUpdateMsg{Operation: operation}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("marshal subscription update", "error", err)
		return hypersockets.TextMessage("")
	}
	return hypersockets.TextMessage(string(data))
}

// subscriptionFrames computes the full initial-subscribe frame from the
// current subscribed set. hypersockets calls this fresh on every connect
// and reconnect, so a market/condition added after the last connection
// attempt is always replayed.
func (f *WSFeed) subscriptionFrames() []hypersockets.WsMessage {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	msg := types.WSSubscribeMsg{Type: f.channelType}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Auth = f.auth.WSAuthPayload()
		msg.Markets = ids
	}

	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("marshal initial subscription", "error", err)
		return nil
	}
	return []hypersockets.WsMessage{hypersockets.TextMessage(string(data))}
}

// handle is the hypersockets.Handler invoked, one dedicated goroutine per
// route key, for every parsed event. It only forwards onto the matching
// typed channel; all connection/protocol concerns live in hypersockets.
func (f *WSFeed) handle(msg any) error {
	switch evt := msg.(type) {
	case types.WSBookEvent:
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}
	case types.WSPriceChangeEvent:
		select {
		case f.priceChangeCh <- evt:
		default:
			f.logger.Warn("price_change channel full, dropping event")
		}
	case types.WSTickSizeChangeEvent:
		select {
		case f.tickSizeCh <- evt:
		default:
			f.logger.Warn("tick_size channel full, dropping event", "asset", evt.AssetID)
		}
	case types.WSTradeEvent:
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "id", evt.ID)
		}
	case types.WSOrderEvent:
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "id", evt.ID)
		}
	case string:
		// Informational event types (last_trade_price, best_bid_ask,
		// new_market, market_resolved) carried through as their bare type
		// name; nothing downstream needs them yet.
		f.logger.Debug("ignoring event", "type", evt)
	default:
		f.logger.Debug("unhandled parsed message type", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// wsRouter implements hypersockets.Router for the Polymarket wire format:
// every frame is a JSON object carrying an "event_type" discriminator.
type wsRouter struct {
	channelType string
}

func (r wsRouter) Parse(raw hypersockets.WsMessage) (any, error) {
	text, ok := raw.AsText()
	if !ok {
		return nil, fmt.Errorf("exchange: unexpected binary ws frame")
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, fmt.Errorf("exchange: unmarshal envelope: %w", err)
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal([]byte(text), &evt); err != nil {
			return nil, fmt.Errorf("exchange: unmarshal book event: %w", err)
		}
		return evt, nil
	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal([]byte(text), &evt); err != nil {
			return nil, fmt.Errorf("exchange: unmarshal price_change event: %w", err)
		}
		return evt, nil
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal([]byte(text), &evt); err != nil {
			return nil, fmt.Errorf("exchange: unmarshal trade event: %w", err)
		}
		return evt, nil
	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal([]byte(text), &evt); err != nil {
			return nil, fmt.Errorf("exchange: unmarshal order event: %w", err)
		}
		return evt, nil
	case "tick_size_change":
		var evt types.WSTickSizeChangeEvent
		if err := json.Unmarshal([]byte(text), &evt); err != nil {
			return nil, fmt.Errorf("exchange: unmarshal tick_size_change event: %w", err)
		}
		return evt, nil
	case "last_trade_price", "best_bid_ask", "new_market", "market_resolved":
		return envelope.EventType, nil
	default:
		return nil, fmt.Errorf("exchange: unknown ws event type %q", envelope.EventType)
	}
}

// RouteKey assigns market events to their asset ID and every user event to
// the single "user" key, keeping account events totally ordered.
func (r wsRouter) RouteKey(msg any) string {
	switch evt := msg.(type) {
	case types.WSBookEvent:
		return evt.AssetID
	case types.WSPriceChangeEvent:
		if len(evt.PriceChanges) > 0 {
			return evt.PriceChanges[0].AssetID
		}
		return "market"
	case types.WSTickSizeChangeEvent:
		return evt.AssetID
	case types.WSTradeEvent, types.WSOrderEvent:
		return "user"
	default:
		return "info"
	}
}
