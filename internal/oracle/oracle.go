// Package oracle aggregates an external reference price per asset symbol
// from two families of WebSocket feeds — direct exchange price streams and
// signed-report streams — and mirrors the latest values into Redis so other
// processes (the dashboard, a second bot instance) can read them without
// opening their own feed connections.
//
// Each configured feed URL gets its own hypersockets.Client; all feeds
// write into the same in-process map, keyed by symbol, under a read-biased
// lock — readers (the sniper, once per watched market on every poll)
// vastly outnumber writers (one handler goroutine per feed).
package oracle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/hypersockets"
)

// Source identifies which feed family a price came from.
type Source int

const (
	// DirectExchange prices come from a raw exchange ticker/trade stream.
	DirectExchange Source = iota
	// SignedReport prices come from a cryptographically signed report feed.
	SignedReport
)

func (s Source) String() string {
	if s == SignedReport {
		return "signed_report"
	}
	return "direct_exchange"
}

// Price is the latest known reference price for a symbol. ReceivedAt is a
// wall-clock timestamp that also carries Go's monotonic reading, so both
// "how old is this on the wall" and "elapsed since receipt" questions are
// answerable from the one field.
type Price struct {
	Symbol     string
	Value      float64
	Source     Source
	FeedID     string // set for signed reports only
	ReceivedAt time.Time
	Latency    time.Duration // ReceivedAt − the report's own payload timestamp
}

// Manager holds the shared price map and an optional Redis mirror.
type Manager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	prices map[string]Price

	rdb *redis.Client // nil if CacheAddr is unset

	hsMgr *hypersockets.Manager
}

// New creates a Manager wired to every feed URL in cfg. Connections are not
// opened until Run is called. If cfg.CacheAddr is set, latest prices are
// also mirrored into Redis.
func New(cfg config.OracleConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "oracle")

	m := &Manager{
		logger: logger,
		prices: make(map[string]Price),
		hsMgr:  hypersockets.NewManager(logger),
	}

	if strings.TrimSpace(cfg.CacheAddr) != "" {
		m.rdb = redis.NewClient(&redis.Options{Addr: cfg.CacheAddr})
	}

	for i, url := range cfg.DirectFeedURLs {
		name := fmt.Sprintf("direct-%d", i)
		m.hsMgr.Add(name, newDirectClient(url, name, cfg.Symbols, m, logger))
	}
	for i, url := range cfg.ReportFeedURLs {
		name := fmt.Sprintf("report-%d", i)
		m.hsMgr.Add(name, newReportClient(url, name, cfg, m, logger))
	}

	return m
}

// Run starts every configured feed and blocks until ctx is cancelled or a
// feed exhausts its reconnect strategy.
func (m *Manager) Run(ctx context.Context) error {
	if m.rdb != nil {
		if err := m.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("oracle: redis ping: %w", err)
		}
		defer m.rdb.Close()
	}
	return m.hsMgr.Run(ctx)
}

// Get returns the latest price known for symbol and whether it has ever
// been observed.
func (m *Manager) Get(symbol string) (Price, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	return p, ok
}

// BpsAway returns the signed distance, in basis points, between the
// current reference price for symbol and target. Positive means the
// reference price is above target. ok is false if no price is known yet.
func (m *Manager) BpsAway(symbol string, target float64) (bps float64, ok bool) {
	p, found := m.Get(symbol)
	if !found || target == 0 {
		return 0, false
	}
	return (p.Value - target) / target * 10000, true
}

// record stores p as the latest value for its symbol. Signed reports take
// precedence over a direct-exchange value of the same age class: a direct
// tick never overwrites a signed report received less than one second
// ago, since the signed value is the one disputes settle against.
func (m *Manager) record(p Price) {
	m.mu.Lock()
	prev, had := m.prices[p.Symbol]
	if had && prev.Source == SignedReport && p.Source == DirectExchange &&
		time.Since(prev.ReceivedAt) < time.Second {
		m.mu.Unlock()
		return
	}
	m.prices[p.Symbol] = p
	m.mu.Unlock()

	if m.rdb == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := "oracle:price:" + p.Symbol
		fields := map[string]any{
			"value":       p.Value,
			"source":      p.Source.String(),
			"feed_id":     p.FeedID,
			"received_at": p.ReceivedAt.UnixNano(),
			"latency_ms":  p.Latency.Milliseconds(),
		}
		if err := m.rdb.HSet(ctx, key, fields).Err(); err != nil {
			m.logger.Warn("oracle: redis mirror write failed", "symbol", p.Symbol, "error", err)
		}
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Direct exchange feed
// ————————————————————————————————————————————————————————————————————————

// directEnvelope is the wire shape of a direct feed frame:
// {"topic":"prices","type":"price_update","timestamp":...,
//  "payload":{"symbol":"BTC","timestamp":...,"value":68123.4}}
// Timestamps are epoch milliseconds.
type directEnvelope struct {
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   struct {
		Symbol    string  `json:"symbol"`
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"payload"`
}

// directUpdate is the parsed form handed to the handler.
type directUpdate struct {
	Symbol    string
	Value     float64
	PayloadTs int64
}

// directRouter parses direct-exchange frames. All updates on one feed
// share the route key "prices": last-value-wins needs total order per feed,
// nothing more.
type directRouter struct{}

func (directRouter) Parse(raw hypersockets.WsMessage) (any, error) {
	text, ok := raw.AsText()
	if !ok {
		return nil, fmt.Errorf("oracle: binary frame on direct feed")
	}
	var env directEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, fmt.Errorf("oracle: decode direct frame: %w", err)
	}
	switch env.Type {
	case "price_update", "trade":
	case "subscribed", "heartbeat", "":
		// Control frames carry no price; surface them as their type name so
		// the handler can ignore them without a parse error in the log.
		return env.Type, nil
	default:
		return nil, fmt.Errorf("oracle: unknown direct frame type %q", env.Type)
	}
	if env.Payload.Symbol == "" {
		return nil, fmt.Errorf("oracle: direct frame missing payload.symbol")
	}
	return directUpdate{
		Symbol:    env.Payload.Symbol,
		Value:     env.Payload.Value,
		PayloadTs: env.Payload.Timestamp,
	}, nil
}

func (directRouter) RouteKey(any) string { return "prices" }

func newDirectClient(url, name string, symbols []string, mgr *Manager, logger *slog.Logger) *hypersockets.Client {
	handler := hypersockets.HandlerFunc(func(msg any) error {
		upd, ok := msg.(directUpdate)
		if !ok {
			return nil // control frame
		}
		now := time.Now()
		p := Price{
			Symbol:     upd.Symbol,
			Value:      upd.Value,
			Source:     DirectExchange,
			ReceivedAt: now,
		}
		if upd.PayloadTs > 0 {
			p.Latency = now.Sub(time.UnixMilli(upd.PayloadTs))
		}
		mgr.record(p)
		return nil
	})

	var subs []hypersockets.WsMessage
	if len(symbols) > 0 {
		frame, _ := json.Marshal(map[string]any{"type": "subscribe", "symbols": symbols})
		subs = append(subs, hypersockets.TextMessage(string(frame)))
	}

	cfg, err := hypersockets.NewClientConfig(hypersockets.ClientConfig{
		URL:           url,
		Router:        directRouter{},
		Handlers:      map[string]hypersockets.Handler{"prices": handler},
		Subscriptions: subs,
	})
	if err != nil {
		// URL and Router are always set above.
		logger.Error("oracle: invalid direct feed config", "feed", name, "error", err)
	}
	return hypersockets.NewClient(cfg, logger.With("feed", name))
}

// ————————————————————————————————————————————————————————————————————————
// Signed-report feed
// ————————————————————————————————————————————————————————————————————————

// reportEnvelope is one signed report: the feed_id it prices, the full
// signed report blob (kept verbatim for audit), and the decoded OHLC
// fields. observations_timestamp is epoch milliseconds.
type reportEnvelope struct {
	FeedID                string  `json:"feed_id"`
	FullReport            string  `json:"full_report"`
	ObservationsTimestamp int64   `json:"observations_timestamp"`
	Open                  float64 `json:"open"`
	High                  float64 `json:"high"`
	Low                   float64 `json:"low"`
	Close                 float64 `json:"close"`
}

// reportRouter parses signed-report frames and routes them by feed_id, so
// two feeds' reports can decode in parallel while any one feed's reports
// stay ordered.
type reportRouter struct{}

func (reportRouter) Parse(raw hypersockets.WsMessage) (any, error) {
	text, ok := raw.AsText()
	if !ok {
		return nil, fmt.Errorf("oracle: binary frame on report feed")
	}
	var rpt reportEnvelope
	if err := json.Unmarshal([]byte(text), &rpt); err != nil {
		return nil, fmt.Errorf("oracle: decode report: %w", err)
	}
	if rpt.FeedID == "" {
		return nil, fmt.Errorf("oracle: report missing feed_id")
	}
	if rpt.Close <= 0 {
		return nil, fmt.Errorf("oracle: report %s has no close price", rpt.FeedID)
	}
	return rpt, nil
}

func (reportRouter) RouteKey(msg any) string {
	if rpt, ok := msg.(reportEnvelope); ok {
		return rpt.FeedID
	}
	return "reports"
}

// streamsHeaders signs each (re)connect with the client ID and an
// HMAC-SHA256 over clientID+timestamp, computed fresh per attempt so the
// timestamp never goes stale across reconnects.
type streamsHeaders struct {
	clientID string
	secret   string
}

func (h streamsHeaders) Headers() (map[string]string, error) {
	if h.clientID == "" || h.secret == "" {
		return nil, fmt.Errorf("oracle: signed-report feed needs CHAINLINK_CLIENT_ID and STREAMS_SECRET")
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(h.clientID + ts))
	return map[string]string{
		"X-Client-Id": h.clientID,
		"X-Timestamp": ts,
		"X-Signature": hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

func newReportClient(url, name string, cfg config.OracleConfig, mgr *Manager, logger *slog.Logger) *hypersockets.Client {
	feedSymbols := cfg.FeedSymbols

	handler := hypersockets.HandlerFunc(func(msg any) error {
		rpt, ok := msg.(reportEnvelope)
		if !ok {
			return fmt.Errorf("oracle: unexpected message type %T", msg)
		}
		symbol, known := feedSymbols[rpt.FeedID]
		if !known {
			// A report for a feed we never asked about; drop quietly.
			return nil
		}
		now := time.Now()
		p := Price{
			Symbol:     symbol,
			Value:      rpt.Close,
			Source:     SignedReport,
			FeedID:     rpt.FeedID,
			ReceivedAt: now,
		}
		if rpt.ObservationsTimestamp > 0 {
			p.Latency = now.Sub(time.UnixMilli(rpt.ObservationsTimestamp))
		}
		mgr.record(p)
		return nil
	})

	var subs []hypersockets.WsMessage
	if len(feedSymbols) > 0 {
		ids := make([]string, 0, len(feedSymbols))
		for id := range feedSymbols {
			ids = append(ids, id)
		}
		frame, _ := json.Marshal(map[string]any{"type": "subscribe", "feed_ids": ids})
		subs = append(subs, hypersockets.TextMessage(string(frame)))
	}

	hcfg, err := hypersockets.NewClientConfig(hypersockets.ClientConfig{
		URL:            url,
		Router:         reportRouter{},
		DefaultHandler: handler,
		Headers: streamsHeaders{
			clientID: cfg.ChainlinkClientID,
			secret:   cfg.StreamsSecret,
		},
		Subscriptions: subs,
	})
	if err != nil {
		logger.Error("oracle: invalid report feed config", "feed", name, "error", err)
	}
	return hypersockets.NewClient(hcfg, logger.With("feed", name))
}
