// Package market provides local order book management and market discovery.
//
// Book mirrors the CLOB order book for a single binary market (YES + NO tokens).
// It is updated from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplyBookEvent (full snapshots) and ApplyPriceChange
//     (incremental updates)
//
// The underlying per-token ladders live in internal/orderbook, which stores
// exact integer-micros prices; Book translates the CLOB's decimal-string
// wire format at the boundary and exposes float64 views for callers (the
// REST layer, API snapshots) that don't need micros precision.
package market

import (
	"log/slog"
	"sync"
	"time"

	"polymarket-mm/internal/orderbook"
	"polymarket-mm/pkg/types"
)

// Book maintains a local mirror of the order book for one market.
// It tracks both the YES and NO token books; the quote solver reads both
// (YES as the Up leg, NO as the Down leg).
type Book struct {
	mu       sync.RWMutex
	marketID string
	yesToken string // YES token asset ID
	noToken  string // NO token asset ID
	yes      *orderbook.Book
	no       *orderbook.Book
	updated  time.Time // last time any book data arrived
	logger   *slog.Logger
}

// NewBook creates a new local order book for a market.
func NewBook(marketID, yesToken, noToken string) *Book {
	return &Book{
		marketID: marketID,
		yesToken: yesToken,
		noToken:  noToken,
		yes:      orderbook.New(),
		no:       orderbook.New(),
		logger:   slog.Default(),
	}
}

// ApplyBookEvent replaces the book for one token with a full snapshot.
func (b *Book) ApplyBookEvent(event types.WSBookEvent) {
	b.applySnapshot(event.AssetID, event.Buys, event.Sells, event.Hash)
}

// ApplyBookResponse applies a REST API book response.
func (b *Book) ApplyBookResponse(resp *types.BookResponse) {
	b.applySnapshot(resp.AssetID, resp.Bids, resp.Asks, resp.Hash)
}

func (b *Book) applySnapshot(assetID string, bids, asks []types.PriceLevel, hash string) {
	bidLevels := b.toMicrosLevels(bids)
	askLevels := b.toMicrosLevels(asks)

	b.mu.Lock()
	defer b.mu.Unlock()

	tok := b.bookFor(assetID)
	if tok == nil {
		return
	}
	tok.ApplySnapshot(bidLevels, askLevels, hash)
	b.updated = time.Now()
}

// ApplyPriceChange applies an incremental price_change event, one level
// per change, to the book matching each change's asset ID.
func (b *Book) ApplyPriceChange(event types.WSPriceChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pc := range event.PriceChanges {
		tok := b.bookFor(pc.AssetID)
		if tok == nil {
			continue
		}

		price, err := orderbook.ParseMicros(pc.Price)
		if err != nil {
			b.logger.Warn("market: dropping price_change with unparsable price", "asset_id", pc.AssetID, "price", pc.Price, "error", err)
			continue
		}
		size, err := orderbook.ParseMicros(pc.Size)
		if err != nil {
			b.logger.Warn("market: dropping price_change with unparsable size", "asset_id", pc.AssetID, "size", pc.Size, "error", err)
			continue
		}

		side := orderbook.Bid
		if pc.Side == "SELL" {
			side = orderbook.Ask
		}
		tok.ApplyPriceChange(side, price, size, pc.Hash)

		if tok.IsCrossed() {
			b.logger.Warn("market: book crossed after price_change, applied defensively", "asset_id", pc.AssetID, "market", b.marketID)
		}
	}
	b.updated = time.Now()
}

// ApplyTickSizeChange records a new price granularity for the affected
// token. Deciding what to do with resting orders now off-grid is left to
// the strategy, which reads LiveTickSize on its next quote pass.
func (b *Book) ApplyTickSizeChange(event types.WSTickSizeChangeEvent) {
	newTick, err := orderbook.ParseMicros(event.NewTickSize)
	if err != nil || newTick <= 0 {
		b.logger.Warn("market: dropping tick_size_change with unparsable tick",
			"asset_id", event.AssetID, "new_tick_size", event.NewTickSize, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tok := b.bookFor(event.AssetID)
	if tok == nil {
		return
	}
	tok.SetTickSize(newTick, decimalsForTick(newTick))
	b.updated = time.Now()
	b.logger.Info("market: tick size changed",
		"asset_id", event.AssetID, "old", event.OldTickSize, "new", event.NewTickSize)
}

// LiveTickSize returns the YES token's server-announced tick size in micros,
// or ok=false if no tick_size_change has arrived yet (callers then use the
// static tick size from market metadata).
func (b *Book) LiveTickSize() (tickMicros int64, ok bool) {
	b.mu.RLock()
	yes := b.yes
	b.mu.RUnlock()

	tick, _, ok := yes.TickSize()
	return tick, ok
}

// decimalsForTick maps a tick in micros to its decimal precision:
// 100000 -> 1 (0.1), 10000 -> 2 (0.01), 1000 -> 3, 100 -> 4.
func decimalsForTick(tickMicros int64) int {
	dec := 0
	for v := tickMicros; v > 0 && v < 1_000_000; v *= 10 {
		dec++
	}
	return dec
}

func (b *Book) bookFor(assetID string) *orderbook.Book {
	switch assetID {
	case b.yesToken:
		return b.yes
	case b.noToken:
		return b.no
	default:
		return nil
	}
}

func (b *Book) toMicrosLevels(levels []types.PriceLevel) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, lvl := range levels {
		price, err := orderbook.ParseMicros(lvl.Price)
		if err != nil {
			continue
		}
		size, err := orderbook.ParseMicros(lvl.Size)
		if err != nil {
			continue
		}
		out = append(out, orderbook.Level{PriceMicros: price, SizeMicros: size})
	}
	return out
}

// MidPrice returns the mid price for the YES token, computed as
// (bestBid + bestAsk) / 2. Returns false if the book is empty on either side.
// The maker uses it to convert USD level sizes to tokens and to value
// exposure for risk checks; ladder prices come from each book's best ask.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	if bid == 0 && ask == 0 {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// BestBidAsk returns the best bid and ask for the YES token as decimals.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	yes := b.yes
	b.mu.RUnlock()

	bidP, _, bidOK := yes.BestBid()
	askP, _, askOK := yes.BestAsk()
	if !bidOK || !askOK {
		return 0, 0, false
	}
	return microsToFloat(bidP), microsToFloat(askP), true
}

// YesBook returns the underlying integer-micros book for the YES token,
// for callers (the solver, the taker scanner) that need exact levels
// rather than the float64 convenience view.
func (b *Book) YesBook() *orderbook.Book {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.yes
}

// NoBook returns the underlying integer-micros book for the NO token.
func (b *Book) NoBook() *orderbook.Book {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.no
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func microsToFloat(v int64) float64 {
	return float64(v) / 1_000_000
}
