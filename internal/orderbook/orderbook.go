// Package orderbook maintains a single token's bid/ask ladder as exact
// integer prices, applying both full snapshots and incremental
// price_change deltas from the market WebSocket feed.
//
// Prices and sizes are stored as integer micros (1e6 scale) rather than
// floats so that level comparisons, diffing, and crossed-book checks are
// exact instead of epsilon-guarded.
package orderbook

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const microsScale = 1_000_000

// Side identifies which side of the book a level belongs to.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is a single price/size pair expressed in integer micros.
type Level struct {
	PriceMicros int64
	SizeMicros  int64
}

// ParseMicros converts a decimal string (as returned by the CLOB API) into
// integer micros. Parsing goes through shopspring/decimal rather than
// float64 so a price like "0.29" scales to exactly 290000. Values that
// don't parse, or that don't fit an int64 once scaled, are rejected so the
// caller can drop the single update rather than corrupt the book.
func ParseMicros(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("orderbook: invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("orderbook: out-of-range decimal %q", s)
	}
	scaled := d.Shift(6).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("orderbook: decimal %q overflows micros", s)
	}
	return scaled.IntPart(), nil
}

// FormatMicros renders micros back to a decimal string with up to 6
// fractional digits, trimming trailing zeros.
func FormatMicros(v int64) string {
	return strconv.FormatFloat(float64(v)/microsScale, 'f', -1, 64)
}

// Book is one token's live order book: bids sorted descending, asks
// ascending, both keyed by exact integer price so no two levels can
// collide due to float rounding.
type Book struct {
	mu sync.RWMutex

	bids    map[int64]int64
	asks    map[int64]int64
	bidKeys []int64 // descending
	askKeys []int64 // ascending

	hash      string
	updatedAt time.Time

	// tickMicros/decimals track the market's live price granularity, set
	// from tick_size_change events. Zero until the first event arrives;
	// callers fall back to the market's static metadata in that case.
	tickMicros int64
	decimals   int
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: make(map[int64]int64),
		asks: make(map[int64]int64),
	}
}

// ApplySnapshot replaces both sides of the book atomically. A crossed
// snapshot (best bid >= best ask) is accepted as given — the server is the
// source of truth for a full snapshot — but the crossed condition is
// reported via IsCrossed for callers that want to react defensively.
func (b *Book) ApplySnapshot(bids, asks []Level, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[int64]int64, len(bids))
	b.bidKeys = b.bidKeys[:0]
	for _, lvl := range bids {
		if lvl.SizeMicros <= 0 {
			continue
		}
		b.bids[lvl.PriceMicros] = lvl.SizeMicros
		b.bidKeys = append(b.bidKeys, lvl.PriceMicros)
	}
	sort.Sort(sort.Reverse(int64Slice(b.bidKeys)))

	b.asks = make(map[int64]int64, len(asks))
	b.askKeys = b.askKeys[:0]
	for _, lvl := range asks {
		if lvl.SizeMicros <= 0 {
			continue
		}
		b.asks[lvl.PriceMicros] = lvl.SizeMicros
		b.askKeys = append(b.askKeys, lvl.PriceMicros)
	}
	sort.Sort(int64Slice(b.askKeys))

	b.hash = hash
	b.updatedAt = time.Now()
}

// ApplyPriceChange applies a single incremental level update. sizeMicros
// of 0 removes the level; otherwise the level is inserted or its size is
// overwritten. A change that would cross the book (e.g. a bid placed at
// or above the current best ask) is applied defensively: the update is
// still recorded, since the server is authoritative, but the caller should
// treat IsCrossed()==true as a signal to widen or pause quoting rather
// than reject the update — a locally rejected update would leave the book
// silently diverged from the server's.
func (b *Book) ApplyPriceChange(side Side, priceMicros, sizeMicros int64, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch side {
	case Bid:
		b.applyLevel(&b.bids, &b.bidKeys, priceMicros, sizeMicros, true)
	case Ask:
		b.applyLevel(&b.asks, &b.askKeys, priceMicros, sizeMicros, false)
	}

	b.hash = hash
	b.updatedAt = time.Now()
}

func (b *Book) applyLevel(levels *map[int64]int64, keys *[]int64, price, size int64, desc bool) {
	_, existed := (*levels)[price]

	if size <= 0 {
		if existed {
			delete(*levels, price)
			*keys = removeKey(*keys, price)
		}
		return
	}

	(*levels)[price] = size
	if !existed {
		*keys = insertSorted(*keys, price, desc)
	}
}

// BestBid returns the highest bid price/size, or ok=false if there are no bids.
func (b *Book) BestBid() (price, size int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bidKeys) == 0 {
		return 0, 0, false
	}
	p := b.bidKeys[0]
	return p, b.bids[p], true
}

// BestAsk returns the lowest ask price/size, or ok=false if there are no asks.
func (b *Book) BestAsk() (price, size int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.askKeys) == 0 {
		return 0, 0, false
	}
	p := b.askKeys[0]
	return p, b.asks[p], true
}

// Spread returns best_ask - best_bid in micros, or ok=false if either side
// is empty.
func (b *Book) Spread() (int64, bool) {
	bidP, _, bidOK := b.BestBid()
	askP, _, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return 0, false
	}
	return askP - bidP, true
}

// IsCrossed reports whether best_bid >= best_ask with both sides non-empty.
func (b *Book) IsCrossed() bool {
	bidP, _, bidOK := b.BestBid()
	askP, _, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return false
	}
	return bidP >= askP
}

// Walk sweeps levels from the top of side to fill targetSizeMicros,
// returning the size-weighted average price actually available and the
// size that could be filled (which may be less than requested if the
// book is too thin). Used by the taker scan and by sweep-cost estimation.
func (b *Book) Walk(side Side, targetSizeMicros int64) (avgPriceMicros int64, filledMicros int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []int64
	var levels map[int64]int64
	if side == Bid {
		keys, levels = b.bidKeys, b.bids
	} else {
		keys, levels = b.askKeys, b.asks
	}

	remaining := targetSizeMicros
	var weightedSum float64
	var filled int64
	for _, p := range keys {
		if remaining <= 0 {
			break
		}
		sz := levels[p]
		take := sz
		if take > remaining {
			take = remaining
		}
		weightedSum += float64(p) * float64(take)
		filled += take
		remaining -= take
	}
	if filled == 0 {
		return 0, 0
	}
	return int64(weightedSum / float64(filled)), filled
}

// SetTickSize records a new price granularity for this token, from a
// tick_size_change event. Existing levels are left untouched: the server
// re-sends levels on the new grid itself, and resting-order re-quantisation
// is a strategy decision, not a book one.
func (b *Book) SetTickSize(tickMicros int64, decimals int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickMicros = tickMicros
	b.decimals = decimals
	b.updatedAt = time.Now()
}

// TickSize returns the live tick size in micros and its decimal precision.
// ok is false until a tick_size_change event has been observed.
func (b *Book) TickSize() (tickMicros int64, decimals int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tickMicros, b.decimals, b.tickMicros > 0
}

// Hash returns the last-applied server hash, for staleness comparisons.
func (b *Book) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash
}

// UpdatedAt returns when the book last changed.
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// Snapshot returns a copy of both sides for read-only inspection (e.g. by
// the solver, which needs a stable view while it computes a ladder).
func (b *Book) Snapshot() (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]Level, len(b.bidKeys))
	for i, p := range b.bidKeys {
		bids[i] = Level{PriceMicros: p, SizeMicros: b.bids[p]}
	}
	asks = make([]Level, len(b.askKeys))
	for i, p := range b.askKeys {
		asks[i] = Level{PriceMicros: p, SizeMicros: b.asks[p]}
	}
	return bids, asks
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// insertSorted inserts v into a slice kept sorted ascending (desc=false)
// or descending (desc=true), via binary search.
func insertSorted(keys []int64, v int64, desc bool) []int64 {
	idx := sort.Search(len(keys), func(i int) bool {
		if desc {
			return keys[i] <= v
		}
		return keys[i] >= v
	})
	keys = append(keys, 0)
	copy(keys[idx+1:], keys[idx:])
	keys[idx] = v
	return keys
}

func removeKey(keys []int64, v int64) []int64 {
	for i, k := range keys {
		if k == v {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
