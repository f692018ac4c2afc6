package strategy

import (
	"sync"
	"time"

	"polymarket-mm/internal/solver"
	"polymarket-mm/pkg/types"
)

// Position is the flat, persistable view of one market's holdings. It is
// what the store writes to disk and what the dashboard renders; the live
// tracker below keeps richer per-leg state and projects into this shape
// on Snapshot.
type Position struct {
	YesQty        float64   `json:"yes_qty"`
	NoQty         float64   `json:"no_qty"`
	AvgEntryYes   float64   `json:"avg_entry_yes"`
	AvgEntryNo    float64   `json:"avg_entry_no"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Fill records a single execution.
type Fill struct {
	Timestamp time.Time  `json:"timestamp"`
	Side      types.Side `json:"side"`
	TokenID   string     `json:"token_id"`
	Price     float64    `json:"price"`
	Size      float64    `json:"size"`
	TradeID   string     `json:"trade_id"`
}

// leg is the per-token position record: how many tokens are held, the
// volume-weighted cost they were acquired at, and the PnL locked in by
// reductions so far. Each outcome token of the market gets one.
type leg struct {
	size     float64
	avgCost  float64
	realized float64
}

// absorb folds one fill into the leg. A buy re-averages the cost basis
// over the enlarged position; a sell realizes (price − avgCost) on the
// covered quantity. Selling more than is held closes the leg flat rather
// than going short — the ladder never intends a net-short outcome token,
// so an oversized sell is exchange-side dust, not a direction change.
func (l *leg) absorb(side types.Side, price, qty float64) {
	if side == types.BUY {
		newSize := l.size + qty
		if newSize > 0 {
			l.avgCost = (l.avgCost*l.size + price*qty) / newSize
		}
		l.size = newSize
		return
	}

	covered := qty
	if covered > l.size {
		covered = l.size
	}
	l.realized += (price - l.avgCost) * covered
	l.size -= qty
	if l.size <= 0 {
		l.size = 0
		l.avgCost = 0
	}
}

// markValue is what the leg is worth at the given token price.
func (l *leg) markValue(tokenPrice float64) float64 {
	return l.size * tokenPrice
}

// unrealized is the mark-to-market gain over cost basis.
func (l *leg) unrealized(tokenPrice float64) float64 {
	return l.size * (tokenPrice - l.avgCost)
}

// Inventory tracks one market's two outcome legs under a read-biased
// lock. The YES/NO pair is registered at construction, which is what
// makes merge detection possible: holding both legs means
// min(yes.size, no.size) pairs can be combined back into collateral, and
// whether that is worth doing depends only on the pair's combined cost
// basis.
type Inventory struct {
	mu       sync.RWMutex
	marketID string
	yesToken string
	noToken  string

	legs        map[string]*leg // tokenID → leg, exactly the two registered tokens
	unrealized  float64         // last mark-to-market, refreshed by UpdateMarkToMarket
	lastUpdated time.Time
}

// NewInventory creates the tracker for one market's registered token pair.
func NewInventory(marketID, yesToken, noToken string) *Inventory {
	return &Inventory{
		marketID: marketID,
		yesToken: yesToken,
		noToken:  noToken,
		legs: map[string]*leg{
			yesToken: {},
			noToken:  {},
		},
	}
}

// OnFill routes a fill to its token's leg. Fills for tokens outside the
// registered pair are ignored — they belong to another market's tracker.
func (inv *Inventory) OnFill(fill Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	l, ok := inv.legs[fill.TokenID]
	if !ok {
		return
	}
	l.absorb(fill.Side, fill.Price, fill.Size)
	inv.lastUpdated = time.Now()
}

// Snapshot projects the two legs into the flat Position shape.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	yes, no := inv.legs[inv.yesToken], inv.legs[inv.noToken]
	return Position{
		YesQty:        yes.size,
		NoQty:         no.size,
		AvgEntryYes:   yes.avgCost,
		AvgEntryNo:    no.avgCost,
		RealizedPnL:   yes.realized + no.realized,
		UnrealizedPnL: inv.unrealized,
		LastUpdated:   inv.lastUpdated,
	}
}

// NetDelta is the signed inventory imbalance in [−1, 1]: +1 all YES,
// −1 all NO, 0 balanced. The solver suppresses the overweight side's
// quotes once this passes its max-imbalance bound.
func (inv *Inventory) NetDelta() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	yes, no := inv.legs[inv.yesToken].size, inv.legs[inv.noToken].size
	if yes+no == 0 {
		return 0
	}
	return (yes - no) / (yes + no)
}

// TotalExposureUSD marks both legs at the current mid: a YES token trades
// at mid, the complementary NO token at 1 − mid.
func (inv *Inventory) TotalExposureUSD(midPrice float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.legs[inv.yesToken].markValue(midPrice) +
		inv.legs[inv.noToken].markValue(1-midPrice)
}

// UpdateMarkToMarket refreshes the cached unrealized PnL at the given mid.
func (inv *Inventory) UpdateMarkToMarket(midPrice float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.unrealized = inv.legs[inv.yesToken].unrealized(midPrice) +
		inv.legs[inv.noToken].unrealized(1-midPrice)
}

// MergeablePairs reports how many YES/NO pairs could be combined back
// into collateral right now, and whether doing so clears the fee buffer:
// a pair redeems exactly $1, so merging pays iff the combined cost basis
// sits below 1 − feeBuffer. profitable is false (with pairs still
// reported) when the pair exists but was acquired too expensively.
func (inv *Inventory) MergeablePairs(feeBuffer float64) (pairs float64, profitable bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	yes, no := inv.legs[inv.yesToken], inv.legs[inv.noToken]
	pairs = yes.size
	if no.size < pairs {
		pairs = no.size
	}
	if pairs <= 0 {
		return 0, false
	}
	return pairs, yes.avgCost+no.avgCost < 1-feeBuffer
}

// SetPosition restores the legs from a persisted flat Position. Realized
// PnL is attributed to the YES leg; only the sum is ever reported.
func (inv *Inventory) SetPosition(pos Position) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	*inv.legs[inv.yesToken] = leg{size: pos.YesQty, avgCost: pos.AvgEntryYes, realized: pos.RealizedPnL}
	*inv.legs[inv.noToken] = leg{size: pos.NoQty, avgCost: pos.AvgEntryNo}
	inv.unrealized = pos.UnrealizedPnL
	inv.lastUpdated = pos.LastUpdated
}

// SolverInventory converts the legs into the solver's integer-micros view
// (Up = YES, Down = NO), the form consumed directly by solver.Solve.
func (inv *Inventory) SolverInventory() solver.Inventory {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return solver.Inventory{
		UpSizeMicros:   toMicros(inv.legs[inv.yesToken].size),
		DownSizeMicros: toMicros(inv.legs[inv.noToken].size),
	}
}
