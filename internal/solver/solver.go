// Package solver computes target quote ladders for a binary market maker
// and diffs them against live orders. Solve is a pure function: given the
// same input it always produces the same output, with no I/O and no
// reliance on wall-clock time, so it can be property-tested directly.
package solver

import (
	"polymarket-mm/internal/orderbook"
)

// TokenSide identifies one leg of a binary market. A binary market always
// has an Up (YES) and a Down (NO) token whose prices sum to ~1.
type TokenSide int

const (
	Up TokenSide = iota
	Down
)

func (s TokenSide) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

// BookView is the pure-data snapshot of one token's book that solve reads.
// Taking a BookView (rather than a live *orderbook.Book) up front is what
// keeps solve itself side-effect-free: all mutable state is read exactly
// once, before solve runs.
type BookView struct {
	BestBidMicros     int64
	BestBidSizeMicros int64
	BestAskMicros     int64
	BestAskSizeMicros int64
}

// ViewFromBook snapshots the top of book into a BookView.
func ViewFromBook(b *orderbook.Book) BookView {
	bidP, bidS, _ := b.BestBid()
	askP, askS, _ := b.BestAsk()
	return BookView{
		BestBidMicros:     bidP,
		BestBidSizeMicros: bidS,
		BestAskMicros:     askP,
		BestAskSizeMicros: askS,
	}
}

// Inventory is the current position size, in micros, on each leg.
type Inventory struct {
	UpSizeMicros   int64
	DownSizeMicros int64
}

// Imbalance returns δ = (up − down) / (up + down) ∈ [−1, 1]. Positive
// means long Up relative to Down. Returns 0 when both sides are empty.
func (inv Inventory) Imbalance() float64 {
	total := inv.UpSizeMicros + inv.DownSizeMicros
	if total == 0 {
		return 0
	}
	return float64(inv.UpSizeMicros-inv.DownSizeMicros) / float64(total)
}

// ProfitabilityMode selects which level(s) of the ladder the profitability
// floor is checked against.
type ProfitabilityMode int

const (
	// BestLevel checks only level 0 of each side — the reading the
	// reference implementation's solve() loop actually calls.
	BestLevel ProfitabilityMode = iota
	// WorstCase checks every level, rejecting the ladder if any level's
	// combined price would breach the floor — a stricter, opt-in mode.
	WorstCase
)

// Config parameterizes ladder construction, the profitability floor, and
// the taker scan. All price/size fields are in micros.
type Config struct {
	NumLevels         int
	TickMicros        int64
	BaseOffsetMicros  int64 // base_offset: level L sits (L+1)*BaseOffsetMicros below best ask
	LevelSizeMicros   int64 // order size posted at every level
	MinProfitMargin   int64 // combined bid price must be below 1 - MinProfitMargin
	MaxImbalance      float64
	ProfitabilityMode ProfitabilityMode

	TakerEnabled     bool
	MaxTakerSize     int64
	MinTakerSize     int64
	DiffEpsilonTicks int64 // open order within this many ticks of a target level is kept; default 0 (half a tick if 0)
}

// OpenOrder is a live resting order as tracked by the OMS, on one side of
// one token.
type OpenOrder struct {
	OrderID     string
	TokenSide   TokenSide
	PriceMicros int64
	SizeMicros  int64
	SeqNum      int64 // monotonic placement order; lower is older, used for diff tie-breaks
}

// Input bundles everything solve needs. TokenIDs are carried through to
// the output unchanged so callers can attach them to REST order payloads.
type Input struct {
	Inventory   Inventory
	UpBook      BookView
	DownBook    BookView
	OpenOrders  []OpenOrder
	Config      Config
	UpTokenID   string
	DownTokenID string
}

// Quote is one level of a target ladder.
type Quote struct {
	Level       int
	PriceMicros int64
	SizeMicros  int64
}

// LimitOrder is a new order solve wants placed.
type LimitOrder struct {
	TokenSide   TokenSide
	TokenID     string
	PriceMicros int64
	SizeMicros  int64
	Level       int
}

// TakerOrder is a Fill-Or-Kill order solve wants sent immediately against
// the counter-side's resting ask.
type TakerOrder struct {
	TokenSide   TokenSide
	TokenID     string
	PriceMicros int64
	SizeMicros  int64
}

// Output is the full set of actions solve wants the executor to take.
type Output struct {
	Cancellations []string
	LimitOrders   []LimitOrder
	TakerOrders   []TakerOrder
}

// ActionCount is the total number of actions in out — used by the
// diff-idempotence property (solve applied twice against an unchanged
// book should yield ActionCount()==0 besides the first run's own
// placements being reflected back as open orders).
func (out Output) ActionCount() int {
	return len(out.Cancellations) + len(out.LimitOrders) + len(out.TakerOrders)
}

// Solve computes the target ladder, applies the profitability floor and
// inventory skew, scans for a taker opportunity, and diffs the result
// against open orders. It performs no I/O and reads time.Now nowhere;
// identical input always produces a structurally identical output.
func Solve(in Input) Output {
	cfg := in.Config

	upLadder := buildLadder(in.UpBook, cfg)
	downLadder := buildLadder(in.DownBook, cfg)

	if !profitable(upLadder, downLadder, cfg) {
		return Output{Cancellations: cancelAll(in.OpenOrders)}
	}

	delta := in.Inventory.Imbalance()
	if delta > cfg.MaxImbalance {
		upLadder = nil
	}
	if delta < -cfg.MaxImbalance {
		downLadder = nil
	}

	var taker *TakerOrder
	if cfg.TakerEnabled {
		taker = scanTaker(in, delta)
	}

	out := Output{}
	out.Cancellations = append(out.Cancellations, diffSide(Up, in.UpTokenID, upLadder, in.OpenOrders, cfg)...)
	out.Cancellations = append(out.Cancellations, diffSide(Down, in.DownTokenID, downLadder, in.OpenOrders, cfg)...)

	out.LimitOrders = append(out.LimitOrders, newPlacements(Up, in.UpTokenID, upLadder, in.OpenOrders, cfg)...)
	out.LimitOrders = append(out.LimitOrders, newPlacements(Down, in.DownTokenID, downLadder, in.OpenOrders, cfg)...)

	if taker != nil {
		out.TakerOrders = append(out.TakerOrders, *taker)
	}

	return out
}

func buildLadder(book BookView, cfg Config) []Quote {
	if book.BestAskMicros <= 0 {
		return nil
	}
	ladder := make([]Quote, 0, cfg.NumLevels)
	for level := 0; level < cfg.NumLevels; level++ {
		offset := cfg.BaseOffsetMicros * int64(level+1)
		price := floorToTick(book.BestAskMicros-offset, cfg.TickMicros)
		if price <= 0 {
			break
		}
		ladder = append(ladder, Quote{Level: level, PriceMicros: price, SizeMicros: cfg.LevelSizeMicros})
	}
	return ladder
}

func floorToTick(price, tick int64) int64 {
	if tick <= 0 {
		return price
	}
	return (price / tick) * tick
}

const oneMicros = 1_000_000

func profitable(up, down []Quote, cfg Config) bool {
	if len(up) == 0 || len(down) == 0 {
		return true // nothing to check when either ladder is empty
	}
	floor := oneMicros - cfg.MinProfitMargin

	if cfg.ProfitabilityMode == WorstCase {
		n := len(up)
		if len(down) < n {
			n = len(down)
		}
		for i := 0; i < n; i++ {
			if up[i].PriceMicros+down[i].PriceMicros >= floor {
				return false
			}
		}
		return true
	}

	return up[0].PriceMicros+down[0].PriceMicros < floor
}

func cancelAll(opens []OpenOrder) []string {
	ids := make([]string, len(opens))
	for i, o := range opens {
		ids[i] = o.OrderID
	}
	return ids
}

// scanTaker looks for an instant arbitrage: both legs' asks summing below
// the profitability floor, in which case the underweighted leg's ask is
// worth lifting immediately rather than waiting for a maker fill.
func scanTaker(in Input, delta float64) *TakerOrder {
	cfg := in.Config
	if in.UpBook.BestAskMicros <= 0 || in.DownBook.BestAskMicros <= 0 {
		return nil
	}
	combined := in.UpBook.BestAskMicros + in.DownBook.BestAskMicros
	floor := oneMicros - cfg.MinProfitMargin
	if combined >= floor {
		return nil
	}

	var side TokenSide
	var ask BookView
	var tokenID string
	switch {
	case delta > 0: // long Up, underweighted on Down
		side, ask, tokenID = Down, in.DownBook, in.DownTokenID
	case delta < 0:
		side, ask, tokenID = Up, in.UpBook, in.UpTokenID
	default:
		return nil
	}

	remaining := absInt64(in.Inventory.UpSizeMicros - in.Inventory.DownSizeMicros)
	size := minInt64(ask.BestAskSizeMicros, remaining, cfg.MaxTakerSize)
	if size < cfg.MinTakerSize || size <= 0 {
		return nil
	}

	return &TakerOrder{TokenSide: side, TokenID: tokenID, PriceMicros: ask.BestAskMicros, SizeMicros: size}
}

func diffEpsilon(cfg Config) int64 {
	if cfg.DiffEpsilonTicks > 0 {
		return cfg.DiffEpsilonTicks * cfg.TickMicros
	}
	return cfg.TickMicros / 2
}

// diffSide returns the order IDs on tokenSide that should be cancelled:
// any open order whose price matches no remaining target level. Orders
// that do match a level are consumed (oldest first) so a target level
// claims at most one open order.
func diffSide(tokenSide TokenSide, tokenID string, ladder []Quote, opens []OpenOrder, cfg Config) []string {
	sideOpens := filterSide(opens, tokenSide)
	sortBySeq(sideOpens)

	eps := diffEpsilon(cfg)
	claimed := make([]bool, len(ladder))

	var cancellations []string
	for _, o := range sideOpens {
		matched := false
		for i, q := range ladder {
			if claimed[i] {
				continue
			}
			if absInt64(o.PriceMicros-q.PriceMicros) <= eps {
				claimed[i] = true
				matched = true
				break
			}
		}
		if !matched {
			cancellations = append(cancellations, o.OrderID)
		}
	}
	return cancellations
}

// newPlacements returns the target levels with no matching open order.
func newPlacements(tokenSide TokenSide, tokenID string, ladder []Quote, opens []OpenOrder, cfg Config) []LimitOrder {
	sideOpens := filterSide(opens, tokenSide)
	sortBySeq(sideOpens)

	eps := diffEpsilon(cfg)
	claimedOpen := make([]bool, len(sideOpens))

	var placements []LimitOrder
	for _, q := range ladder {
		matched := false
		for i, o := range sideOpens {
			if claimedOpen[i] {
				continue
			}
			if absInt64(o.PriceMicros-q.PriceMicros) <= eps {
				claimedOpen[i] = true
				matched = true
				break
			}
		}
		if !matched {
			placements = append(placements, LimitOrder{
				TokenSide:   tokenSide,
				TokenID:     tokenID,
				PriceMicros: q.PriceMicros,
				SizeMicros:  q.SizeMicros,
				Level:       q.Level,
			})
		}
	}
	return placements
}

func filterSide(opens []OpenOrder, side TokenSide) []OpenOrder {
	out := make([]OpenOrder, 0, len(opens))
	for _, o := range opens {
		if o.TokenSide == side {
			out = append(out, o)
		}
	}
	return out
}

// sortBySeq orders by SeqNum ascending (oldest first) via simple
// insertion sort — order lists per side are small (a handful of levels).
func sortBySeq(opens []OpenOrder) {
	for i := 1; i < len(opens); i++ {
		for j := i; j > 0 && opens[j-1].SeqNum > opens[j].SeqNum; j-- {
			opens[j-1], opens[j] = opens[j], opens[j-1]
		}
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt64(values ...int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
