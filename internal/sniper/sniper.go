// Package sniper implements the opportunity-monitor strategy: a per-market
// tracker that watches the YES book of markets close to resolution for a
// stale no-asks condition, and fires a Fill-Or-Kill buy of YES at its best
// bid when the reference oracle price is far enough from price_to_beat, in
// either direction, to make the missing asks a pricing error rather than
// genuine uncertainty. The NO book is not watched.
//
// Unlike the market-making Maker, the sniper owns no resting orders and
// never cancels: its only action is a single defensive taker buy per
// opportunity, gated by a guardian safety margin so oracle noise can't
// trigger a bad fill.
package sniper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/store/marketdb"
	"polymarket-mm/pkg/types"
)

// priceOracle is the subset of oracle.Manager the sniper depends on.
type priceOracle interface {
	BpsAway(symbol string, target float64) (bps float64, ok bool)
}

// snipeClient is the subset of *exchange.Client the sniper calls.
type snipeClient interface {
	PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error)
	GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error)
}

// watch is one market under observation.
type watch struct {
	info        types.MarketInfo
	book        *market.Book
	firedAt     time.Time // zero until a shot has been taken, so we never double-fire
	lastAskSeen time.Time // last time this market's YES book had a resting ask
}

// Monitor is the opportunity-monitor. Register markets as they're
// discovered (via marketdb), then call Run to start polling them.
type Monitor struct {
	cfg    config.SniperConfig
	client snipeClient
	oracle priceOracle
	logger *slog.Logger
	onFire func(conditionID string, price, size float64)

	mu      sync.Mutex
	watches map[string]*watch

	heartbeat int
}

// New creates a Monitor. client and o are interfaces so tests can
// substitute fakes; production callers pass *exchange.Client and
// *oracle.Manager respectively. onFire, if non-nil, is called once per
// successful defensive buy so the engine can surface it on the dashboard;
// it may be nil.
func New(cfg config.SniperConfig, client snipeClient, o priceOracle, logger *slog.Logger, onFire func(conditionID string, price, size float64)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		client:  client,
		oracle:  o,
		logger:  logger.With("component", "sniper"),
		onFire:  onFire,
		watches: make(map[string]*watch),
	}
}

// Register adds a market to the watch list, backed by the live order book
// the engine already maintains for it.
func (m *Monitor) Register(info types.MarketInfo, book *market.Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[info.ConditionID] = &watch{info: info, book: book, lastAskSeen: time.Now()}
}

// Unregister drops a market from the watch list.
func (m *Monitor) Unregister(conditionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, conditionID)
}

// RegisterDiscovered registers every row returned by a marketdb lookup that
// isn't already tracked. Callers poll ListMarketsExpiringWithin on
// cfg.PollInterval and feed the rows here; books are populated separately
// as the engine starts trading each market.
func (m *Monitor) RegisterDiscovered(rows []marketdb.MarketRow, bookFor func(conditionID string) *market.Book) {
	for _, row := range rows {
		book := bookFor(row.ConditionID)
		if book == nil {
			continue
		}
		m.mu.Lock()
		if _, exists := m.watches[row.ConditionID]; !exists {
			m.watches[row.ConditionID] = &watch{
				info: types.MarketInfo{
					ConditionID: row.ConditionID,
					Slug:        row.Slug,
					Question:    row.Question,
					YesTokenID:  row.YesTokenID,
					NoTokenID:   row.NoTokenID,
					AssetSymbol: row.AssetSymbol,
					Timeframe:   row.Timeframe,
					PriceToBeat: row.PriceToBeat,
					EndDate:     row.EndDate,
				},
				book:        book,
				lastAskSeen: time.Now(),
			}
		}
		m.mu.Unlock()
	}
}

// Run polls every registered market on cfg.PollInterval until ctx is
// cancelled. A no-op if the sniper is disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}

	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	for _, w := range watches {
		m.evaluate(ctx, w)
	}

	m.heartbeat++
	if m.cfg.HeartbeatEvery > 0 && m.heartbeat%m.cfg.HeartbeatEvery == 0 {
		m.logger.Info("sniper heartbeat", "watching", len(watches))
	}
}

// dynamicThreshold returns how long the YES book may go without a resting
// ask before it's treated as stale, as a function of time remaining until
// resolution. It decays from Max (far from resolution, be patient) to Min
// (seconds from resolution, fire fast) with time constant Tau.
func (m *Monitor) dynamicThreshold(timeToResolution time.Duration) time.Duration {
	x := timeToResolution.Seconds()
	if x < 0 {
		x = 0
	}
	tau := m.cfg.DynamicThresholdTau.Seconds()
	if tau <= 0 {
		tau = 30
	}
	lo := m.cfg.DynamicThresholdMin.Seconds()
	hi := m.cfg.DynamicThresholdMax.Seconds()
	if hi <= lo {
		return m.cfg.DynamicThresholdMin
	}
	decayed := hi - (hi-lo)*math.Exp(-x/tau)
	return time.Duration(decayed * float64(time.Second))
}

func (m *Monitor) evaluate(ctx context.Context, w *watch) {
	if !w.firedAt.IsZero() {
		return
	}

	timeToRes := time.Until(w.info.EndDate)
	if timeToRes > m.cfg.ExpiringWithin {
		return
	}

	_, _, askOK := w.book.YesBook().BestAsk()
	if askOK {
		w.lastAskSeen = time.Now()
		return
	}

	// Inside the final-seconds bypass window, the dynamic-threshold wait
	// is skipped outright: a no-asks condition this close to resolution
	// fires on sight rather than waiting out a staleness timer that's
	// moot by now. The guardian safety check below is never bypassed.
	if timeToRes > m.cfg.FinalSecondsBypass {
		threshold := m.dynamicThreshold(timeToRes)
		if time.Since(w.lastAskSeen) < threshold {
			return
		}
	}

	// No resting ask for longer than the dynamic threshold allows. Confirm
	// the reference price has actually moved past price_to_beat by enough
	// to make the missing ask a mispricing, not noise.
	bps, ok := m.oracle.BpsAway(w.info.AssetSymbol, w.info.PriceToBeat)
	if !ok {
		return
	}
	required := m.cfg.OracleBpsThreshold + m.cfg.GuardianSafetyBps
	if math.Abs(bps) < required {
		return
	}

	bid, _, bidOK := w.book.YesBook().BestBid()
	if !bidOK {
		return
	}

	if err := m.fire(ctx, w, microsToFloat(bid)); err != nil {
		m.logger.Error("sniper fire failed", "market", w.info.ConditionID, "error", err)
		return
	}
	w.firedAt = time.Now()
}

func (m *Monitor) fire(ctx context.Context, w *watch, bidPrice float64) error {
	bal, err := m.client.GetBalanceAllowance(ctx, "COLLATERAL", "")
	if err != nil {
		return fmt.Errorf("sniper: get balance: %w", err)
	}
	collateral, err := parseBalance(bal.Balance)
	if err != nil {
		return fmt.Errorf("sniper: parse balance: %w", err)
	}

	notional := collateral * m.cfg.OrderPctOfCollateral
	if notional <= 0 || bidPrice <= 0 {
		return fmt.Errorf("sniper: non-positive order size (notional=%v price=%v)", notional, bidPrice)
	}
	size := notional / bidPrice

	order := types.UserOrder{
		TokenID:   w.info.YesTokenID,
		Price:     bidPrice,
		Size:      size,
		Side:      types.BUY,
		OrderType: types.OrderTypeFOK,
		TickSize:  w.info.TickSize,
	}

	results, err := m.client.PostOrders(ctx, []types.UserOrder{order}, w.info.NegRisk)
	if err != nil {
		return fmt.Errorf("sniper: post FOK order: %w", err)
	}
	for _, r := range results {
		if !r.Success {
			return fmt.Errorf("sniper: order rejected: %s", r.ErrorMsg)
		}
	}
	m.logger.Info("sniper fired", "market", w.info.ConditionID, "price", bidPrice, "size", size)
	if m.onFire != nil {
		m.onFire(w.info.ConditionID, bidPrice, size)
	}
	return nil
}

func microsToFloat(v int64) float64 { return float64(v) / 1_000_000 }

func parseBalance(s string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, err
	}
	return f, nil
}
