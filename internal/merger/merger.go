// Package merger watches accumulated YES+NO inventory per market and, once
// a configured set of conditions all hold, calls the exchange's combine-
// positions endpoint to merge equal-sized pairs back into collateral at
// par. It is the strategy-level counterpart to the position tracker's
// "Merge" glossary entry: the tracker records inventory, this package
// decides when merging it is worthwhile and executes the call.
package merger

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/strategy"
	"polymarket-mm/pkg/types"
)

// scanInterval is how often registered markets are checked for a mergeable
// position. The config surface does not expose this (merger checks run
// opportunistically, on inventory it already has in memory), so it stays a
// small internal constant rather than another tunable.
const scanInterval = 5 * time.Second

// mergeClient is the subset of *exchange.Client the merger calls.
type mergeClient interface {
	MergePositions(ctx context.Context, conditionID string, size float64) (*types.MergeResponse, error)
}

// market bundles what the merger needs to evaluate and act on one
// registered market.
type market struct {
	conditionID string
	inventory   *strategy.Inventory
}

// Manager scans registered markets' inventory for mergeable YES/NO pairs.
type Manager struct {
	cfg     config.MergerConfig
	client  mergeClient
	logger  *slog.Logger
	onMerge func(conditionID string, size float64, txHash string)

	mu      sync.Mutex
	markets map[string]*market
}

// New creates a Manager. It does nothing until Register and Run are called.
// onMerge, if non-nil, is called once per successful merge so the engine can
// surface it on the dashboard; it may be nil.
func New(cfg config.MergerConfig, client mergeClient, logger *slog.Logger, onMerge func(conditionID string, size float64, txHash string)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("component", "merger"),
		onMerge: onMerge,
		markets: make(map[string]*market),
	}
}

// Register adds a market to the merger's watch list. Safe to call
// repeatedly for the same conditionID (replaces the prior registration).
func (m *Manager) Register(conditionID string, inv *strategy.Inventory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[conditionID] = &market{conditionID: conditionID, inventory: inv}
}

// Unregister removes a market from the watch list, e.g. when the engine
// stops trading it.
func (m *Manager) Unregister(conditionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markets, conditionID)
}

// Run polls registered markets on scanInterval until ctx is cancelled.
// A no-op if the merger is disabled in config.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

func (m *Manager) scanOnce(ctx context.Context) {
	m.mu.Lock()
	markets := make([]*market, 0, len(m.markets))
	for _, mk := range m.markets {
		markets = append(markets, mk)
	}
	m.mu.Unlock()

	for _, mk := range markets {
		size, ok := m.decide(mk.inventory)
		if !ok {
			continue
		}

		resp, err := m.client.MergePositions(ctx, mk.conditionID, size)
		if err != nil {
			m.logger.Error("merge call failed", "market", mk.conditionID, "size", size, "error", err)
			continue
		}
		if !resp.Success {
			m.logger.Warn("merge rejected", "market", mk.conditionID, "size", size, "error", resp.ErrorMsg)
			continue
		}
		m.logger.Info("merged position", "market", mk.conditionID, "size", size, "tx", resp.TxHash)
		if m.onMerge != nil {
			m.onMerge(mk.conditionID, size, resp.TxHash)
		}
	}
}

// decide applies the four merge-checker conditions: minimum pairs,
// profitability, imbalance, cost spread. Pair count and profitability come
// straight from the tracker's own MergeablePairs (the profit threshold
// doubles as the fee buffer — merging redeems $1 per pair, so the pair's
// combined cost basis must sit below 1 minus the threshold); the balance
// checks read the snapshot. size is the token quantity to merge (the
// smaller leg) if everything holds.
func (m *Manager) decide(inv *strategy.Inventory) (size float64, ok bool) {
	pairs, profitable := inv.MergeablePairs(m.cfg.MergeProfitThreshold)
	if pairs < float64(m.cfg.MinMergePairs) || !profitable {
		return 0, false
	}

	pos := inv.Snapshot()

	total := pos.YesQty + pos.NoQty
	if total > 0 {
		imbalance := math.Abs(pos.YesQty-pos.NoQty) / total
		if imbalance > m.cfg.MaxMergeImbalance {
			return 0, false
		}
	}

	if math.Abs(pos.AvgEntryYes-pos.AvgEntryNo) > m.cfg.MaxCostSpread {
		return 0, false
	}

	return pairs, true
}
