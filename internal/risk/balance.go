package risk

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-mm/pkg/types"
)

// balanceClient is the subset of *exchange.Client the balance manager polls.
type balanceClient interface {
	GetBalanceAllowance(ctx context.Context, assetType, tokenID string) (*types.BalanceAllowance, error)
}

// pollInterval is fixed at 1s per the balance manager's halt-gate contract:
// the pivot/current comparison needs to react within a second of a real
// drawdown, and polling the REST endpoint faster buys nothing since
// balance only changes on settlement, not on every book tick.
const pollInterval = time.Second

// BalanceManager tracks a pivot (high-watermark) collateral balance and
// halts trading hard if the current balance falls below HaltThreshold of
// that pivot. Unlike Manager's PnL/exposure/price-shock checks — which are
// about the bot's own trading behavior — this is a backstop against a
// counterparty or settlement failure silently draining the account.
type BalanceManager struct {
	client        balanceClient
	haltThreshold float64
	logger        *slog.Logger
	onHalt        func()

	mu      sync.RWMutex
	pivot   float64
	current float64

	halted atomic.Bool
}

// NewBalanceManager creates a BalanceManager. haltThreshold is the
// fraction of pivot the halt trips below (RiskConfig.HaltThreshold).
// onHalt, if non-nil, is invoked exactly once per halt transition (not on
// every poll) so the caller can cancel all resting orders immediately
// rather than waiting for the next strategy tick to observe Halted().
func NewBalanceManager(client balanceClient, haltThreshold float64, logger *slog.Logger, onHalt func()) *BalanceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceManager{
		client:        client,
		haltThreshold: haltThreshold,
		logger:        logger.With("component", "balance_manager"),
		onHalt:        onHalt,
	}
}

// SetPivot restores a persisted high-watermark. It only ever raises the
// pivot — a stale saved value can never weaken a watermark the live
// polling has already established.
func (bm *BalanceManager) SetPivot(pivot float64) {
	bm.mu.Lock()
	if pivot > bm.pivot {
		bm.pivot = pivot
	}
	bm.mu.Unlock()
}

// Run polls the collateral balance every second until ctx is cancelled.
func (bm *BalanceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bm.poll(ctx)
		}
	}
}

func (bm *BalanceManager) poll(ctx context.Context) {
	bal, err := bm.client.GetBalanceAllowance(ctx, "COLLATERAL", "")
	if err != nil {
		bm.logger.Warn("balance poll failed", "error", err)
		return
	}
	current, err := strconv.ParseFloat(bal.Balance, 64)
	if err != nil {
		bm.logger.Warn("balance parse failed", "raw", bal.Balance, "error", err)
		return
	}

	bm.mu.Lock()
	bm.current = current
	if current > bm.pivot {
		bm.pivot = current
	}
	pivot := bm.pivot
	bm.mu.Unlock()

	if pivot <= 0 {
		return
	}

	floor := pivot * bm.haltThreshold
	if current < floor {
		if !bm.halted.Swap(true) {
			bm.logger.Error("BALANCE HALT",
				"pivot", pivot,
				"current", current,
				"floor", floor,
				"drawdown_pct", (pivot-current)/pivot*100,
			)
			if bm.onHalt != nil {
				bm.onHalt()
			}
		}
		return
	}

	if bm.halted.Swap(false) {
		bm.logger.Info("balance halt cleared", "pivot", pivot, "current", current)
	}
}

// Halted reports whether the account has dropped below HaltThreshold of
// its high-watermark. Each market's Maker checks this at the start of every
// tick: while halted it cancels its resting orders and places nothing new.
func (bm *BalanceManager) Halted() bool {
	return bm.halted.Load()
}

// Snapshot returns the current pivot/current balance pair for the dashboard.
func (bm *BalanceManager) Snapshot() (pivot, current float64) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.pivot, bm.current
}
