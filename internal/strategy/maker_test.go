package strategy

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/solver"
	"polymarket-mm/pkg/types"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		NumLevels:               3,
		BaseOffset:              0.01,
		LevelSizeUSD:            10,
		MinProfitMargin:         0.01,
		MaxImbalance:            0.5,
		ProfitabilityMode:       "best_level",
		RefreshInterval:         5 * time.Second,
		StaleBookTimeout:        30 * time.Second,
		FlowWindow:              60 * time.Second,
		FlowToxicityThreshold:   0.6,
		FlowCooldownPeriod:      120 * time.Second,
		FlowMaxSpreadMultiplier: 3.0,
	}
}

func testMarketInfo() types.MarketInfo {
	return types.MarketInfo{
		ConditionID:  "cond-1",
		YesTokenID:   "yes-token",
		NoTokenID:    "no-token",
		TickSize:     types.Tick001,
		MinOrderSize: 1.0,
	}
}

func setupMaker(cfg config.StrategyConfig, info types.MarketInfo) *Maker {
	b := market.NewBook(info.ConditionID, info.YesTokenID, info.NoTokenID)
	inv := NewInventory(info.ConditionID, info.YesTokenID, info.NoTokenID)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return &Maker{
		cfg:            cfg,
		marketInfo:     info,
		book:           b,
		inventory:      inv,
		flow:           NewFlowMonitor(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		activeOrders:   make(map[string]types.OpenOrder),
		orderSeq:       make(map[string]int64),
		inFlight:       NewInFlightTracker(),
		pendingCancels: make(map[string]time.Time),
		logger:         logger,
	}
}

func seedBook(m *Maker, bidPrice, askPrice string) {
	m.book.ApplyBookResponse(&types.BookResponse{
		AssetID: m.marketInfo.YesTokenID,
		Bids:    []types.PriceLevel{{Price: bidPrice, Size: "100"}},
		Asks:    []types.PriceLevel{{Price: askPrice, Size: "100"}},
		Hash:    "h1",
	})
	m.book.ApplyBookResponse(&types.BookResponse{
		AssetID: m.marketInfo.NoTokenID,
		Bids:    []types.PriceLevel{{Price: bidPrice, Size: "100"}},
		Asks:    []types.PriceLevel{{Price: askPrice, Size: "100"}},
		Hash:    "h1",
	})
}

func TestBuildSolverInputBalancedInventory(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	info := testMarketInfo()
	m := setupMaker(cfg, info)
	seedBook(m, "0.49", "0.51")

	in := m.buildSolverInput(0.50, 1000.0)

	if in.UpTokenID != info.YesTokenID || in.DownTokenID != info.NoTokenID {
		t.Fatalf("token ids not wired through: up=%q down=%q", in.UpTokenID, in.DownTokenID)
	}
	if in.Inventory.Imbalance() != 0 {
		t.Errorf("expected balanced inventory for a fresh maker, got delta=%v", in.Inventory.Imbalance())
	}
	if in.UpBook.BestAskMicros <= 0 || in.DownBook.BestAskMicros <= 0 {
		t.Fatalf("expected both books to carry a best ask, got up=%+v down=%+v", in.UpBook, in.DownBook)
	}
	if in.Config.NumLevels != cfg.NumLevels {
		t.Errorf("NumLevels = %d, want %d", in.Config.NumLevels, cfg.NumLevels)
	}
}

func TestBuildSolverInputReflectsInventorySkew(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	info := testMarketInfo()
	m := setupMaker(cfg, info)
	seedBook(m, "0.49", "0.51")

	m.inventory.OnFill(Fill{Side: types.BUY, TokenID: info.YesTokenID, Price: 0.50, Size: 100})

	in := m.buildSolverInput(0.50, 1000.0)
	if in.Inventory.Imbalance() <= 0 {
		t.Errorf("expected positive imbalance after buying YES, got %v", in.Inventory.Imbalance())
	}
}

func TestQuoteUpdateEndToEndPlacesLadder(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	info := testMarketInfo()
	m := setupMaker(cfg, info)
	seedBook(m, "0.48", "0.50")

	in := m.buildSolverInput(0.50, 1000.0)
	out := solver.Solve(in)

	if len(out.LimitOrders) == 0 {
		t.Fatal("expected solve to produce limit orders for a fresh, balanced, profitable market")
	}

	fakePlaced := make([]types.OrderResponse, len(out.LimitOrders))
	for i := range out.LimitOrders {
		fakePlaced[i] = types.OrderResponse{Success: true, OrderID: "order-" + string(rune('a'+i)), Status: "live"}
	}

	for i, lo := range out.LimitOrders {
		m.nextSeq++
		m.activeOrders[fakePlaced[i].OrderID] = types.OpenOrder{
			ID:           fakePlaced[i].OrderID,
			Market:       info.ConditionID,
			AssetID:      lo.TokenID,
			Side:         string(types.BUY),
			Price:        microsToFloatString(lo.PriceMicros),
			OriginalSize: microsToFloatString(lo.SizeMicros),
			SizeMatched:  "0",
		}
		m.orderSeq[fakePlaced[i].OrderID] = m.nextSeq
	}

	// Re-solving against the orders we just "placed" should be a no-op:
	// the diff recognizes each live order as satisfying its target level.
	second := solver.Solve(m.buildSolverInput(0.50, 1000.0))
	if second.ActionCount() != 0 {
		t.Errorf("expected idempotent re-solve once ladder is live, got %d actions", second.ActionCount())
	}
}

func microsToFloatString(v int64) string {
	return strconv.FormatFloat(microsToFloat(v), 'f', -1, 64)
}
