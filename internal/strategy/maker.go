// Package strategy runs the binary-market quote ladder (internal/solver)
// for a single market (prices in [0, 1] per token).
//
// The core idea: a binary market's Up (YES) and Down (NO) tokens settle to
// exactly one of {0, 1} and always sum to roughly 1 while trading. Buying
// both legs whenever their combined ask price sits below 1 locks in a
// profit at settlement regardless of outcome. Maker posts a ladder of BUY
// limit orders below each side's best ask, skewed away from whichever leg
// it is already overweight in, and diffs that target ladder against live
// orders every tick so only the orders that actually changed get
// cancelled/replaced.
//
// Per-tick flow (every RefreshInterval):
//  1. Check book staleness and risk limits.
//  2. Snapshot inventory, open orders, and both token books.
//  3. Call solver.Solve to get the target ladder, any instant taker
//     arbitrage, and the cancel/place diff against what is already live.
//  4. Execute the diff via the REST client.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"polymarket-mm/internal/api"
	"polymarket-mm/internal/config"
	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/solver"
	"polymarket-mm/pkg/types"
)

// Maker runs the quote ladder solver for a single market. It maintains a
// map of its own active orders, each tagged with a placement sequence
// number, and reconciles them against the solver's target ladder each tick.
type Maker struct {
	cfg        config.StrategyConfig
	marketInfo types.MarketInfo
	book       *market.Book
	inventory  *Inventory
	client     *exchange.Client
	riskMgr    *risk.Manager
	balanceMgr *risk.BalanceManager

	flow *FlowMonitor

	// Track our outstanding orders and the order in which we placed them.
	// SeqNum feeds solver.OpenOrder so the diff breaks ties oldest-first.
	activeOrders map[string]types.OpenOrder // orderID -> order
	orderSeq     map[string]int64
	nextSeq      int64

	// executor runs all exchange calls for this market on its own thread;
	// the tick loop only ever submits commands and consumes results, so
	// exchange latency never delays quoting decisions. inFlight suppresses
	// re-placing a quote slot whose previous placement hasn't come back
	// yet; pendingCancels does the same for cancellations, keyed by order
	// ID.
	executor       *Executor
	inFlight       *InFlightTracker
	pendingCancels map[string]time.Time

	// reconcileInterval is how often live REST order state overwrites our
	// WS-derived view. Zero disables reconciliation.
	reconcileInterval time.Duration

	dashboardEvents chan<- api.DashboardEvent

	logger *slog.Logger
}

// NewMaker creates a strategy instance for one market.
func NewMaker(
	cfg config.StrategyConfig,
	info types.MarketInfo,
	book *market.Book,
	inventory *Inventory,
	client *exchange.Client,
	riskMgr *risk.Manager,
	balanceMgr *risk.BalanceManager,
	logger *slog.Logger,
	dashboardEvents chan<- api.DashboardEvent,
	reconcileInterval time.Duration,
) *Maker {
	return &Maker{
		cfg:               cfg,
		marketInfo:        info,
		book:              book,
		inventory:         inventory,
		client:            client,
		riskMgr:           riskMgr,
		balanceMgr:        balanceMgr,
		flow:              NewFlowMonitor(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		activeOrders:      make(map[string]types.OpenOrder),
		orderSeq:          make(map[string]int64),
		executor:          NewExecutor(client, logger.With("market", info.Slug)),
		inFlight:          NewInFlightTracker(),
		pendingCancels:    make(map[string]time.Time),
		reconcileInterval: reconcileInterval,
		dashboardEvents:   dashboardEvents,
		logger: logger.With(
			"component", "maker",
			"market", info.Slug,
		),
	}
}

// Run is the main loop for this market. Blocks until ctx is cancelled.
func (m *Maker) Run(ctx context.Context, tradeCh <-chan types.WSTradeEvent, orderCh <-chan types.WSOrderEvent) {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	var reconcileCh <-chan time.Time
	if m.reconcileInterval > 0 {
		reconcileTicker := time.NewTicker(m.reconcileInterval)
		defer reconcileTicker.Stop()
		reconcileCh = reconcileTicker.C
	}

	m.logger.Info("strategy started",
		"tick_size", m.marketInfo.TickSize,
		"level_size_usd", m.cfg.LevelSizeUSD,
		"num_levels", m.cfg.NumLevels,
	)

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		m.executor.Run(ctx)
	}()
	results := m.executor.Results()

	for {
		select {
		case <-ctx.Done():
			m.executor.Submit(ExecutorCommand{Kind: CmdShutdown})
			<-execDone
			m.cancelAllMyOrders(context.Background())
			m.logger.Info("strategy stopped")
			return

		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			m.applyExecutorResult(res)

		case trade := <-tradeCh:
			m.handleFill(trade)

		case order := <-orderCh:
			m.handleOrderEvent(order)

		case <-ticker.C:
			m.quoteUpdate(ctx)

		case <-reconcileCh:
			m.reconcile(ctx)
		}
	}
}

// quoteUpdate is the core per-tick logic.
func (m *Maker) quoteUpdate(ctx context.Context) {
	if m.balanceMgr != nil && m.balanceMgr.Halted() {
		m.logger.Warn("balance halted, cancelling all orders and skipping tick")
		m.cancelAllMyOrders(ctx)
		return
	}

	if m.book.IsStale(m.cfg.StaleBookTimeout) {
		m.logger.Warn("book is stale, cancelling all orders")
		m.cancelAllMyOrders(ctx)
		return
	}

	mid, ok := m.book.MidPrice()
	if !ok {
		m.logger.Debug("no mid price available")
		return
	}

	m.inventory.UpdateMarkToMarket(mid)

	pos := m.inventory.Snapshot()
	exposureUSD := m.inventory.TotalExposureUSD(mid)
	m.riskMgr.Report(risk.PositionReport{
		MarketID:      m.marketInfo.ConditionID,
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		MidPrice:      mid,
		ExposureUSD:   exposureUSD,
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     time.Now(),
	})

	posSnapshot := api.PositionSnapshot{
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		AvgEntryYes:   pos.AvgEntryYes,
		AvgEntryNo:    pos.AvgEntryNo,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
		ExposureUSD:   exposureUSD,
		Skew:          m.inventory.NetDelta(),
		LastUpdated:   pos.LastUpdated,
	}
	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "position",
		Timestamp: time.Now(),
		MarketID:  m.marketInfo.ConditionID,
		Data:      api.NewPositionEvent(posSnapshot, m.marketInfo.Slug, mid),
	})

	if m.riskMgr.IsKillSwitchActive() {
		m.logger.Warn("kill switch active, cancelling all orders")
		m.cancelAllMyOrders(ctx)
		return
	}

	remaining := m.riskMgr.RemainingBudget(m.marketInfo.ConditionID)
	if remaining <= 0 {
		m.logger.Info("risk budget exhausted")
		m.cancelAllMyOrders(ctx)
		return
	}

	in := m.buildSolverInput(mid, remaining)
	out := solver.Solve(in)

	m.logger.Debug("solve",
		"mid", mid,
		"delta", in.Inventory.Imbalance(),
		"up_placements", countSide(out.LimitOrders, solver.Up),
		"down_placements", countSide(out.LimitOrders, solver.Down),
		"cancellations", len(out.Cancellations),
		"taker_orders", len(out.TakerOrders),
	)

	if out.ActionCount() > 0 {
		m.emitDashboardEvent(api.DashboardEvent{
			Type:      "ladder",
			Timestamp: time.Now(),
			MarketID:  m.marketInfo.ConditionID,
			Data: api.LadderEvent{
				MarketSlug: m.marketInfo.Slug,
				MidPrice:   mid,
				Imbalance:  in.Inventory.Imbalance(),
				UpLevels:   countSide(out.LimitOrders, solver.Up),
				DownLevels: countSide(out.LimitOrders, solver.Down),
				Cancels:    len(out.Cancellations),
				Placements: len(out.LimitOrders),
				Takers:     len(out.TakerOrders),
			},
		})
	}

	m.submitSolverOutput(out)
}

// buildSolverInput snapshots everything solve needs to read: both token
// books, current inventory, and the live order set tagged with placement
// sequence numbers.
func (m *Maker) buildSolverInput(mid, remainingBudget float64) solver.Input {
	return solver.Input{
		Inventory:   m.inventory.SolverInventory(),
		UpBook:      solver.ViewFromBook(m.book.YesBook()),
		DownBook:    solver.ViewFromBook(m.book.NoBook()),
		OpenOrders:  m.openOrdersForSolver(),
		Config:      m.solverConfig(mid, remainingBudget),
		UpTokenID:   m.marketInfo.YesTokenID,
		DownTokenID: m.marketInfo.NoTokenID,
	}
}

// solverConfig derives the per-tick solver.Config from the strategy's
// static tuning (m.cfg) plus the things that change every tick: the mid
// price (used to convert USD-denominated size targets to token quantity),
// the remaining risk budget (caps level size), and the current flow
// flow multiplier (widens BaseOffset, same role FlowMonitor plays for
// the old reservation-price spread).
func (m *Maker) solverConfig(mid, remainingBudget float64) solver.Config {
	tickDec := m.marketInfo.TickSize.Decimals()
	tickMicros := toMicros(math.Pow(10, -float64(tickDec)))
	// A tick_size_change event on the feed overrides the static metadata:
	// quoting on the stale, finer grid would get every order rejected.
	if live, ok := m.book.LiveTickSize(); ok {
		tickMicros = live
	}

	flowMultiplier := m.flow.OffsetMultiplier()
	baseOffset := m.cfg.BaseOffset * flowMultiplier

	sizeTokens := m.cfg.LevelSizeUSD / mid
	if m.cfg.NumLevels > 0 {
		levelBudget := remainingBudget / float64(m.cfg.NumLevels*2)
		if levelBudget > 0 {
			if maxSizeTokens := levelBudget / mid; sizeTokens > maxSizeTokens {
				sizeTokens = maxSizeTokens
			}
		}
	}

	mode := solver.BestLevel
	if m.cfg.ProfitabilityMode == "worst_case" {
		mode = solver.WorstCase
	}

	return solver.Config{
		NumLevels:         m.cfg.NumLevels,
		TickMicros:        tickMicros,
		BaseOffsetMicros:  toMicros(baseOffset),
		LevelSizeMicros:   toMicros(sizeTokens),
		MinProfitMargin:   toMicros(m.cfg.MinProfitMargin),
		MaxImbalance:      m.cfg.MaxImbalance,
		ProfitabilityMode: mode,
		TakerEnabled:      m.cfg.TakerEnabled,
		MaxTakerSize:      toMicros(m.cfg.MaxTakerSizeUSD / mid),
		MinTakerSize:      toMicros(m.cfg.MinTakerSizeUSD / mid),
		DiffEpsilonTicks:  m.cfg.DiffEpsilonTicks,
	}
}

// openOrdersForSolver converts our own live orders into the solver's view,
// classifying each by which token it trades.
func (m *Maker) openOrdersForSolver() []solver.OpenOrder {
	out := make([]solver.OpenOrder, 0, len(m.activeOrders))
	for id, o := range m.activeOrders {
		side := solver.Up
		if o.AssetID == m.marketInfo.NoTokenID {
			side = solver.Down
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		sizeOrig, _ := strconv.ParseFloat(o.OriginalSize, 64)
		sizeMatched, _ := strconv.ParseFloat(o.SizeMatched, 64)

		out = append(out, solver.OpenOrder{
			OrderID:     id,
			TokenSide:   side,
			PriceMicros: toMicros(price),
			SizeMicros:  toMicros(sizeOrig - sizeMatched),
			SeqNum:      m.orderSeq[id],
		})
	}
	return out
}

// submitSolverOutput hands the cancel/place diff to the executor thread.
// Cancellations and placements already submitted but not yet acknowledged
// are filtered out here, so back-to-back ticks seeing the same diff don't
// double-issue anything.
func (m *Maker) submitSolverOutput(out solver.Output) {
	cmd := ExecutorCommand{
		Kind:    CmdExecuteBatch,
		NegRisk: m.marketInfo.NegRisk,
	}

	now := time.Now()
	for _, id := range out.Cancellations {
		if at, pending := m.pendingCancels[id]; pending && now.Sub(at) < inFlightTTL {
			continue
		}
		m.pendingCancels[id] = now
		cmd.Cancellations = append(cmd.Cancellations, id)
	}

	for _, lo := range out.LimitOrders {
		o := types.UserOrder{
			TokenID:   lo.TokenID,
			Price:     microsToFloat(lo.PriceMicros),
			Size:      microsToFloat(lo.SizeMicros),
			Side:      types.BUY,
			OrderType: types.OrderTypeGTC,
			TickSize:  m.marketInfo.TickSize,
		}
		if !m.inFlight.TryAcquire(orderKey(o)) {
			continue
		}
		cmd.Placements = append(cmd.Placements, o)
	}
	for _, to := range out.TakerOrders {
		o := types.UserOrder{
			TokenID:   to.TokenID,
			Price:     microsToFloat(to.PriceMicros),
			Size:      microsToFloat(to.SizeMicros),
			Side:      types.BUY,
			OrderType: types.OrderTypeFOK,
			TickSize:  m.marketInfo.TickSize,
		}
		if !m.inFlight.TryAcquire(orderKey(o)) {
			continue
		}
		cmd.Takers = append(cmd.Takers, o)
	}

	if total := len(cmd.Placements) + len(cmd.Takers); total > 15 {
		m.logger.Warn("solver target exceeds batch limit, truncating", "wanted", total)
		for _, o := range cmd.Takers {
			m.inFlight.Release(orderKey(o))
		}
		cmd.Takers = nil
		if len(cmd.Placements) > 15 {
			for _, o := range cmd.Placements[15:] {
				m.inFlight.Release(orderKey(o))
			}
			cmd.Placements = cmd.Placements[:15]
		}
	}

	if len(cmd.Cancellations) == 0 && len(cmd.Placements) == 0 && len(cmd.Takers) == 0 {
		return
	}
	m.executor.Submit(cmd)
}

// applyExecutorResult records what the executor actually did: cancelled
// orders leave the active set, successful placements enter it immediately
// (before the user WS channel confirms, keeping the next tick's diff
// stable), and every acknowledged slot releases its in-flight hold.
func (m *Maker) applyExecutorResult(res ExecutorResult) {
	for _, id := range res.CancelledIDs {
		delete(m.activeOrders, id)
		delete(m.orderSeq, id)
		delete(m.pendingCancels, id)
	}

	for _, p := range res.Placed {
		m.inFlight.Release(orderKey(p.Order))
		m.nextSeq++
		m.activeOrders[p.OrderID] = types.OpenOrder{
			ID:           p.OrderID,
			Status:       p.Status,
			Market:       m.marketInfo.ConditionID,
			AssetID:      p.Order.TokenID,
			Side:         string(p.Order.Side),
			Price:        fmt.Sprintf("%.4f", p.Order.Price),
			OriginalSize: fmt.Sprintf("%.2f", p.Order.Size),
			SizeMatched:  "0",
		}
		m.orderSeq[p.OrderID] = m.nextSeq
	}

	for _, err := range res.Errors {
		var oe *OrderError
		if errors.As(err, &oe) {
			m.inFlight.Release(orderKey(oe.Order))
		}
		m.logger.Error("executor reported error", "error", err)
	}
}

// handleFill processes a trade event from the user WS channel.
func (m *Maker) handleFill(trade types.WSTradeEvent) {
	price, _ := strconv.ParseFloat(trade.Price, 64)
	size, _ := strconv.ParseFloat(trade.Size, 64)

	fill := Fill{
		Timestamp: time.Now(),
		Side:      types.Side(trade.Side),
		TokenID:   trade.AssetID,
		Price:     price,
		Size:      size,
		TradeID:   trade.ID,
	}

	m.inventory.OnFill(fill)
	m.flow.RecordFill(fill)

	pos := m.inventory.Snapshot()

	if flow := m.flow.Assess(); flow.Adverse {
		m.logger.Warn("adverse fill flow",
			"hot_token", flow.HotTokenID,
			"score", flow.Score,
			"concentration", flow.Concentration,
			"fills_per_minute", flow.FillsPerMinute,
			"window_fills", m.flow.WindowFills(),
		)
	}

	m.logger.Info("fill",
		"side", trade.Side,
		"price", price,
		"size", size,
		"outcome", trade.Outcome,
		"yes_qty", pos.YesQty,
		"no_qty", pos.NoQty,
		"realized_pnl", pos.RealizedPnL,
	)

	mid, _ := m.book.MidPrice()
	unrealizedPnL := pos.YesQty*(mid-pos.AvgEntryYes) + pos.NoQty*((1-mid)-pos.AvgEntryNo)

	posSnapshot := api.PositionSnapshot{
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		AvgEntryYes:   pos.AvgEntryYes,
		AvgEntryNo:    pos.AvgEntryNo,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: unrealizedPnL,
		LastUpdated:   pos.LastUpdated,
	}

	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "fill",
		Timestamp: time.Now(),
		MarketID:  m.marketInfo.ConditionID,
		Data:      api.NewFillEvent(trade, posSnapshot, m.marketInfo.Slug, price, size),
	})
}

// handleOrderEvent processes order lifecycle events.
func (m *Maker) handleOrderEvent(event types.WSOrderEvent) {
	switch event.Type {
	case "CANCELLATION":
		delete(m.activeOrders, event.ID)
		delete(m.orderSeq, event.ID)
		delete(m.pendingCancels, event.ID)
	case "UPDATE":
		if order, ok := m.activeOrders[event.ID]; ok {
			order.SizeMatched = event.SizeMatched
			m.activeOrders[event.ID] = order
		}
	case "PLACEMENT":
		if _, ok := m.activeOrders[event.ID]; !ok {
			m.activeOrders[event.ID] = types.OpenOrder{
				ID:           event.ID,
				Market:       event.Market,
				AssetID:      event.AssetID,
				Side:         event.Side,
				Price:        event.Price,
				OriginalSize: event.OriginalSize,
				SizeMatched:  event.SizeMatched,
			}
			m.nextSeq++
			m.orderSeq[event.ID] = m.nextSeq
		}
	}
}

// cancelAllMyOrders cancels all active orders for this market.
func (m *Maker) cancelAllMyOrders(ctx context.Context) {
	if len(m.activeOrders) == 0 {
		return
	}

	resp, err := m.client.CancelMarketOrders(ctx, m.marketInfo.ConditionID)
	if err != nil {
		m.logger.Error("cancel all orders failed", "error", err)
		return
	}

	for _, id := range resp.Canceled {
		delete(m.activeOrders, id)
		delete(m.orderSeq, id)
	}

	m.logger.Info("cancelled orders", "count", len(resp.Canceled))
}

func countSide(orders []solver.LimitOrder, side solver.TokenSide) int {
	n := 0
	for _, o := range orders {
		if o.TokenSide == side {
			n++
		}
	}
	return n
}

func toMicros(v float64) int64 {
	return int64(v*1_000_000 + 0.5)
}

func microsToFloat(v int64) float64 {
	return float64(v) / 1_000_000
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (m *Maker) emitDashboardEvent(evt api.DashboardEvent) {
	if m.dashboardEvents == nil {
		return
	}

	select {
	case m.dashboardEvents <- evt:
	default:
		// Dashboard can't keep up, drop event
	}
}
