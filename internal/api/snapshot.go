package api

import (
	"time"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/market"
	"polymarket-mm/internal/oms"
	"polymarket-mm/internal/risk"
)

// MarketSnapshotProvider provides snapshot access to market state
type MarketSnapshotProvider interface {
	GetMarketsSnapshot() []MarketStatus
	GetScanner() *market.Scanner
	GetRiskManager() *risk.Manager
	GetOrderLedger() *oms.Store
	ConnectionHealth() (connected, anyHalted bool)
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(
	provider MarketSnapshotProvider,
	cfg config.Config,
) DashboardSnapshot {
	// Get market snapshots
	markets := provider.GetMarketsSnapshot()

	// Get risk snapshot
	riskMgr := provider.GetRiskManager()
	riskSnap := riskMgr.GetRiskSnapshot()

	// Calculate aggregate P&L
	var totalRealized, totalUnrealized float64
	for _, m := range markets {
		totalRealized += m.Position.RealizedPnL
		totalUnrealized += m.Position.UnrealizedPnL
	}

	scannerInfo := ScannerInfo{MarketsSelected: len(markets)}
	if sc := provider.GetScanner(); sc != nil {
		stats := sc.Stats()
		scannerInfo = ScannerInfo{
			LastScanTime:    stats.LastScanTime,
			MarketsScanned:  stats.MarketsScanned,
			MarketsFiltered: stats.MarketsFiltered,
			MarketsSelected: stats.MarketsSelected,
		}
	}

	wsConnected, wsAnyHalted := provider.ConnectionHealth()

	// Live orders straight from the ledger; terminal orders stay out of
	// the snapshot (the event stream already reported their transitions).
	var openOrders []OrderEvent
	for _, o := range provider.GetOrderLedger().LiveOrders() {
		openOrders = append(openOrders, NewOrderEvent(o.ID, o.AssetID, string(o.Side), o.Status.String(), o.Price, o.OriginalSize, o.MatchedSize))
	}

	return DashboardSnapshot{
		Timestamp:       time.Now(),
		Markets:         markets,
		OpenOrders:      openOrders,
		TotalRealized:   totalRealized,
		TotalUnrealized: totalUnrealized,
		TotalPnL:        totalRealized + totalUnrealized,
		Risk:            convertRiskSnapshot(riskSnap),
		Config:          NewConfigSummary(cfg),
		Scanner:         scannerInfo,
		WSConnected:     wsConnected,
		WSAnyHalted:     wsAnyHalted,
	}
}

// convertRiskSnapshot converts internal risk snapshot to API format
func convertRiskSnapshot(snap risk.RiskSnapshot) RiskSnapshot {
	return RiskSnapshot{
		GlobalExposure:       snap.GlobalExposure,
		MaxGlobalExposure:    snap.MaxGlobalExposure,
		ExposurePct:          snap.ExposurePct,
		KillSwitchActive:     snap.KillSwitchActive,
		KillSwitchUntil:      snap.KillSwitchUntil,
		KillSwitchReason:     snap.KillSwitchReason,
		TotalRealizedPnL:     snap.TotalRealizedPnL,
		TotalUnrealizedPnL:   snap.TotalUnrealizedPnL,
		MaxPositionPerMarket: snap.MaxPositionPerMarket,
		MaxDailyLoss:         snap.MaxDailyLoss,
		MaxMarketsActive:     snap.MaxMarketsActive,
		CurrentMarketsActive: snap.CurrentMarketsActive,
		BalanceHalted:        snap.BalanceHalted,
		BalancePivot:         snap.BalancePivot,
		BalanceCurrent:       snap.BalanceCurrent,
	}
}
