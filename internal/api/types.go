package api

import (
	"time"

	"polymarket-mm/internal/config"
)

// DashboardSnapshot represents the complete dashboard state
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Active markets
	Markets []MarketStatus `json:"markets"`

	// Our live orders, straight from the order ledger
	OpenOrders []OrderEvent `json:"open_orders"`

	// Aggregate P&L
	TotalRealized   float64 `json:"total_realized"`
	TotalUnrealized float64 `json:"total_unrealized"`
	TotalPnL        float64 `json:"total_pnl"`

	// Risk status
	Risk RiskSnapshot `json:"risk"`

	// Configuration
	Config ConfigSummary `json:"config"`

	// Scanner info
	Scanner ScannerInfo `json:"scanner"`

	// Websocket feed health (market + user channels via the hypersockets manager)
	WSConnected bool `json:"ws_connected"`
	WSAnyHalted bool `json:"ws_any_halted"`
}

// MarketStatus represents per-market state
type MarketStatus struct {
	ConditionID string `json:"condition_id"`
	Slug        string `json:"slug"`
	Question    string `json:"question"`

	// Book state
	MidPrice    float64   `json:"mid_price"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Spread      float64   `json:"spread"`
	SpreadBps   float64   `json:"spread_bps"` // Spread in basis points
	LastUpdated time.Time `json:"last_updated"`
	IsStale     bool      `json:"is_stale"`

	// Position
	Position PositionSnapshot `json:"position"`

	// Quoting state
	Imbalance      float64 `json:"imbalance"`        // (yes−no)/(yes+no) inventory skew, −1..1
	LiveOrderCount int     `json:"live_order_count"` // our resting orders on this market

	// Market metadata
	TickSize  float64   `json:"tick_size"`
	EndDate   time.Time `json:"end_date"`
	Liquidity float64   `json:"liquidity"`
	Volume24h float64   `json:"volume_24h"`
}

// PositionSnapshot represents position and P&L for a market
type PositionSnapshot struct {
	YesQty        float64   `json:"yes_qty"`
	NoQty         float64   `json:"no_qty"`
	AvgEntryYes   float64   `json:"avg_entry_yes"`
	AvgEntryNo    float64   `json:"avg_entry_no"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	ExposureUSD   float64   `json:"exposure_usd"`
	Skew          float64   `json:"skew"` // NetDelta in [-1, 1]
	LastUpdated   time.Time `json:"last_updated"`
}

// RiskSnapshot represents aggregate risk metrics
type RiskSnapshot struct {
	// Exposure
	GlobalExposure    float64 `json:"global_exposure"`
	MaxGlobalExposure float64 `json:"max_global_exposure"`
	ExposurePct       float64 `json:"exposure_pct"` // % of max

	// Kill switch
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`
	KillSwitchReason string    `json:"kill_switch_reason,omitempty"`

	// P&L tracking
	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	// Limits
	MaxPositionPerMarket float64 `json:"max_position_per_market"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxMarketsActive     int     `json:"max_markets_active"`
	CurrentMarketsActive int     `json:"current_markets_active"`

	// Balance halt gate (independent of the exposure/PnL gate above)
	BalanceHalted  bool    `json:"balance_halted"`
	BalancePivot   float64 `json:"balance_pivot"`
	BalanceCurrent float64 `json:"balance_current"`
}

// ConfigSummary represents strategy and risk configuration
type ConfigSummary struct {
	// Quote ladder parameters
	NumLevels        int     `json:"num_levels"`
	BaseOffset       float64 `json:"base_offset"`
	LevelSizeUSD     float64 `json:"level_size_usd"`
	MinProfitMargin  float64 `json:"min_profit_margin"`
	MaxImbalance     float64 `json:"max_imbalance"`
	TakerEnabled     bool    `json:"taker_enabled"`
	RefreshInterval  string  `json:"refresh_interval"`
	StaleBookTimeout string  `json:"stale_book_timeout"`

	// Risk parameters
	MaxPositionPerMarket float64 `json:"max_position_per_market"`
	MaxGlobalExposure    float64 `json:"max_global_exposure"`
	MaxMarketsActive     int     `json:"max_markets_active"`
	KillSwitchDropPct    float64 `json:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int     `json:"kill_switch_window_sec"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	CooldownAfterKill    string  `json:"cooldown_after_kill"`
	HaltThreshold        float64 `json:"halt_threshold"`

	// Opportunity subsystems
	SniperEnabled bool `json:"sniper_enabled"`
	MergerEnabled bool `json:"merger_enabled"`

	// Scanner parameters
	ScannerPollInterval string  `json:"scanner_poll_interval"`
	MinLiquidity        float64 `json:"min_liquidity"`
	MinVolume24h        float64 `json:"min_volume_24h"`
	MinSpread           float64 `json:"min_spread"`
	MaxEndDateDays      int     `json:"max_end_date_days"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// ScannerInfo represents scanner state
type ScannerInfo struct {
	LastScanTime    time.Time `json:"last_scan_time"`
	MarketsScanned  int       `json:"markets_scanned"`
	MarketsFiltered int       `json:"markets_filtered"`
	MarketsSelected int       `json:"markets_selected"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		// Strategy
		NumLevels:        cfg.Strategy.NumLevels,
		BaseOffset:       cfg.Strategy.BaseOffset,
		LevelSizeUSD:     cfg.Strategy.LevelSizeUSD,
		MinProfitMargin:  cfg.Strategy.MinProfitMargin,
		MaxImbalance:     cfg.Strategy.MaxImbalance,
		TakerEnabled:     cfg.Strategy.TakerEnabled,
		RefreshInterval:  cfg.Strategy.RefreshInterval.String(),
		StaleBookTimeout: cfg.Strategy.StaleBookTimeout.String(),

		// Risk
		MaxPositionPerMarket: cfg.Risk.MaxPositionPerMarket,
		MaxGlobalExposure:    cfg.Risk.MaxGlobalExposure,
		MaxMarketsActive:     cfg.Risk.MaxMarketsActive,
		KillSwitchDropPct:    cfg.Risk.KillSwitchDropPct,
		KillSwitchWindowSec:  cfg.Risk.KillSwitchWindowSec,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		CooldownAfterKill:    cfg.Risk.CooldownAfterKill.String(),
		HaltThreshold:        cfg.Risk.HaltThreshold,

		// Opportunity subsystems
		SniperEnabled: cfg.Sniper.Enabled,
		MergerEnabled: cfg.Merger.Enabled,

		// Scanner
		ScannerPollInterval: cfg.Scanner.PollInterval.String(),
		MinLiquidity:        cfg.Scanner.MinLiquidity,
		MinVolume24h:        cfg.Scanner.MinVolume24h,
		MinSpread:           cfg.Scanner.MinSpread,
		MaxEndDateDays:      cfg.Scanner.MaxEndDateDays,

		// Operational
		DryRun: cfg.DryRun,
	}
}
