package api

import (
	"time"

	"polymarket-mm/pkg/types"
)

// DashboardEvent is the wrapper for all events sent to the dashboard
type DashboardEvent struct {
	Type      string      `json:"type"`      // "snapshot", "fill", "order", "position", "kill", "ladder", "snipe", "merge"
	Timestamp time.Time   `json:"timestamp"` // Event time
	MarketID  string      `json:"market_id"` // Condition ID (empty for global events)
	Data      interface{} `json:"data"`      // Event-specific payload
}

// FillEvent represents a trade fill notification
type FillEvent struct {
	OrderID    string  `json:"order_id"`
	Side       string  `json:"side"`       // "BUY" or "SELL"
	TokenType  string  `json:"token_type"` // trade outcome as reported: "Yes" or "No"
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	MarketSlug string  `json:"market_slug"` // Human-readable market name
	// Position after fill
	YesQty        float64 `json:"yes_qty"`
	NoQty         float64 `json:"no_qty"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// OrderEvent mirrors one order-ledger mutation: placement, partial fill,
// full fill, or cancellation.
type OrderEvent struct {
	OrderID      string  `json:"order_id"`
	AssetID      string  `json:"asset_id"`
	Status       string  `json:"status"` // "open", "partially_filled", "filled", "cancelled"
	Side         string  `json:"side"`   // "BUY" or "SELL"
	Price        float64 `json:"price"`
	OriginalSize float64 `json:"original_size"`
	MatchedSize  float64 `json:"matched_size"`
}

// PositionEvent is emitted when position changes
type PositionEvent struct {
	MarketSlug    string  `json:"market_slug"`
	YesQty        float64 `json:"yes_qty"`
	NoQty         float64 `json:"no_qty"`
	AvgEntryYes   float64 `json:"avg_entry_yes"`
	AvgEntryNo    float64 `json:"avg_entry_no"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ExposureUSD   float64 `json:"exposure_usd"`
	MidPrice      float64 `json:"mid_price"`
}

// KillEvent is emitted when kill switch activates
type KillEvent struct {
	Reason   string    `json:"reason"`
	Details  string    `json:"details"`
	Until    time.Time `json:"until"` // Cooldown expiry
	MarketID string    `json:"market_id,omitempty"`
}

// LadderEvent reports one quoting pass: what the solver decided and what
// was handed to the executor. Emitted only when the diff produced work.
type LadderEvent struct {
	MarketSlug string  `json:"market_slug"`
	MidPrice   float64 `json:"mid_price"`
	Imbalance  float64 `json:"imbalance"`
	UpLevels   int     `json:"up_levels"`
	DownLevels int     `json:"down_levels"`
	Cancels    int     `json:"cancels"`
	Placements int     `json:"placements"`
	Takers     int     `json:"takers"`
}

// BookUpdateEvent represents order book changes
type BookUpdateEvent struct {
	MarketSlug string    `json:"market_slug"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	MidPrice   float64   `json:"mid_price"`
	Spread     float64   `json:"spread"`
	UpdateTime time.Time `json:"update_time"`
}

// NewFillEvent creates a fill event from trade data
func NewFillEvent(trade types.WSTradeEvent, pos PositionSnapshot, marketSlug string, price, size float64) FillEvent {
	return FillEvent{
		OrderID:       trade.ID,
		Side:          trade.Side,
		TokenType:     trade.Outcome, // "Yes" or "No"
		Price:         price,
		Size:          size,
		MarketSlug:    marketSlug,
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
	}
}

// NewOrderEvent creates an order event from a ledger entry.
func NewOrderEvent(orderID, assetID, side, status string, price, originalSize, matchedSize float64) OrderEvent {
	return OrderEvent{
		OrderID:      orderID,
		AssetID:      assetID,
		Side:         side,
		Status:       status,
		Price:        price,
		OriginalSize: originalSize,
		MatchedSize:  matchedSize,
	}
}

// NewPositionEvent creates a position event
func NewPositionEvent(pos PositionSnapshot, marketSlug string, midPrice float64) PositionEvent {
	return PositionEvent{
		MarketSlug:    marketSlug,
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		AvgEntryYes:   pos.AvgEntryYes,
		AvgEntryNo:    pos.AvgEntryNo,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
		ExposureUSD:   pos.ExposureUSD,
		MidPrice:      midPrice,
	}
}

// SnipeEvent is emitted when the opportunity monitor fires a defensive FOK buy.
type SnipeEvent struct {
	MarketID string  `json:"market_id"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

// MergeEvent is emitted when the position merger combines a YES/NO pair
// back into collateral.
type MergeEvent struct {
	MarketID string  `json:"market_id"`
	Size     float64 `json:"size"`
	TxHash   string  `json:"tx_hash"`
}

// NewSnipeEvent creates a snipe event.
func NewSnipeEvent(marketID string, price, size float64) SnipeEvent {
	return SnipeEvent{MarketID: marketID, Price: price, Size: size}
}

// NewMergeEvent creates a merge event.
func NewMergeEvent(marketID string, size float64, txHash string) MergeEvent {
	return MergeEvent{MarketID: marketID, Size: size, TxHash: txHash}
}

// NewKillEvent creates a kill switch event
func NewKillEvent(reason, details string, until time.Time, marketID string) KillEvent {
	return KillEvent{
		Reason:   reason,
		Details:  details,
		Until:    until,
		MarketID: marketID,
	}
}
