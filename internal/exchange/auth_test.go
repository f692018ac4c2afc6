package exchange

import (
	"math/big"
	"testing"

	"polymarket-mm/pkg/types"
)

func TestPriceToAmountsTruncatesTowardZero(t *testing.T) {
	t.Parallel()

	// 0.555 × 1 token = 0.555 USDC; Tick01 keeps 3 places so nothing is
	// lost here, but 0.5555 × 1 at the same precision truncates (never
	// rounds) to 0.555.
	maker, _ := PriceToAmounts(0.555, 1, types.BUY, types.Tick01)
	if maker.Int64() != 555_000 {
		t.Errorf("makerAmount = %v, want 555000", maker)
	}
	maker, _ = PriceToAmounts(0.5555, 1, types.BUY, types.Tick01)
	if maker.Int64() != 555_000 {
		t.Errorf("makerAmount = %v, want 555000 (0.5555 truncated, not rounded)", maker)
	}

	// A price that has no exact float64 representation still scales
	// exactly: 0.29 × 100 tokens must be 29 USDC to the microunit, not
	// 28.999999.
	maker, _ = PriceToAmounts(0.29, 100, types.BUY, types.Tick001)
	if maker.Int64() != 29_000_000 {
		t.Errorf("makerAmount = %v, want 29000000", maker)
	}
}

// amounts is a test shorthand for asserting the 6-decimal USDC scaling.
func amounts(t *testing.T, maker, taker *big.Int, wantMaker, wantTaker int64) {
	t.Helper()
	if maker.Int64() != wantMaker {
		t.Errorf("makerAmount = %v, want %v", maker, wantMaker)
	}
	if taker.Int64() != wantTaker {
		t.Errorf("takerAmount = %v, want %v", taker, wantTaker)
	}
}

func TestPriceToAmountsBuyPaysUSDCForTokens(t *testing.T) {
	t.Parallel()

	// Buying 10 tokens at 0.55: pay 5.50 USDC, receive 10 tokens, both
	// scaled to 6 decimals.
	maker, taker := PriceToAmounts(0.55, 10, types.BUY, types.Tick001)
	amounts(t, maker, taker, 5_500_000, 10_000_000)
}

func TestPriceToAmountsSellGivesTokensForUSDC(t *testing.T) {
	t.Parallel()

	// Selling is the buy legs swapped: give 10 tokens, receive 5.50 USDC.
	maker, taker := PriceToAmounts(0.55, 10, types.SELL, types.Tick001)
	amounts(t, maker, taker, 10_000_000, 5_500_000)
}

func TestPriceToAmountsRoundsCostDownAtTickPrecision(t *testing.T) {
	t.Parallel()

	// 3.33 tokens at 0.333 = 1.10889 USDC raw. At Tick001 the cost keeps
	// AmountDecimals() = 4 places: 1.1088.
	maker, _ := PriceToAmounts(0.333, 3.33, types.BUY, types.Tick001)
	if maker.Int64() != 1_108_800 {
		t.Errorf("makerAmount = %v, want 1108800", maker)
	}

	// The same order on a coarse Tick01 market keeps only 3 places:
	// 1.10889 → 1.108.
	maker, _ = PriceToAmounts(0.333, 3.33, types.BUY, types.Tick01)
	if maker.Int64() != 1_108_000 {
		t.Errorf("makerAmount at Tick01 = %v, want 1108000", maker)
	}
}

func TestPriceToAmountsTruncatesSizeToCents(t *testing.T) {
	t.Parallel()

	// Size carries at most 2 decimals on the wire: 10.999 trades as 10.99.
	_, taker := PriceToAmounts(0.50, 10.999, types.BUY, types.Tick001)
	if taker.Int64() != 10_990_000 {
		t.Errorf("takerAmount = %v, want 10990000 (size truncated to 10.99)", taker)
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	// For identical price/size, a SELL's (maker, taker) is exactly the
	// BUY's (taker, maker): the same two quantities change direction.
	buyMaker, buyTaker := PriceToAmounts(0.42, 25, types.BUY, types.Tick001)
	sellMaker, sellTaker := PriceToAmounts(0.42, 25, types.SELL, types.Tick001)

	if buyMaker.Cmp(sellTaker) != 0 || buyTaker.Cmp(sellMaker) != 0 {
		t.Errorf("buy (%v, %v) and sell (%v, %v) are not mirrored",
			buyMaker, buyTaker, sellMaker, sellTaker)
	}
}
