package strategy

import (
	"math"
	"testing"
	"time"

	"polymarket-mm/pkg/types"
)

const (
	yesTok = "tok-yes"
	noTok  = "tok-no"
)

func newTestInventory() *Inventory {
	return NewInventory("cond-1", yesTok, noTok)
}

func buy(token string, price, size float64) Fill {
	return Fill{Timestamp: time.Now(), Side: types.BUY, TokenID: token, Price: price, Size: size}
}

func sell(token string, price, size float64) Fill {
	return Fill{Timestamp: time.Now(), Side: types.SELL, TokenID: token, Price: price, Size: size}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestLegCostBasisIsVolumeWeighted(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(buy(yesTok, 0.40, 100))
	inv.OnFill(buy(yesTok, 0.60, 300))

	pos := inv.Snapshot()
	approx(t, "YesQty", pos.YesQty, 400)
	// (0.40·100 + 0.60·300) / 400 = 0.55
	approx(t, "AvgEntryYes", pos.AvgEntryYes, 0.55)
}

func TestReductionRealizesAgainstCostBasis(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(buy(yesTok, 0.50, 100))
	inv.OnFill(sell(yesTok, 0.58, 40))

	pos := inv.Snapshot()
	approx(t, "YesQty", pos.YesQty, 60)
	approx(t, "RealizedPnL", pos.RealizedPnL, (0.58-0.50)*40)
	// Reducing must not move the cost basis of what remains.
	approx(t, "AvgEntryYes", pos.AvgEntryYes, 0.50)
}

func TestSellingOutClosesLegFlat(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(buy(noTok, 0.45, 50))
	inv.OnFill(sell(noTok, 0.47, 80)) // 30 more than held

	pos := inv.Snapshot()
	approx(t, "NoQty", pos.NoQty, 0)
	approx(t, "AvgEntryNo", pos.AvgEntryNo, 0)
	// Only the 50 actually held realize PnL; the excess is ignored.
	approx(t, "RealizedPnL", pos.RealizedPnL, (0.47-0.45)*50)
}

func TestFillForUnregisteredTokenIsIgnored(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(buy("some-other-market-token", 0.50, 100))

	pos := inv.Snapshot()
	if pos.YesQty != 0 || pos.NoQty != 0 {
		t.Errorf("foreign-token fill mutated the position: %+v", pos)
	}
}

func TestNetDeltaSpansMinusOneToOne(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	if got := inv.NetDelta(); got != 0 {
		t.Fatalf("empty inventory delta = %v, want 0", got)
	}

	inv.OnFill(buy(yesTok, 0.50, 100))
	approx(t, "all-YES delta", inv.NetDelta(), 1)

	inv.OnFill(buy(noTok, 0.50, 300))
	// (100 − 300) / 400
	approx(t, "mixed delta", inv.NetDelta(), -0.5)
}

func TestExposureMarksNoLegAtComplement(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnFill(buy(yesTok, 0.50, 100))
	inv.OnFill(buy(noTok, 0.40, 100))

	// At mid 0.70: YES worth 0.70 each, NO worth 0.30 each.
	approx(t, "exposure", inv.TotalExposureUSD(0.70), 100*0.70+100*0.30)
}

func TestMarkToMarketSumsBothLegs(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnFill(buy(yesTok, 0.50, 100)) // YES basis 0.50
	inv.OnFill(buy(noTok, 0.40, 200))  // NO basis 0.40

	inv.UpdateMarkToMarket(0.55)
	pos := inv.Snapshot()
	// YES: 100·(0.55−0.50); NO: 200·(0.45−0.40)
	approx(t, "UnrealizedPnL", pos.UnrealizedPnL, 100*0.05+200*0.05)
}

func TestMergeablePairsNeedsBothLegs(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	inv.OnFill(buy(yesTok, 0.48, 100))
	if pairs, _ := inv.MergeablePairs(0.01); pairs != 0 {
		t.Fatalf("one-legged inventory reports %v pairs, want 0", pairs)
	}

	inv.OnFill(buy(noTok, 0.47, 60))
	pairs, profitable := inv.MergeablePairs(0.01)
	approx(t, "pairs", pairs, 60)
	if !profitable {
		t.Error("0.48 + 0.47 = 0.95 < 1 − 0.01, pair should be profitable to merge")
	}
}

func TestMergeablePairsRespectsFeeBuffer(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnFill(buy(yesTok, 0.52, 50))
	inv.OnFill(buy(noTok, 0.47, 50))

	// Combined basis 0.99: fine with no buffer, too tight with 2%.
	if _, profitable := inv.MergeablePairs(0); !profitable {
		t.Error("0.99 < 1.00 should be profitable with a zero buffer")
	}
	if pairs, profitable := inv.MergeablePairs(0.02); profitable {
		t.Error("0.99 is inside a 2% fee buffer, must not be profitable")
	} else if pairs != 50 {
		t.Errorf("pairs = %v, want 50 even when unprofitable", pairs)
	}
}

func TestSetPositionRoundTripsThroughSnapshot(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	saved := Position{
		YesQty:      10.5,
		NoQty:       3.25,
		AvgEntryYes: 0.55,
		AvgEntryNo:  0.42,
		RealizedPnL: 1.23,
		LastUpdated: time.Now(),
	}
	inv.SetPosition(saved)

	got := inv.Snapshot()
	approx(t, "YesQty", got.YesQty, saved.YesQty)
	approx(t, "NoQty", got.NoQty, saved.NoQty)
	approx(t, "AvgEntryYes", got.AvgEntryYes, saved.AvgEntryYes)
	approx(t, "AvgEntryNo", got.AvgEntryNo, saved.AvgEntryNo)
	approx(t, "RealizedPnL", got.RealizedPnL, saved.RealizedPnL)

	// Restored state keeps accumulating correctly.
	inv.OnFill(sell(yesTok, 0.65, 10.5))
	approx(t, "RealizedPnL after restore+sell", inv.Snapshot().RealizedPnL, 1.23+(0.65-0.55)*10.5)
}

func TestSolverInventoryIsMicrosView(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()
	inv.OnFill(buy(yesTok, 0.50, 12.5))
	inv.OnFill(buy(noTok, 0.50, 3))

	si := inv.SolverInventory()
	if si.UpSizeMicros != 12_500_000 || si.DownSizeMicros != 3_000_000 {
		t.Errorf("solver view = %+v, want 12.5M/3M micros", si)
	}
}

// Position invariant from the fill ledger: size equals the signed sum of
// fill quantities (floored at zero) and the cost basis is the volume-
// weighted mean of the buys that built the current position.
func TestFillSequenceInvariant(t *testing.T) {
	t.Parallel()
	inv := newTestInventory()

	fills := []Fill{
		buy(yesTok, 0.40, 10),
		buy(yesTok, 0.50, 30),
		sell(yesTok, 0.55, 15),
		buy(yesTok, 0.60, 25),
	}
	for _, f := range fills {
		inv.OnFill(f)
	}

	pos := inv.Snapshot()
	approx(t, "YesQty", pos.YesQty, 10+30-15+25)

	// Basis after the two opening buys: (0.40·10 + 0.50·30)/40 = 0.475.
	// The sell leaves it unchanged; the final buy re-averages:
	// (0.475·25 + 0.60·25)/50 = 0.5375.
	approx(t, "AvgEntryYes", pos.AvgEntryYes, 0.5375)
	approx(t, "RealizedPnL", pos.RealizedPnL, (0.55-0.475)*15)
}
