package orderbook

import "testing"

func TestParseMicros(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
	}{
		{"0.55", 550000},
		{"0.001", 1000},
		{"1", 1000000},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := ParseMicros(c.in)
		if err != nil {
			t.Errorf("ParseMicros(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMicros(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseMicrosRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"not-a-number", "-1", "NaN", "Inf"} {
		if _, err := ParseMicros(in); err == nil {
			t.Errorf("ParseMicros(%q): expected error", in)
		}
	}
}

func TestApplySnapshotAndBestBidAsk(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplySnapshot(
		[]Level{{PriceMicros: 550000, SizeMicros: 100}, {PriceMicros: 540000, SizeMicros: 200}},
		[]Level{{PriceMicros: 570000, SizeMicros: 150}},
		"h1",
	)

	bidP, bidS, ok := b.BestBid()
	if !ok || bidP != 550000 || bidS != 100 {
		t.Errorf("BestBid() = (%d, %d, %v), want (550000, 100, true)", bidP, bidS, ok)
	}
	askP, askS, ok := b.BestAsk()
	if !ok || askP != 570000 || askS != 150 {
		t.Errorf("BestAsk() = (%d, %d, %v), want (570000, 150, true)", askP, askS, ok)
	}
	if b.Hash() != "h1" {
		t.Errorf("Hash() = %q, want h1", b.Hash())
	}
}

func TestApplyPriceChangeInsertUpdateRemove(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 500000, 100, "h1")
	b.ApplyPriceChange(Bid, 510000, 50, "h2")

	bidP, bidS, ok := b.BestBid()
	if !ok || bidP != 510000 || bidS != 50 {
		t.Fatalf("after insert: BestBid() = (%d, %d, %v)", bidP, bidS, ok)
	}

	// Update the top level's size.
	b.ApplyPriceChange(Bid, 510000, 999, "h3")
	_, bidS, _ = b.BestBid()
	if bidS != 999 {
		t.Errorf("after update: size = %d, want 999", bidS)
	}

	// size=0 removes the level, exposing the next one.
	b.ApplyPriceChange(Bid, 510000, 0, "h4")
	bidP, _, ok = b.BestBid()
	if !ok || bidP != 500000 {
		t.Errorf("after removal: BestBid() = (%d, _, %v), want (500000, _, true)", bidP, ok)
	}
}

func TestBestBidAskEmptySide(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 500000, 100, "h1")

	if _, _, ok := b.BestAsk(); ok {
		t.Error("BestAsk should be false with no asks")
	}
	if _, ok := b.Spread(); ok {
		t.Error("Spread should be false with only one side populated")
	}
}

func TestSpread(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 530000, 100, "h1")
	b.ApplyPriceChange(Ask, 550000, 100, "h1")

	spread, ok := b.Spread()
	if !ok || spread != 20000 {
		t.Errorf("Spread() = (%d, %v), want (20000, true)", spread, ok)
	}
}

func TestIsCrossedDetectsInvertedBook(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 560000, 100, "h1")
	b.ApplyPriceChange(Ask, 550000, 100, "h1")

	if !b.IsCrossed() {
		t.Error("expected IsCrossed=true when bid >= ask")
	}
}

func TestIsCrossedFalseForNormalBook(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 530000, 100, "h1")
	b.ApplyPriceChange(Ask, 550000, 100, "h1")

	if b.IsCrossed() {
		t.Error("expected IsCrossed=false for a well-formed book")
	}
}

func TestWalkSweepsMultipleLevels(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Ask, 550000, 100, "h1")
	b.ApplyPriceChange(Ask, 560000, 100, "h1")
	b.ApplyPriceChange(Ask, 570000, 100, "h1")

	avg, filled := b.Walk(Ask, 250)
	if filled != 250 {
		t.Fatalf("filled = %d, want 250", filled)
	}
	// 100@550000 + 100@560000 + 50@570000 = 139500000 / 250 = 558000
	want := int64(558000)
	if avg != want {
		t.Errorf("avg = %d, want %d", avg, want)
	}
}

func TestWalkReturnsPartialFillWhenBookTooThin(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Ask, 550000, 50, "h1")

	_, filled := b.Walk(Ask, 1000)
	if filled != 50 {
		t.Errorf("filled = %d, want 50 (book only has 50 available)", filled)
	}
}

func TestWalkEmptyBookReturnsZero(t *testing.T) {
	t.Parallel()

	b := New()
	avg, filled := b.Walk(Bid, 100)
	if avg != 0 || filled != 0 {
		t.Errorf("Walk on empty book = (%d, %d), want (0, 0)", avg, filled)
	}
}

func TestApplySnapshotReplacesPriorState(t *testing.T) {
	t.Parallel()

	b := New()
	b.ApplyPriceChange(Bid, 100000, 1, "stale")

	b.ApplySnapshot(
		[]Level{{PriceMicros: 200000, SizeMicros: 50}},
		nil,
		"fresh",
	)

	bidP, _, ok := b.BestBid()
	if !ok || bidP != 200000 {
		t.Errorf("expected snapshot to fully replace bids, got BestBid=(%d, %v)", bidP, ok)
	}
}

func TestOrderingHeldAcrossManyInserts(t *testing.T) {
	t.Parallel()

	b := New()
	prices := []int64{500000, 510000, 490000, 505000, 495000}
	for _, p := range prices {
		b.ApplyPriceChange(Bid, p, 10, "h")
	}

	bids, _ := b.Snapshot()
	for i := 1; i < len(bids); i++ {
		if bids[i-1].PriceMicros < bids[i].PriceMicros {
			t.Fatalf("bids not sorted descending: %v", bids)
		}
	}
}

func TestTickSizeLifecycle(t *testing.T) {
	t.Parallel()

	b := New()
	if _, _, ok := b.TickSize(); ok {
		t.Fatal("fresh book reported a tick size")
	}

	b.SetTickSize(10_000, 2)
	tick, dec, ok := b.TickSize()
	if !ok || tick != 10_000 || dec != 2 {
		t.Fatalf("TickSize = (%d, %d, %v), want (10000, 2, true)", tick, dec, ok)
	}

	// Coarsening near the price bounds: 0.01 -> 0.1.
	b.SetTickSize(100_000, 1)
	if tick, _, _ := b.TickSize(); tick != 100_000 {
		t.Errorf("tick after coarsening = %d, want 100000", tick)
	}
}
