package strategy

import (
	"testing"
	"time"
)

func fillAt(token string, size float64, age time.Duration) Fill {
	return Fill{Timestamp: time.Now().Add(-age), TokenID: token, Size: size}
}

func TestAssessEmptyWindowIsClean(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.7, time.Minute, 3)

	a := fm.Assess()
	if a.Adverse || a.Score != 0 || a.HotTokenID != "" {
		t.Errorf("empty window should assess clean, got %+v", a)
	}
	if fm.OffsetMultiplier() != 1 {
		t.Errorf("clean flow must not widen the offset")
	}
}

func TestAssessSingleFillCarriesNoSignal(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.7, time.Minute, 3)
	fm.RecordFill(fillAt("up", 100, time.Second))

	a := fm.Assess()
	if a.Score != 0 || a.Adverse {
		t.Errorf("one fill is not evidence of informed flow: %+v", a)
	}
	if a.HotTokenID != "up" || a.Concentration != 1 {
		t.Errorf("hot token bookkeeping should still work: %+v", a)
	}
}

func TestAssessConcentrationIsSizeWeighted(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.99, time.Minute, 3)

	// More fills on "down", but nearly all the SIZE lands on "up".
	fm.RecordFill(fillAt("down", 1, time.Second))
	fm.RecordFill(fillAt("down", 1, 2*time.Second))
	fm.RecordFill(fillAt("down", 1, 3*time.Second))
	fm.RecordFill(fillAt("up", 97, time.Second))

	a := fm.Assess()
	if a.HotTokenID != "up" {
		t.Fatalf("hot token = %q, want the token absorbing the size", a.HotTokenID)
	}
	if a.Concentration != 0.97 {
		t.Errorf("concentration = %v, want 0.97 (size share, not fill-count share)", a.Concentration)
	}
}

func TestAssessFastOneSidedSweepIsAdverse(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.7, time.Minute, 3)

	// Eight same-token fills inside a minute: concentration 1.0 and the
	// rate factor saturated, so the score hits 1.0.
	for i := 0; i < 8; i++ {
		fm.RecordFill(fillAt("up", 10, time.Duration(i)*time.Second))
	}

	a := fm.Assess()
	if !a.Adverse {
		t.Fatalf("a fast one-sided sweep must assess adverse: %+v", a)
	}
	if a.Score != 1 {
		t.Errorf("score = %v, want 1.0 at full concentration and saturated rate", a.Score)
	}

	if got := fm.OffsetMultiplier(); got != 3 {
		t.Errorf("offset multiplier = %v, want the configured ceiling at peak severity", got)
	}
}

func TestAssessBalancedFlowStaysClean(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.7, time.Minute, 3)

	for i := 0; i < 4; i++ {
		fm.RecordFill(fillAt("up", 10, time.Duration(i)*time.Second))
		fm.RecordFill(fillAt("down", 10, time.Duration(i)*time.Second))
	}

	a := fm.Assess()
	if a.Adverse {
		t.Errorf("both-sides fills are the ladder working as intended, not toxicity: %+v", a)
	}
	if a.Concentration != 0.5 {
		t.Errorf("concentration = %v, want 0.5 for an even split", a.Concentration)
	}
}

func TestSlowOneSidedFlowStaysBelowThreshold(t *testing.T) {
	t.Parallel()
	// Two fills on one token across a long window: concentrated but far
	// too slow for the rate factor to lift the score over the bar.
	fm := NewFlowMonitor(10*time.Minute, 0.7, time.Minute, 3)
	fm.RecordFill(fillAt("up", 10, 8*time.Minute))
	fm.RecordFill(fillAt("up", 10, time.Second))

	a := fm.Assess()
	if a.Adverse {
		t.Errorf("quiet one-sided trickle should not trip: %+v", a)
	}
}

func TestWindowEvictsOldFills(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(30*time.Second, 0.7, time.Minute, 3)

	fm.RecordFill(fillAt("up", 10, time.Minute)) // already stale
	fm.RecordFill(fillAt("up", 10, time.Second))

	if got := fm.WindowFills(); got != 1 {
		t.Errorf("window holds %d fills, want 1 after eviction", got)
	}
}

func TestOffsetMultiplierDecaysAfterBurst(t *testing.T) {
	t.Parallel()
	fm := NewFlowMonitor(time.Minute, 0.7, 10*time.Second, 3)

	for i := 0; i < 8; i++ {
		fm.RecordFill(fillAt("up", 10, time.Duration(i)*time.Second))
	}
	peak := fm.OffsetMultiplier()
	if peak != 3 {
		t.Fatalf("peak multiplier = %v, want 3", peak)
	}

	// Simulate the burst ending some time ago: clear the window and age
	// the adverse timestamp one full time constant back.
	fm.mu.Lock()
	fm.fills = nil
	fm.lastAdverse = time.Now().Add(-10 * time.Second)
	fm.mu.Unlock()

	decayed := fm.OffsetMultiplier()
	if decayed >= peak || decayed <= 1 {
		t.Fatalf("multiplier should be mid-decay, got %v", decayed)
	}

	// Several time constants later the widening is effectively gone.
	fm.mu.Lock()
	fm.lastAdverse = time.Now().Add(-60 * time.Second)
	fm.mu.Unlock()
	if got := fm.OffsetMultiplier(); got != 1 {
		t.Errorf("multiplier = %v, want 1 once the decay has run out", got)
	}
}
