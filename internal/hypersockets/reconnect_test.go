package hypersockets

import (
	"testing"
	"time"
)

func TestExponentialBackoffDelays(t *testing.T) {
	t.Parallel()

	strategy := ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for attempt, wantDelay := range want {
		got, ok := strategy.NextDelay(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected a delay, got none", attempt)
		}
		if got != wantDelay {
			t.Errorf("attempt %d: NextDelay() = %v, want %v", attempt, got, wantDelay)
		}
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	strategy := ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}

	got, ok := strategy.NextDelay(30)
	if !ok {
		t.Fatal("expected a delay at attempt 30")
	}
	if got > 10*time.Second {
		t.Errorf("NextDelay(30) = %v, want <= 10s", got)
	}
}

func TestExponentialBackoffNoOverflowAtLargeAttempt(t *testing.T) {
	t.Parallel()

	strategy := ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}

	got, ok := strategy.NextDelay(1000)
	if !ok {
		t.Fatal("expected a delay at attempt 1000")
	}
	if got != 10*time.Second {
		t.Errorf("NextDelay(1000) = %v, want exactly MaxDelay (10s)", got)
	}
}

func TestExponentialBackoffRespectsMaxAttempts(t *testing.T) {
	t.Parallel()

	strategy := ExponentialBackoff{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		MaxAttempts:  3,
	}
	if _, ok := strategy.NextDelay(3); ok {
		t.Error("expected no delay at attempt == MaxAttempts")
	}
	if _, ok := strategy.NextDelay(2); !ok {
		t.Error("expected a delay at attempt < MaxAttempts")
	}
}

func TestFixedDelay(t *testing.T) {
	t.Parallel()

	strategy := FixedDelay{Delay: 500 * time.Millisecond, MaxAttempts: 3}

	for attempt := 0; attempt < 3; attempt++ {
		got, ok := strategy.NextDelay(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected a delay", attempt)
		}
		if got != 500*time.Millisecond {
			t.Errorf("attempt %d: NextDelay() = %v, want 500ms", attempt, got)
		}
	}

	if _, ok := strategy.NextDelay(3); ok {
		t.Error("expected None at attempt 3 with MaxAttempts=3")
	}
}

func TestNeverReconnect(t *testing.T) {
	t.Parallel()

	var strategy NeverReconnect
	if strategy.ShouldReconnect(0) {
		t.Error("NeverReconnect.ShouldReconnect should always be false")
	}
	if _, ok := strategy.NextDelay(0); ok {
		t.Error("NeverReconnect.NextDelay should always report false")
	}
}
