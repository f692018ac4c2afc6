package strategy

import (
	"math"
	"sync"
	"time"
)

// FlowAssessment summarizes the recent fill flow against one market's
// ladders.
type FlowAssessment struct {
	HotTokenID     string  // token absorbing the larger share of filled size
	Concentration  float64 // [0.5, 1]: size-weighted share of the hot token
	FillsPerMinute float64 // arrival rate over the window
	Score          float64 // [0, 1]: composite adverse-flow score
	Adverse        bool    // Score at or above the configured threshold
}

// rateRef is the arrival rate treated as saturated when scoring: a market
// filling this bot faster than rateRef fills per minute is being swept,
// not quoted against.
const rateRef = 4.0

// FlowMonitor watches the maker's own fills for the signature of informed
// flow. The ladder only ever posts buys, on both outcome tokens, so
// adverse selection here doesn't look like a buy/sell imbalance — it looks
// like filled size piling onto ONE token faster than the market's normal
// cadence: someone who knows where the price is going is sweeping the bids
// on the side that is about to lose. When that signature appears, the
// maker widens its base offset and lets the widening decay back out after
// the burst passes.
type FlowMonitor struct {
	window    time.Duration // how far back fills count
	threshold float64       // Score at which flow is called adverse
	cooldown  time.Duration // decay constant for the post-burst widening
	maxWiden  float64       // ceiling on the offset multiplier

	mu          sync.Mutex
	fills       []Fill
	lastAdverse time.Time
}

func NewFlowMonitor(window time.Duration, threshold float64, cooldown time.Duration, maxWiden float64) *FlowMonitor {
	if maxWiden < 1 {
		maxWiden = 1
	}
	return &FlowMonitor{
		window:    window,
		threshold: threshold,
		cooldown:  cooldown,
		maxWiden:  maxWiden,
	}
}

// RecordFill adds one of our own fills to the window.
func (fm *FlowMonitor) RecordFill(fill Fill) {
	fm.mu.Lock()
	fm.fills = append(fm.fills, fill)
	fm.trimLocked(time.Now())
	fm.mu.Unlock()
}

// trimLocked drops fills that have aged out of the window.
func (fm *FlowMonitor) trimLocked(now time.Time) {
	cutoff := now.Add(-fm.window)
	n := 0
	for _, f := range fm.fills {
		if f.Timestamp.After(cutoff) {
			fm.fills[n] = f
			n++
		}
	}
	fm.fills = fm.fills[:n]
}

// WindowFills reports how many fills currently sit inside the window.
func (fm *FlowMonitor) WindowFills() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.trimLocked(time.Now())
	return len(fm.fills)
}

// Assess scores the current window. A single fill carries no directional
// information, so the score stays zero until at least two fills have
// landed.
func (fm *FlowMonitor) Assess() FlowAssessment {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.trimLocked(time.Now())
	return fm.assessLocked()
}

func (fm *FlowMonitor) assessLocked() FlowAssessment {
	if len(fm.fills) == 0 {
		return FlowAssessment{}
	}

	sizeByToken := make(map[string]float64, 2)
	var totalSize float64
	for _, f := range fm.fills {
		sizeByToken[f.TokenID] += f.Size
		totalSize += f.Size
	}

	var hot string
	var hotSize float64
	for token, size := range sizeByToken {
		if size > hotSize {
			hot, hotSize = token, size
		}
	}

	out := FlowAssessment{HotTokenID: hot}
	if totalSize > 0 {
		out.Concentration = hotSize / totalSize
	}
	out.FillsPerMinute = float64(len(fm.fills)) / fm.window.Minutes()

	if len(fm.fills) < 2 {
		return out
	}

	// Concentration alone is necessary but not sufficient — a lone slow
	// fill stream on one token is just a quiet market. The rate factor
	// scales the score from half-weight at zero rate to full weight at
	// rateRef, so only concentrated AND fast flow crosses the threshold.
	rate := math.Min(out.FillsPerMinute/rateRef, 1)
	out.Score = out.Concentration * (0.5 + 0.5*rate)
	out.Adverse = out.Score >= fm.threshold
	return out
}

// OffsetMultiplier returns the factor to apply to the ladder's base
// offset: 1 when flow is clean, up to maxWiden at the peak of an adverse
// burst, decaying exponentially with the cooldown as time constant once
// the burst ends. The exponential shape re-tightens fastest right after the
// burst and flattens out in the tail; once less than 1% of the widening
// remains, the multiplier snaps back to 1.
func (fm *FlowMonitor) OffsetMultiplier() float64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	fm.trimLocked(now)
	a := fm.assessLocked()

	if a.Adverse {
		fm.lastAdverse = now
		severity := (a.Score - fm.threshold) / (1 - fm.threshold)
		if severity > 1 {
			severity = 1
		}
		// Even a threshold-grazing score widens halfway; headroom above
		// scales to the ceiling.
		return 1 + (fm.maxWiden-1)*(0.5+0.5*severity)
	}

	if fm.lastAdverse.IsZero() || fm.cooldown <= 0 {
		return 1
	}
	elapsed := now.Sub(fm.lastAdverse)
	decay := math.Exp(-elapsed.Seconds() / fm.cooldown.Seconds())
	if decay < 0.01 {
		return 1
	}
	return 1 + (fm.maxWiden-1)*decay
}
