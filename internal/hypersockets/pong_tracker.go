package hypersockets

import (
	"sync/atomic"
	"time"
)

// PongTracker measures whether a connection's ping/pong keepalive is
// healthy using two atomic millisecond-since-epoch timestamps relative to
// an internal start time, so reads never need a lock.
type PongTracker struct {
	epoch             time.Time
	lastPingSentMs    atomic.Uint64
	lastPongReceiveMs atomic.Uint64
	timeout           time.Duration
}

// NewPongTracker creates a tracker considered healthy until the first ping
// is recorded.
func NewPongTracker(timeout time.Duration) *PongTracker {
	return &PongTracker{epoch: time.Now(), timeout: timeout}
}

// elapsedMs is offset by one so a stamp taken in the tracker's first
// millisecond is never 0, the value that means "never recorded".
func (p *PongTracker) elapsedMs() uint64 {
	return uint64(time.Since(p.epoch).Milliseconds()) + 1
}

// RecordPingSent stamps the current time as the last ping sent.
func (p *PongTracker) RecordPingSent() {
	p.lastPingSentMs.Store(p.elapsedMs())
}

// RecordPongReceived stamps the current time as the last pong received.
func (p *PongTracker) RecordPongReceived() {
	p.lastPongReceiveMs.Store(p.elapsedMs())
}

// IsHealthy reports true when no ping has been sent yet, or the most
// recent pong is at least as recent as the most recent ping, or we are
// still within the timeout window of the last ping sent.
func (p *PongTracker) IsHealthy() bool {
	pingMs := p.lastPingSentMs.Load()
	if pingMs == 0 {
		return true
	}
	pongMs := p.lastPongReceiveMs.Load()
	if pongMs >= pingMs {
		return true
	}
	now := p.elapsedMs()
	var sinceLastPing uint64
	if now > pingMs {
		sinceLastPing = now - pingMs
	}
	return sinceLastPing < uint64(p.timeout.Milliseconds())
}

// TimeSinceLastPong returns the elapsed time since the last recorded pong,
// or false if none has been recorded.
func (p *PongTracker) TimeSinceLastPong() (time.Duration, bool) {
	pongMs := p.lastPongReceiveMs.Load()
	if pongMs == 0 {
		return 0, false
	}
	now := p.elapsedMs()
	if now < pongMs {
		return 0, true
	}
	return time.Duration(now-pongMs) * time.Millisecond, true
}

// TimeSinceLastPing returns the elapsed time since the last recorded ping,
// or false if none has been recorded.
func (p *PongTracker) TimeSinceLastPing() (time.Duration, bool) {
	pingMs := p.lastPingSentMs.Load()
	if pingMs == 0 {
		return 0, false
	}
	now := p.elapsedMs()
	if now < pingMs {
		return 0, true
	}
	return time.Duration(now-pingMs) * time.Millisecond, true
}

// Reset zeroes both timestamps, restoring the "healthy before first ping"
// state. Called on every successful (re)connect.
func (p *PongTracker) Reset() {
	p.lastPingSentMs.Store(0)
	p.lastPongReceiveMs.Store(0)
}
