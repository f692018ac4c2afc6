// Package hypersockets is a configurable WebSocket client framework:
// lock-free connection state, pluggable reconnection, type-routed message
// dispatch with one dedicated handler per route key, and cancellation-aware
// connect/auth/subscribe/heartbeat/read/write/watchdog tasks.
package hypersockets

import "sync/atomic"

// ConnState is the lock-free connection state machine. Transitions:
// Disconnected -> Connecting -> Connected -> (Reconnecting -> Connecting -> ...) -> ShuttingDown -> Disconnected.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	ShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// ConnStateRegister is a lock-free atomic holder of ConnState.
type ConnStateRegister struct {
	v atomic.Int32
}

// Get loads the current state (acquire).
func (r *ConnStateRegister) Get() ConnState {
	return ConnState(r.v.Load())
}

// Set stores a new state unconditionally (release).
func (r *ConnStateRegister) Set(s ConnState) {
	r.v.Store(int32(s))
}

// CompareExchange atomically transitions from `old` to `new`, returning
// true iff this call performed the transition. This is the single
// authoritative gate for entering the connect loop: under concurrent
// racing callers, exactly one observes success.
func (r *ConnStateRegister) CompareExchange(old, new ConnState) bool {
	return r.v.CompareAndSwap(int32(old), int32(new))
}

// Metrics holds three monotonic per-connection counters.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnectCount   atomic.Uint64
}

// IncSent increments the sent-message counter (relaxed).
func (m *Metrics) IncSent() { m.messagesSent.Add(1) }

// IncReceived increments the received-message counter (relaxed).
func (m *Metrics) IncReceived() { m.messagesReceived.Add(1) }

// IncReconnect increments the reconnect counter (relaxed).
func (m *Metrics) IncReconnect() { m.reconnectCount.Add(1) }

// MessagesSent reads the total (acquire).
func (m *Metrics) MessagesSent() uint64 { return m.messagesSent.Load() }

// MessagesReceived reads the total (acquire).
func (m *Metrics) MessagesReceived() uint64 { return m.messagesReceived.Load() }

// ReconnectCount reads the total (acquire).
func (m *Metrics) ReconnectCount() uint64 { return m.reconnectCount.Load() }

// Reset zeroes all three counters.
func (m *Metrics) Reset() {
	m.messagesSent.Store(0)
	m.messagesReceived.Store(0)
	m.reconnectCount.Store(0)
}
