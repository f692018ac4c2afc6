package hypersockets

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Heartbeat bundles the keepalive interval and the payload to send on it.
type Heartbeat struct {
	Interval time.Duration
	Payload  WsMessage
}

// ClientConfig is the build-time contract for a Client. Use NewClientConfig
// to construct one; it rejects incomplete configurations, which is the
// idiomatic Go substitute for a compile-time phantom-typed builder.
type ClientConfig struct {
	URL    string
	Router Router

	// Handlers maps a route key to the handler that processes messages for
	// it. A route key observed with no registered handler falls back to
	// DefaultHandler if set, otherwise it is logged and dropped.
	Handlers map[string]Handler

	// DefaultHandler serves any route key not present in Handlers. This is
	// how a router keyed on a value only known at runtime (e.g. a token ID
	// learned from a subscription) still gets the per-key ordering and
	// cross-key parallelism guarantee: the dispatcher still gives every
	// distinct key its own queue and goroutine, it just reuses the same
	// Handler value to process them.
	DefaultHandler Handler

	Auth        AuthProvider
	Headers     HeaderProvider
	Heartbeat   *Heartbeat
	PassivePing PassivePingDetector
	PongDetect  PongDetector

	ReconnectStrategy       ReconnectStrategy
	ReconnectionDelayOffset time.Duration

	// Subscriptions are sent, in order, immediately after a successful
	// connect (and every reconnect). Ignored if Resubscribe is set.
	Subscriptions []WsMessage

	// Resubscribe, if set, is called fresh on every (re)connect to compute
	// the subscription frames to send, taking priority over the static
	// Subscriptions list. This is how a caller whose subscribed-ID set
	// changes over the life of the process (markets started/stopped after
	// the client was built) keeps reconnects in sync with current state,
	// the same way HeaderProvider keeps dynamic auth headers current.
	Resubscribe func() []WsMessage

	ShutdownFlag *atomic.Bool
	HaltedFlag   *atomic.Bool

	HandshakeTimeout time.Duration
	PongTimeout      time.Duration
	StalenessWindow  time.Duration
}

// NewClientConfig validates cfg and fills required defaults. It is the
// checked constructor that stands in for a type-state builder.
func NewClientConfig(cfg ClientConfig) (*ClientConfig, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hypersockets: URL is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("hypersockets: Router is required")
	}
	if cfg.Handlers == nil {
		cfg.Handlers = make(map[string]Handler)
	}
	if cfg.Auth == nil {
		cfg.Auth = NoAuth{}
	}
	if cfg.Headers == nil {
		cfg.Headers = NoHeaders{}
	}
	if cfg.PassivePing == nil {
		cfg.PassivePing = NoOpPassivePing{}
	}
	if cfg.PongDetect == nil {
		cfg.PongDetect = NoOpPongDetector{}
	}
	if cfg.ReconnectStrategy == nil {
		cfg.ReconnectStrategy = ExponentialBackoff{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		}
	}
	if cfg.ShutdownFlag == nil {
		cfg.ShutdownFlag = &atomic.Bool{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Heartbeat != nil && cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 3 * cfg.Heartbeat.Interval
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 2 * cfg.HandshakeTimeout
	}

	out := cfg
	return &out, nil
}

// HasAuth reports whether authentication was configured with anything
// other than the no-op provider.
func (c *ClientConfig) HasAuth() bool {
	_, ok := c.Auth.(NoAuth)
	return !ok
}

// HasHeartbeat reports whether a heartbeat ticker was configured.
func (c *ClientConfig) HasHeartbeat() bool { return c.Heartbeat != nil }

// HasPassivePing reports whether a non-default passive-ping detector was configured.
func (c *ClientConfig) HasPassivePing() bool {
	_, ok := c.PassivePing.(NoOpPassivePing)
	return !ok
}

// SubscriptionCount returns how many subscription frames will be sent on connect.
func (c *ClientConfig) SubscriptionCount() int { return len(c.Subscriptions) }

// HandlerCount returns how many route-key handlers are registered.
func (c *ClientConfig) HandlerCount() int { return len(c.Handlers) }
