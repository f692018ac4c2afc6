package hypersockets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager supervises a fixed set of named Clients, starting them together
// and reporting aggregate health. It is the multi-connection counterpart
// to Client: one Manager typically owns the market feed and the user feed
// for a trading session.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager constructs an empty Manager. Clients are registered with Add
// before calling Run.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, clients: make(map[string]*Client)}
}

// Add registers a client under name. Add must be called before Run.
func (m *Manager) Add(name string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// Client returns the named client, or nil if no such client was added.
func (m *Manager) Client(name string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[name]
}

// Run starts every registered client concurrently and blocks until ctx is
// cancelled or any one client's Run returns a non-context error, at which
// point the group context is cancelled and the rest are asked to stop.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	clients := make([]*Client, 0, len(m.clients))
	for name, c := range m.clients {
		names = append(names, name)
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := range clients {
		name, client := names[i], clients[i]
		g.Go(func() error {
			err := client.Run(gctx)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("hypersockets: client %q stopped: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Connected reports whether every registered client is in the Connected
// state. Used as the aggregate health check for gating strategy activity.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.clients) == 0 {
		return false
	}
	for _, c := range m.clients {
		if c.State() != Connected {
			return false
		}
	}
	return true
}

// AnyHalted reports whether any registered client has its halted flag set.
// The engine surfaces it through ConnectionHealth (dashboard health and
// snapshot); the strategy tick loop does not read it, and it never blocks
// a client's own reconnect attempts.
func (m *Manager) AnyHalted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if c.Halted() {
			return true
		}
	}
	return false
}
