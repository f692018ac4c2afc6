package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-mm/internal/config"
)

// Server hosts the dashboard's HTTP endpoints and its event WebSocket.
type Server struct {
	cfg      config.DashboardConfig
	provider MarketSnapshotProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the handler set and the client hub onto one http.Server.
func NewServer(
	cfg config.DashboardConfig,
	provider MarketSnapshotProvider,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	for pattern, fn := range map[string]http.HandlerFunc{
		"/health":       handlers.HandleHealth,
		"/api/snapshot": handlers.HandleSnapshot,
		"/api/orders":   handlers.HandleOrders,
		"/ws":           handlers.HandleWebSocket,
	} {
		mux.HandleFunc(pattern, fn)
	}
	// Everything else is the static dashboard bundle.
	mux.Handle("/", http.FileServer(http.Dir("web")))

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	go s.pumpEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight HTTP requests, then disconnects WebSocket clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

// pumpEvents relays the engine's event stream into the hub. Exits when the
// engine closes its channel at shutdown.
func (s *Server) pumpEvents() {
	eventsCh := s.provider.DashboardEvents()
	if eventsCh == nil {
		return
	}
	for evt := range eventsCh {
		s.hub.BroadcastEvent(evt)
	}
}
