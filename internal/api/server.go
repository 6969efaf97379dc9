package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"btcfifo-mm/internal/config"
)

// snapshotBroadcastInterval paces the WebSocket stream.
const snapshotBroadcastInterval = time.Second

// Server runs the HTTP/WebSocket introspection API: JSON snapshot,
// health, Prometheus metrics, and the operator's ledger-mismatch
// acknowledgement endpoint. No browser UI is served.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	fullCfg  config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	stopBroadcast context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(
	cfg config.DashboardConfig,
	provider StatusProvider,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/acknowledge-mismatch", handlers.HandleAcknowledgeMismatch)
	mux.HandleFunc("/api/adjust-hwm", handlers.HandleAdjustHWM)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Metrics().Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server, the hub, and the snapshot broadcaster.
func (s *Server) Start() error {
	go s.hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopBroadcast = cancel
	go s.broadcastLoop(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	if s.stopBroadcast != nil {
		s.stopBroadcast()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// broadcastLoop pushes a fresh snapshot to every stream client once per
// second while any are connected.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			s.hub.BroadcastEvent(NewSnapshotEvent(BuildSnapshot(s.provider, s.fullCfg)))
		}
	}
}
