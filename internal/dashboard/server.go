package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradebridge/internal/config"
	"tradebridge/internal/metrics"
)

// Health is the /health response body.
type Health struct {
	Status        string  `json:"status"`
	UptimeSec     float64 `json:"uptime_sec"`
	HostSessions  int     `json:"host_sessions"`
	Subscribers   int     `json:"subscribers"`
	OpenTrades    int     `json:"open_trades"`
	CacheSize     int     `json:"cache_size"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	BreakerState  string  `json:"breaker_state"`
	DroppedEvents int64   `json:"dropped_events"`
}

// HealthProvider supplies the current health snapshot (the supervisor).
type HealthProvider interface {
	Health() Health
}

// Server runs the HTTP endpoint hosting /health, /metrics, /predict, and
// the /ws websocket upgrade.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the HTTP routes.
func NewServer(cfg config.DashboardConfig, hub *Hub, provider HealthProvider, diag DiagnosticPredictor, m *metrics.Metrics, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, hub, provider, diag, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/predict", handlers.HandlePredict)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "dashboard-server"),
	}
}

// Start runs the hub loop and the HTTP listener. Blocks until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP listener down gracefully. The hub is drained
// separately by the supervisor's shutdown sequence.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
