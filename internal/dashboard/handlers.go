package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"tradebridge/internal/config"
	"tradebridge/internal/protocol"
	"tradebridge/pkg/types"
)

// DiagnosticPredictor serves POST /predict: one-off predictions for
// debugging, bypassing the host link.
type DiagnosticPredictor interface {
	Predict(ctx context.Context, instrument string, frame types.MarketFrame) types.Prediction
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg      config.DashboardConfig
	hub      *Hub
	provider HealthProvider
	diag     DiagnosticPredictor
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(cfg config.DashboardConfig, hub *Hub, provider HealthProvider, diag DiagnosticPredictor, logger *slog.Logger) *Handlers {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &Handlers{
		cfg:      cfg,
		hub:      hub,
		provider: provider,
		diag:     diag,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger.With("component", "dashboard-handlers"),
	}
}

// HandleHealth returns the current health snapshot.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.provider.Health()); err != nil {
		h.logger.Error("failed to encode health", "error", err)
	}
}

// HandlePredict accepts a MarketFrame body and returns a full Prediction,
// including cache/fallback flags. Diagnostics only; not on the trade path.
func (h *Handlers) HandlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxFrameSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	frame, err := types.ParseMarketFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pred := h.diag.Predict(r.Context(), frame.Instrument, frame)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pred); err != nil {
		h.logger.Error("failed to encode prediction", "error", err)
	}
}

// HandleWebSocket upgrades the connection and registers a subscriber. The
// current settings are delivered first so a fresh dashboard renders the risk
// gates immediately.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := NewSubscriber(h.hub, conn)

	if data, err := encodeEvent(types.NewEvent(types.ChannelCurrentSettings, h.hub.rpc.GetSettings())); err == nil {
		sub.enqueue(data, h.hub)
	}
}
