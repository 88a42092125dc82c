// Package bridge is the central orchestrator of the trading bridge.
//
// It wires together all subsystems:
//
//  1. The host server terminates Execution Host connections and feeds the
//     classifier one ordered stream of frames.
//  2. The classifier routes each frame by type to the prediction gateway,
//     the trade manager, the trailing controller, and the subscriber hub.
//  3. Predictions that pass the risk gates become order commands back on
//     the owning host session.
//  4. The dashboard hub fans events out to browser subscribers and carries
//     their RPCs (settings, manual trades) back in.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradebridge/internal/config"
	"tradebridge/internal/dashboard"
	"tradebridge/internal/host"
	"tradebridge/internal/metrics"
	"tradebridge/internal/predict"
	"tradebridge/internal/settings"
	"tradebridge/internal/store"
	"tradebridge/internal/trade"
	"tradebridge/internal/trailing"
	"tradebridge/pkg/types"
)

// Shutdown drain budgets.
const (
	predictionDrainBudget = 5 * time.Second
	subscriberDrainBudget = 2 * time.Second
)

// Supervisor owns every component and all background goroutines.
type Supervisor struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	hostSrv  *host.Server
	hub      *dashboard.Hub
	dashSrv  *dashboard.Server
	gateway  *predict.Gateway
	trades   *trade.Manager
	trailing *trailing.Controller
	settings *settings.Manager
	eventLog store.EventLog
	cache    store.Cache

	mu        sync.Mutex
	connected map[string]bool // instruments announced as connected

	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates and wires all components.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	m := metrics.New()

	sm, err := settings.New(cfg.Settings.Path, types.Settings{
		MinConfidence:      cfg.Settings.MinConfidenceDefault,
		AutoTradingEnabled: cfg.Settings.AutoTradeDefault,
	}, logger)
	if err != nil {
		return nil, err
	}

	eventLog, cache, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	var predictor predict.Predictor
	if cfg.Predict.URL != "" {
		predictor = predict.NewHTTPPredictor(cfg.Predict.URL, cfg.Predict.Timeout, logger)
	} else {
		logger.Info("no model service configured, rule predictor serves directly")
		predictor = predict.RulePredictor{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		metrics:   m,
		gateway:   predict.New(predictor, cache, cfg.Predict, m, logger),
		trailing:  trailing.New(cfg.Trailing, logger),
		settings:  sm,
		eventLog:  eventLog,
		cache:     cache,
		connected: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.hostSrv = host.NewServer(cfg.Host, m, logger)
	s.trades = trade.NewManager(cfg.Trading.PointValues, s, s.hostSrv, logger)
	s.hub = dashboard.NewHub(cfg.Dashboard.QueueCapacity, s, m, logger)
	s.dashSrv = dashboard.NewServer(cfg.Dashboard, s.hub, s, s.gateway, m, logger)

	sm.OnChange(func(eff types.Settings) {
		s.Emit(types.NewEvent(types.ChannelCurrentSettings, eff))
	})
	return s, nil
}

// Start launches all background goroutines.
func (s *Supervisor) Start() error {
	s.started = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.hostSrv.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("host server error", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dashSrv.Start(); err != nil && s.ctx.Err() == nil {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.classifierLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.housekeepingLoop()
	}()

	s.logger.Info("bridge started",
		"host_port", s.cfg.Host.Port,
		"dashboard_port", s.cfg.Dashboard.Port,
	)
	return nil
}

// Stop shuts down in the documented order: stop accepting, announce
// shutdown, drain predictions, close host sessions, drain subscribers,
// persist settings.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down...")

	// 1–2: stop accepting new work, tell subscribers.
	s.cancel()
	s.Emit(types.NewEvent(types.ChannelConnectionStatus, map[string]string{"status": "shutdown"}))

	// 3: wait for in-flight predictions.
	if !s.gateway.Drain(predictionDrainBudget) {
		s.logger.Warn("prediction drain timed out")
	}

	// 4: close host sessions.
	s.hostSrv.Shutdown()

	// 5: drain subscriber queues, then stop the HTTP listener.
	s.hub.Shutdown(subscriberDrainBudget)
	if err := s.dashSrv.Stop(); err != nil {
		s.logger.Error("dashboard stop", "error", err)
	}

	// 6: persist settings and close stores.
	if err := s.settings.Persist(); err != nil {
		s.logger.Error("settings persist on shutdown", "error", err)
	}
	if err := s.eventLog.Close(); err != nil {
		s.logger.Error("event log close", "error", err)
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Error("cache close", "error", err)
	}

	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// Emit publishes an event to subscribers and the optional journal. It is
// the single egress used by every component.
func (s *Supervisor) Emit(evt types.Event) {
	s.hub.Broadcast(evt)
	if err := s.eventLog.Append(context.Background(), evt); err != nil {
		s.logger.Debug("event journal append failed", "error", err)
	}

	// A trade reaching a terminal state releases its trailing state here,
	// off the trade manager's locks.
	if evt.Channel == types.ChannelTradeExecution {
		if tr, ok := evt.Payload.(types.Trade); ok && tr.Status.Terminal() {
			s.trailing.Forget(tr.Instrument, tr.ID)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Classifier
// ————————————————————————————————————————————————————————————————————————

func (s *Supervisor) classifierLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.hostSrv.Inbound():
			s.classify(f)
		case d := <-s.hostSrv.Disconnects():
			s.handleDisconnect(d)
		}
	}
}

func (s *Supervisor) classify(f host.InboundFrame) {
	env := f.Envelope
	switch env.Type {
	case types.FrameInstrumentRegistration:
		s.Emit(types.NewEvent(types.ChannelStrategyState, map[string]string{
			"state":      "registered",
			"instrument": env.Instrument,
		}))

	case types.FrameMarketData:
		s.handleMarketData(f)

	case types.FrameStrategyStatus:
		s.handleStrategyStatus(f)

	case types.FrameTradeExecution, types.FrameExecutionUpdate:
		s.handleExecution(f)

	case types.FramePredictionRequest:
		s.handlePredictionRequest(f)

	case types.FrameTrailingRequest:
		s.handleTrailingRequest(f)

	default:
		s.logger.Debug("unknown frame type dropped", "type", env.Type)
		s.metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
	}
}

func (s *Supervisor) handleMarketData(f host.InboundFrame) {
	frame, err := types.ParseMarketFrame(f.Envelope.Raw)
	if err != nil {
		s.logger.Warn("invalid market frame", "error", err)
		s.metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		if frame.Price <= 0 {
			return
		}
		// Sanitized copy still carries a usable price; forward it.
	}

	s.Emit(types.NewEvent(types.ChannelMarketData, marketDataPayload(frame)))

	// Prediction + auto-trade run off the classifier goroutine so a slow
	// model never stalls frame processing. The gateway tracks the call for
	// shutdown draining.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.evaluateFrame(frame)
	}()

	s.evaluateTrailing(f.Session, frame)
}

func marketDataPayload(frame types.MarketFrame) map[string]interface{} {
	payload := map[string]interface{}{
		"instrument": frame.Instrument,
		"price":      frame.Price,
		"timestamp":  types.WireTimestamp(frame.Timestamp),
	}
	for k, v := range frame.Extra {
		payload[k] = v
	}
	return payload
}

// evaluateFrame produces a prediction, publishes it, and applies the
// auto-trade gates. Entry commands route through the host server's
// instrument lookup rather than the originating session.
func (s *Supervisor) evaluateFrame(frame types.MarketFrame) {
	// Detached from the supervisor context: shutdown drains in-flight
	// predictions instead of aborting them, and the gateway bounds the call
	// with its own deadline.
	pred := s.gateway.Predict(context.Background(), frame.Instrument, frame)

	s.Emit(types.NewEvent(types.ChannelPrediction, map[string]interface{}{
		"instrument": frame.Instrument,
		"prediction": pred,
	}))

	gates := s.settings.Get()
	if !gates.AutoTradingEnabled {
		return
	}
	if pred.Direction != types.Long && pred.Direction != types.Short {
		return
	}
	if pred.Confidence <= gates.MinConfidence {
		return
	}
	if len(s.trades.ActiveTrades(frame.Instrument)) > 0 {
		s.logger.Debug("auto entry skipped, trade already open", "instrument", frame.Instrument)
		return
	}

	atr := frame.Field("atr", 1.0)
	req := trade.EntryRequest{
		Instrument: frame.Instrument,
		Direction:  pred.Direction,
		Qty:        s.cfg.Trading.DefaultQuantity,
		EntryPx:    frame.Price,
		Source:     types.SourceAuto,
		Reason:     fmt.Sprintf("prediction %s conf=%.2f", pred.Recommendation, pred.Confidence),
	}
	if pred.Direction == types.Long {
		req.StopPx = frame.Price - atr
		req.TargetPx = frame.Price + 2*atr
	} else {
		req.StopPx = frame.Price + atr
		req.TargetPx = frame.Price - 2*atr
	}

	if _, err := s.trades.EnterTrade(s.ctx, req); err != nil {
		s.logger.Warn("auto trade rejected", "instrument", frame.Instrument, "error", err)
	}
}

// evaluateTrailing runs the trailing controller over open trades for this
// instrument and pushes accepted stop updates back to the host.
func (s *Supervisor) evaluateTrailing(sess *host.Session, frame types.MarketFrame) {
	for _, tr := range s.trades.ActiveTrades(frame.Instrument) {
		upd, ok := s.trailing.Evaluate(tr, frame)
		if !ok {
			continue
		}
		if !s.trades.UpdateStop(tr.Instrument, tr.ID, upd.NewStopPrice) {
			continue
		}

		out := map[string]interface{}{
			"type":            types.FrameTrailingUpdate,
			"instrument":      upd.Instrument,
			"trade_id":        upd.TradeID,
			"new_stop_price":  upd.NewStopPrice,
			"algorithm":       upd.Algorithm,
			"confidence":      upd.Confidence,
			"reasoning":       upd.Reasoning,
			"timestamp":       types.WireTimestamp(time.Now()),
			"strategy_action": types.StrategyActionContinue,
		}
		if err := sess.Send(out); err != nil {
			s.logger.Warn("trailing update send failed", "error", err)
			continue
		}
		s.Emit(types.NewEvent(types.ChannelStrategyState, out))
	}
}

// handleStrategyStatus ingests a host position report and reconciles.
func (s *Supervisor) handleStrategyStatus(f host.InboundFrame) {
	var status struct {
		Instrument string  `json:"instrument"`
		Direction  string  `json:"direction"`
		Size       float64 `json:"size"`
		AvgPrice   float64 `json:"avg_price"`
	}
	if err := json.Unmarshal(f.Envelope.Raw, &status); err != nil || status.Instrument == "" {
		s.logger.Warn("malformed strategy status", "error", err)
		return
	}

	pos := types.Position{
		Direction: types.Direction(status.Direction),
		Size:      status.Size,
		AvgPrice:  status.AvgPrice,
	}
	if pos.Direction == "" {
		pos.Direction = types.Flat
	}
	s.trades.Reconcile(status.Instrument, pos)

	s.Emit(types.NewEvent(types.ChannelStrategyStatus, status))

	s.mu.Lock()
	first := !s.connected[status.Instrument]
	s.connected[status.Instrument] = true
	s.mu.Unlock()
	if first {
		s.Emit(types.NewEvent(types.ChannelConnectionStatus, map[string]string{
			"status":     "connected",
			"instrument": status.Instrument,
		}))
	}
}

func (s *Supervisor) handleExecution(f host.InboundFrame) {
	var exec struct {
		Instrument string  `json:"instrument"`
		OrderID    string  `json:"order_id"`
		TradeID    string  `json:"trade_id"`
		Price      float64 `json:"price"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal(f.Envelope.Raw, &exec); err != nil || exec.Instrument == "" {
		s.logger.Warn("malformed execution frame", "error", err)
		return
	}
	id := exec.OrderID
	if id == "" {
		id = exec.TradeID
	}
	s.trades.OnExecution(exec.Instrument, id, exec.Price, exec.Reason)
	s.metrics.OpenTrades.Set(float64(s.trades.OpenTradeCount()))
}

// handlePredictionRequest answers ml_prediction_request with a correlated
// ml_prediction_response on the same session.
func (s *Supervisor) handlePredictionRequest(f host.InboundFrame) {
	frame, err := types.ParseMarketFrame(f.Envelope.Raw)
	if err != nil && frame.Price <= 0 {
		s.logger.Warn("prediction request with unusable frame", "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detached context, same reason as evaluateFrame: the reply should
		// survive a shutdown begun while the model call is in flight.
		pred := s.gateway.Predict(context.Background(), frame.Instrument, frame)
		reply := map[string]interface{}{
			"type":            types.FramePredictionResponse,
			"request_id":      f.Envelope.RequestID,
			"instrument":      frame.Instrument,
			"prediction":      pred,
			"timestamp":       types.WireTimestamp(time.Now()),
			"strategy_action": types.StrategyActionContinue,
		}
		if err := f.Session.Send(reply); err != nil {
			s.logger.Warn("prediction response send failed", "error", err)
		}
	}()
}

// handleTrailingRequest answers smart_trailing_request synchronously from
// the position snapshot carried in the request.
func (s *Supervisor) handleTrailingRequest(f host.InboundFrame) {
	var req struct {
		Instrument  string  `json:"instrument"`
		Direction   string  `json:"direction"`
		EntryPrice  float64 `json:"entry_price"`
		CurrentStop float64 `json:"current_stop"`
		Quantity    float64 `json:"quantity"`
	}
	if err := json.Unmarshal(f.Envelope.Raw, &req); err != nil || req.Instrument == "" {
		s.logger.Warn("malformed trailing request", "error", err)
		return
	}

	frame, ferr := types.ParseMarketFrame(f.Envelope.Raw)
	reply := map[string]interface{}{
		"type":            types.FrameTrailingResponse,
		"request_id":      f.Envelope.RequestID,
		"instrument":      req.Instrument,
		"updated":         false,
		"timestamp":       types.WireTimestamp(time.Now()),
		"strategy_action": types.StrategyActionContinue,
	}

	if ferr == nil {
		pseudo := types.Trade{
			ID:         "request",
			Instrument: req.Instrument,
			Direction:  types.Direction(req.Direction),
			Qty:        req.Quantity,
			EntryPx:    req.EntryPrice,
			StopPx:     req.CurrentStop,
			Status:     types.StatusFilled,
		}
		if upd, ok := s.trailing.Evaluate(pseudo, frame); ok {
			reply["updated"] = true
			reply["new_stop_price"] = upd.NewStopPrice
			reply["algorithm"] = upd.Algorithm
			reply["confidence"] = upd.Confidence
			reply["reasoning"] = upd.Reasoning
		}
	}

	if err := f.Session.Send(reply); err != nil {
		s.logger.Warn("trailing response send failed", "error", err)
	}
}

func (s *Supervisor) handleDisconnect(d host.Disconnect) {
	s.Emit(types.NewEvent(types.ChannelConnectionStatus, map[string]interface{}{
		"status":      "disconnected",
		"reason":      d.Reason,
		"instruments": d.Session.Instruments(),
	}))

	s.mu.Lock()
	for _, in := range d.Session.Instruments() {
		delete(s.connected, in)
	}
	s.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Housekeeping
// ————————————————————————————————————————————————————————————————————————

func (s *Supervisor) housekeepingLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.trades.FailStalePending()
			s.metrics.OpenTrades.Set(float64(s.trades.OpenTradeCount()))
			s.Emit(types.NewEvent(types.ChannelPerformance, s.performanceSnapshot()))
		case <-heartbeat.C:
			s.Emit(types.NewEvent(types.ChannelHeartbeat, map[string]string{
				"timestamp": types.WireTimestamp(time.Now()),
			}))
		}
	}
}

func (s *Supervisor) performanceSnapshot() map[string]interface{} {
	cacheSize, hitRate := s.gateway.CacheStats()
	return map[string]interface{}{
		"host_sessions":  s.hostSrv.SessionCount(),
		"subscribers":    s.hub.SubscriberCount(),
		"open_trades":    s.trades.OpenTradeCount(),
		"cache_size":     cacheSize,
		"cache_hit_rate": hitRate,
		"breaker_state":  s.gateway.BreakerState(),
		"dropped_events": s.hub.DroppedEvents(),
		"uptime_sec":     time.Since(s.started).Seconds(),
	}
}

// Health implements dashboard.HealthProvider.
func (s *Supervisor) Health() dashboard.Health {
	cacheSize, hitRate := s.gateway.CacheStats()
	return dashboard.Health{
		Status:        "ok",
		UptimeSec:     time.Since(s.started).Seconds(),
		HostSessions:  s.hostSrv.SessionCount(),
		Subscribers:   s.hub.SubscriberCount(),
		OpenTrades:    s.trades.OpenTradeCount(),
		CacheSize:     cacheSize,
		CacheHitRate:  hitRate,
		BreakerState:  s.gateway.BreakerState(),
		DroppedEvents: s.hub.DroppedEvents(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard RPC surface
// ————————————————————————————————————————————————————————————————————————

// GetSettings implements dashboard.RPC.
func (s *Supervisor) GetSettings() types.Settings {
	return s.settings.Get()
}

// UpdateSettings implements dashboard.RPC. The settings manager persists
// before returning; the OnChange hook broadcasts current_settings.
func (s *Supervisor) UpdateSettings(patch settings.Patch) (types.Settings, error) {
	return s.settings.Update(patch)
}

// ManualTrade implements dashboard.RPC. The instrument guard applies: the
// request is rejected when no host session registered the instrument.
func (s *Supervisor) ManualTrade(req trade.EntryRequest) (string, error) {
	if s.hostSrv.SessionFor(req.Instrument) == nil {
		return "", fmt.Errorf("no host for instrument")
	}
	if req.Qty <= 0 {
		req.Qty = s.cfg.Trading.DefaultQuantity
	}
	req.Source = types.SourceManual
	if req.Reason == "" {
		req.Reason = "manual"
	}
	return s.trades.EnterTrade(s.ctx, req)
}
