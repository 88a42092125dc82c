// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bridge — frame type tags,
// market frames, predictions, trades, positions, and dashboard events. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is a market direction. Positions additionally use FLAT.
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
	Flat    Direction = "FLAT"
)

// TradeSource records what originated a trade entry.
type TradeSource string

const (
	SourceManual TradeSource = "MANUAL" // dashboard manual_trade RPC
	SourceAuto   TradeSource = "AUTO"   // prediction passed the auto-trade gate
	SourceSync   TradeSource = "SYNC"   // adopted from host position reconciliation
)

// TradeStatus is the lifecycle state of a tracked trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "PENDING"
	StatusFilled    TradeStatus = "FILLED"
	StatusPartial   TradeStatus = "PARTIAL"
	StatusClosed    TradeStatus = "CLOSED"
	StatusFailed    TradeStatus = "FAILED"
	StatusCancelled TradeStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s TradeStatus) Terminal() bool {
	return s == StatusClosed || s == StatusFailed || s == StatusCancelled
}

// ————————————————————————————————————————————————————————————————————————
// Host link frame types
// ————————————————————————————————————————————————————————————————————————

// Inbound frame type tags recognized by the host session dispatcher.
const (
	FrameInstrumentRegistration = "instrument_registration"
	FrameMarketData             = "market_data"
	FrameStrategyStatus         = "strategy_status"
	FrameTradeExecution         = "trade_execution"
	FrameExecutionUpdate        = "execution_update"
	FramePredictionRequest      = "ml_prediction_request"
	FrameTrailingRequest        = "smart_trailing_request"
	FrameHeartbeat              = "heartbeat"
	FramePing                   = "ping"
)

// Outbound frame type tags emitted toward the Execution Host.
const (
	FramePredictionResponse = "ml_prediction_response"
	FrameTrailingResponse   = "smart_trailing_response"
	FrameTrailingUpdate     = "smart_trailing_update"
	FrameCommand            = "command"
	FrameHeartbeatResponse  = "heartbeat_response"
)

// StrategyActionContinue is stamped on lifecycle-relevant outbound frames so
// the Execution Host never interprets a trade exit as a strategy stop.
const StrategyActionContinue = "CONTINUE_OPERATION"

// ————————————————————————————————————————————————————————————————————————
// Dashboard event channels
// ————————————————————————————————————————————————————————————————————————

const (
	ChannelStrategyState    = "strategy_state"
	ChannelStrategyStatus   = "strategy_status"
	ChannelMarketData       = "market_data"
	ChannelTradeExecution   = "trade_execution"
	ChannelPrediction       = "ml_prediction_result"
	ChannelSystemAlert      = "system_alert"
	ChannelPerformance      = "performance_metrics"
	ChannelHeartbeat        = "heartbeat"
	ChannelConnectionStatus = "connection_status"
	ChannelCurrentSettings  = "current_settings"
)

// Event is one message broadcast to dashboard subscribers.
type Event struct {
	Channel   string      `json:"channel"`
	Payload   interface{} `json:"data"`
	Timestamp time.Time   `json:"ts"`
}

// NewEvent stamps an event with the current time.
func NewEvent(channel string, payload interface{}) Event {
	return Event{Channel: channel, Payload: payload, Timestamp: time.Now()}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketFrame is one market_data update from the Execution Host.
//
// Only instrument, timestamp, and price are first-class; every other numeric
// field on the wire (rsi, ema5, atr, bid, ask, ...) lands in Extra so the
// prediction gateway sees the frame verbatim even for fields the bridge does
// not know about.
type MarketFrame struct {
	Instrument string
	Timestamp  time.Time
	Price      float64
	Extra      map[string]float64
}

// Field returns a named extra field, or def when absent or non-finite.
func (f MarketFrame) Field(name string, def float64) float64 {
	v, ok := f.Extra[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// Has reports whether a named extra field is present and finite.
func (f MarketFrame) Has(name string) bool {
	v, ok := f.Extra[name]
	return ok && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ParseMarketFrame decodes a raw market_data frame and validates it.
// Validation failures return an error; when the price field alone is
// recoverable, a best-effort sanitized frame is returned alongside the error
// so the caller may still forward it.
func ParseMarketFrame(raw []byte) (MarketFrame, error) {
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return MarketFrame{}, fmt.Errorf("decode market frame: %w", err)
	}

	frame := MarketFrame{Extra: make(map[string]float64)}
	for k, v := range wire {
		switch k {
		case "instrument":
			if s, ok := v.(string); ok {
				frame.Instrument = s
			}
		case "type", "timestamp", "ts", "request_id", "price":
			// picked out below
		default:
			if n, ok := v.(float64); ok {
				frame.Extra[k] = n
			}
		}
	}

	frame.Timestamp = parseFrameTime(wire)
	if p, ok := wire["price"].(float64); ok {
		frame.Price = p
	}

	if frame.Instrument == "" {
		return frame, fmt.Errorf("market frame missing instrument")
	}
	if frame.Price <= 0 || math.IsNaN(frame.Price) || math.IsInf(frame.Price, 0) {
		return frame, fmt.Errorf("market frame price %v out of range", frame.Price)
	}
	if rsi, ok := frame.Extra["rsi"]; ok && (rsi < 0 || rsi > 100) {
		// RSI is bounded by definition; a value outside [0,100] means the
		// field is garbage. The frame survives with the field removed.
		delete(frame.Extra, "rsi")
		return frame, fmt.Errorf("market frame rsi %v out of range", rsi)
	}
	return frame, nil
}

// parseFrameTime accepts either an RFC3339 "timestamp" or epoch-millis "ts".
func parseFrameTime(wire map[string]interface{}) time.Time {
	if s, ok := wire["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	if ms, ok := wire["ts"].(float64); ok && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return time.Now()
}

// ————————————————————————————————————————————————————————————————————————
// Predictions
// ————————————————————————————————————————————————————————————————————————

// Prediction is the normalized output of the prediction gateway.
// Invariants: all probabilities in [0,1], long+short ≤ 1+ε, and confidence
// clamped to ≤ 0.5 whenever FallbackUsed is set.
type Prediction struct {
	Direction      Direction         `json:"direction"`
	LongProb       float64           `json:"long_prob"`
	ShortProb      float64           `json:"short_prob"`
	Confidence     float64           `json:"confidence"`
	Strength       float64           `json:"strength"`
	Recommendation string            `json:"recommendation"`
	ProcessingMs   float64           `json:"processing_ms"`
	ModelVersions  map[string]string `json:"model_versions,omitempty"`
	CacheHit       bool              `json:"cache_hit"`
	FallbackUsed   bool              `json:"fallback_used"`
	Timestamp      time.Time         `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and trades
// ————————————————————————————————————————————————————————————————————————

// Position is one side's view of the current exposure on an instrument.
// The bridge keeps two: the host shadow (last reported by the Execution
// Host) and the bridge shadow (derived from executed trades).
type Position struct {
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	AvgPrice   float64   `json:"avg_price"`
	LastUpdate time.Time `json:"last_update"`
}

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool {
	return p.Size == 0 || p.Direction == Flat || p.Direction == ""
}

// Trade is one tracked order lifecycle, owned exclusively by the trade
// manager. ID format: <source>_<direction>_<HHMMSS>_<6-hex>.
type Trade struct {
	ID         string      `json:"id"`
	Instrument string      `json:"instrument"`
	Direction  Direction   `json:"direction"`
	Qty        float64     `json:"qty"`
	EntryPx    float64     `json:"entry_px"`
	StopPx     float64     `json:"stop_px"`
	TargetPx   float64     `json:"target_px"`
	Source     TradeSource `json:"source"`
	Status     TradeStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ExitedAt   time.Time   `json:"exited_at,omitempty"`
	ExitPx     float64     `json:"exit_px,omitempty"`
	ExitReason string      `json:"exit_reason,omitempty"`
	PnL        float64     `json:"pnl,omitempty"`
}

// Command is an outbound order instruction for the Execution Host.
type Command struct {
	Type           string  `json:"type"`
	Command        string  `json:"command"` // go_long | go_short | close_position
	Instrument     string  `json:"instrument"`
	Quantity       float64 `json:"quantity"`
	Price          float64 `json:"price"`
	StopLoss       float64 `json:"stop_loss"`
	Target         float64 `json:"target"`
	Reason         string  `json:"reason"`
	TradeID        string  `json:"trade_id"`
	Timestamp      string  `json:"timestamp"`
	StrategyAction string  `json:"strategy_action"`
}

// Command verbs.
const (
	CmdGoLong        = "go_long"
	CmdGoShort       = "go_short"
	CmdClosePosition = "close_position"
)

// ————————————————————————————————————————————————————————————————————————
// Settings
// ————————————————————————————————————————————————————————————————————————

// Settings are the runtime-adjustable risk gates, persisted across restarts.
type Settings struct {
	MinConfidence      float64 `json:"min_confidence"`
	AutoTradingEnabled bool    `json:"auto_trading_enabled"`
}

// WireTimestamp formats a time the way the Execution Host expects on
// outbound frames (ISO-8601 with millisecond precision).
func WireTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
