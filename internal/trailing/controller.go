// Package trailing computes adaptive trailing-stop updates for open
// positions.
//
// Per accepted market frame the controller:
//
//  1. Skips flat positions.
//  2. Throttles to one update per 15 s per position, unless a significance
//     trigger fires (≥ 0.5·ATR favorable move, 1.5× volume spike, or an
//     EMA5/EMA8 cross).
//  3. Computes a candidate stop from an ATR multiplier adapted to
//     volatility, trend strength, nearby support/resistance, and open
//     profit.
//  4. Enforces monotonicity (stops only ever tighten) and bounds the move
//     to max_move_atr · ATR.
//  5. Drops updates whose confidence is below the configured floor.
package trailing

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tradebridge/internal/config"
	"tradebridge/pkg/types"
)

// AlgorithmName identifies the single adaptive policy this controller
// implements; it is reported on every update so dashboards can display it.
const AlgorithmName = "adaptive_atr"

// Policy tuning.
const (
	baseATRMultiplier = 1.5
	tightenFactor     = 0.8 // strong trend / deep profit multiplier
	minVolFactor      = 0.8
	maxVolFactor      = 1.6
	levelSnapATR      = 0.3 // snap when |price − level| < 0.3·ATR
	levelBufferDiv    = 3.0 // buffer = ATR / 3
	profitTightenPct  = 3.0
	favorableMoveATR  = 0.5
	volumeSpikeRatio  = 1.5
)

// Update is an accepted stop adjustment.
type Update struct {
	Instrument   string  `json:"instrument"`
	TradeID      string  `json:"trade_id,omitempty"`
	NewStopPrice float64 `json:"new_stop_price"`
	Algorithm    string  `json:"algorithm"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

// state is the per-position memory the throttle and triggers need.
type state struct {
	lastEmit      time.Time
	lastEmitPrice float64
	prevVolume    float64
	prevEMADelta  float64 // sign of ema5−ema8 on the previous frame
	atrEMA        float64 // smoothed ATR for the volatility factor
}

// Controller evaluates trailing-stop updates. Safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	cfg    config.TrailingConfig
	states map[string]*state // keyed by instrument:tradeID
	logger *slog.Logger
	now    func() time.Time
}

// New creates a controller.
func New(cfg config.TrailingConfig, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		states: make(map[string]*state),
		logger: logger.With("component", "trailing"),
		now:    time.Now,
	}
}

// Evaluate considers one market frame against one open trade. The second
// return is false when no update should be emitted.
func (c *Controller) Evaluate(tr types.Trade, frame types.MarketFrame) (Update, bool) {
	if tr.Status != types.StatusFilled && tr.Status != types.StatusPartial {
		return Update{}, false
	}
	if tr.Direction != types.Long && tr.Direction != types.Short {
		return Update{}, false
	}

	atr := frame.Field("atr", 1.0)
	if atr <= 0 {
		atr = 1.0
	}

	c.mu.Lock()
	key := tr.Instrument + ":" + tr.ID
	st, ok := c.states[key]
	if !ok {
		st = &state{atrEMA: atr}
		c.states[key] = st
	}

	throttled := !st.lastEmit.IsZero() && c.now().Sub(st.lastEmit) < c.cfg.Throttle
	significant := c.significanceLocked(st, tr, frame, atr)

	// Roll per-frame memory forward regardless of outcome.
	st.prevVolume = frame.Field("volume", st.prevVolume)
	st.prevEMADelta = frame.Field("ema5", frame.Price) - frame.Field("ema8", frame.Price)
	st.atrEMA = 0.9*st.atrEMA + 0.1*atr
	atrEMA := st.atrEMA
	c.mu.Unlock()

	if throttled && !significant {
		return Update{}, false
	}

	candidate, reasoning, confidence := c.candidateStop(tr, frame, atr, atrEMA)

	// Monotonicity: a trailing stop only ever tightens.
	if tr.StopPx != 0 {
		if tr.Direction == types.Long && candidate <= tr.StopPx {
			return Update{}, false
		}
		if tr.Direction == types.Short && candidate >= tr.StopPx {
			return Update{}, false
		}

		// Bounded movement: clamp to max_move_atr · ATR from the current stop.
		maxMove := c.cfg.MaxMoveATR * atr
		if math.Abs(candidate-tr.StopPx) > maxMove {
			if tr.Direction == types.Long {
				candidate = tr.StopPx + maxMove
			} else {
				candidate = tr.StopPx - maxMove
			}
			reasoning += "; move clamped"
		}
	}

	if confidence < c.cfg.MinConfidence {
		c.logger.Debug("trailing update below confidence floor",
			"trade", tr.ID, "confidence", confidence)
		return Update{}, false
	}

	c.mu.Lock()
	st.lastEmit = c.now()
	st.lastEmitPrice = frame.Price
	c.mu.Unlock()

	return Update{
		Instrument:   tr.Instrument,
		TradeID:      tr.ID,
		NewStopPrice: candidate,
		Algorithm:    AlgorithmName,
		Confidence:   confidence,
		Reasoning:    reasoning,
	}, true
}

// significanceLocked checks the three throttle-override triggers.
func (c *Controller) significanceLocked(st *state, tr types.Trade, frame types.MarketFrame, atr float64) bool {
	// Favorable price move since the last emitted update.
	if st.lastEmitPrice > 0 {
		move := frame.Price - st.lastEmitPrice
		if tr.Direction == types.Short {
			move = -move
		}
		if move >= favorableMoveATR*atr {
			return true
		}
	}

	// Volume spike.
	if v := frame.Field("volume", 0); st.prevVolume > 0 && v > volumeSpikeRatio*st.prevVolume {
		return true
	}

	// EMA5/EMA8 cross.
	delta := frame.Field("ema5", frame.Price) - frame.Field("ema8", frame.Price)
	if st.prevEMADelta != 0 && delta != 0 && (delta > 0) != (st.prevEMADelta > 0) {
		return true
	}
	return false
}

// candidateStop runs the adaptive policy and returns the proposed stop, a
// human-readable reasoning string, and the update confidence.
func (c *Controller) candidateStop(tr types.Trade, frame types.MarketFrame, atr, atrEMA float64) (float64, string, float64) {
	volFactor := 1.0
	if atrEMA > 0 {
		volFactor = clamp(atr/atrEMA, minVolFactor, maxVolFactor)
	}
	mult := baseATRMultiplier * volFactor
	reasoning := fmt.Sprintf("atr=%.2f vol_factor=%.2f", atr, volFactor)

	emaAlign := frame.Field("ema_alignment", 0)
	trendStrength := math.Min(frame.Field("adx", 0)/50.0, 1.0)

	strongTrend := math.Abs(emaAlign) > 0.6 && trendStrength > 0.7
	if strongTrend {
		mult *= tightenFactor
		reasoning += "; strong trend tighten"
	}

	profitPct := openProfitPercent(tr, frame.Price)
	if profitPct > profitTightenPct {
		mult = math.Min(mult, tightenFactor*baseATRMultiplier)
		reasoning += fmt.Sprintf("; profit %.1f%% tighten", profitPct)
	}
	// The tighten paths never go below 0.8·base.
	if floor := tightenFactor * baseATRMultiplier * minVolFactor; mult < floor {
		mult = floor
	}

	var candidate float64
	if tr.Direction == types.Long {
		candidate = frame.Price - mult*atr
	} else {
		candidate = frame.Price + mult*atr
	}

	// Support/resistance snap: park the stop just beyond a nearby level.
	if level, ok := nearbyLevel(tr.Direction, frame, atr); ok {
		buffer := atr / levelBufferDiv
		if tr.Direction == types.Long {
			candidate = level - buffer
		} else {
			candidate = level + buffer
		}
		reasoning += fmt.Sprintf("; snapped to level %.2f", level)
	}

	confidence := 0.5 + 0.25*math.Abs(emaAlign) + 0.25*trendStrength
	if confidence > 0.95 {
		confidence = 0.95
	}
	return candidate, reasoning, confidence
}

// nearbyLevel returns a support (for longs) or resistance (for shorts)
// level within the snap distance, when the host supplies one.
func nearbyLevel(dir types.Direction, frame types.MarketFrame, atr float64) (float64, bool) {
	field := "support"
	if dir == types.Short {
		field = "resistance"
	}
	if !frame.Has(field) {
		return 0, false
	}
	level := frame.Field(field, 0)
	if level <= 0 || math.Abs(frame.Price-level) >= levelSnapATR*atr {
		return 0, false
	}
	return level, true
}

func openProfitPercent(tr types.Trade, price float64) float64 {
	if tr.EntryPx <= 0 {
		return 0
	}
	move := price - tr.EntryPx
	if tr.Direction == types.Short {
		move = -move
	}
	return move / tr.EntryPx * 100
}

// Forget drops per-position state once a trade terminates.
func (c *Controller) Forget(instrument, tradeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, instrument+":"+tradeID)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
