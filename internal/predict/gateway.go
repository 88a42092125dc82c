// Package predict implements the prediction gateway: feature projection, a
// short-TTL result cache, a circuit-breaker-guarded call to the external
// predictor, and a deterministic rule fallback.
//
// Pipeline per call:
//
//	frame → ProjectFeatures → cache lookup (local LRU, then the optional
//	      shared store) → breaker(model, 5 s deadline)
//	      → on any failure: rule fallback (confidence clamped ≤ 0.5)
//	      → normalize probabilities + recommendation tiers
//
// The gateway never returns an error — a Prediction always comes back, and
// its CacheHit/FallbackUsed flags say how it was produced.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"tradebridge/internal/config"
	"tradebridge/internal/metrics"
	"tradebridge/pkg/types"
)

// Breaker tuning: open on ≥ 30% error rate over a rolling count window,
// probe again after 60 s.
const (
	breakerMinRequests = 20
	breakerErrorRate   = 0.30
	breakerOpenFor     = 60 * time.Second
	breakerInterval    = 60 * time.Second
)

// SharedCache is an optional cross-process result cache (Redis in
// production, via store.Cache). It is consulted after the in-memory LRU
// misses; model results are written back with the cache TTL.
type SharedCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Gateway evaluates market frames against the predictor stack.
type Gateway struct {
	predictor Predictor
	fallback  RulePredictor
	cache     *resultCache
	shared    SharedCache
	sharedTTL time.Duration
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	inflight  sync.WaitGroup
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds a gateway around the given predictor. shared and metrics may be
// nil.
func New(predictor Predictor, shared SharedCache, cfg config.PredictConfig, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	g := &Gateway{
		predictor: predictor,
		cache:     newResultCache(cfg.CacheCapacity, cfg.CacheTTL),
		shared:    shared,
		sharedTTL: cfg.CacheTTL,
		timeout:   cfg.Timeout,
		metrics:   m,
		logger:    logger.With("component", "predict"),
	}

	st := gobreaker.Settings{
		Name:     "predictor",
		Interval: breakerInterval,
		Timeout:  breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerErrorRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				"from", from.String(), "to", to.String())
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker(st)
	return g
}

// Predict produces a prediction for one frame. Safe for concurrent use.
func (g *Gateway) Predict(ctx context.Context, instrument string, frame types.MarketFrame) types.Prediction {
	g.inflight.Add(1)
	defer g.inflight.Done()

	start := time.Now()
	features := ProjectFeatures(frame)
	key := cacheKey(instrument, frame.Timestamp)

	if cached, ok := g.cache.get(key); ok {
		cached.CacheHit = true
		cached.Timestamp = time.Now()
		g.count(metrics.OutcomeCache)
		return cached
	}

	if pred, ok := g.sharedLookup(ctx, key); ok {
		pred.CacheHit = true
		pred.Timestamp = time.Now()
		g.cache.put(key, pred)
		g.count(metrics.OutcomeCache)
		return pred
	}

	pred, err := g.callModel(ctx, features)
	outcome := metrics.OutcomeModel
	if err != nil {
		g.logger.Warn("predictor unavailable, using fallback",
			"instrument", instrument, "error", err)
		pred, _ = g.fallback.Predict(ctx, features)
		pred.FallbackUsed = true
		outcome = metrics.OutcomeFallback
	}

	pred = normalize(pred)
	pred.ProcessingMs = float64(time.Since(start).Microseconds()) / 1000.0
	pred.Timestamp = time.Now()

	g.cache.put(key, pred)
	if !pred.FallbackUsed {
		// Fallbacks stay local: they cost nothing to recompute, and sharing
		// them would mask model recovery from other processes.
		g.sharedStore(ctx, key, pred)
	}
	g.count(outcome)
	if g.metrics != nil {
		g.metrics.PredictionSeconds.Observe(time.Since(start).Seconds())
	}
	return pred
}

// sharedLookup consults the external cache. Any failure is a miss.
func (g *Gateway) sharedLookup(ctx context.Context, key string) (types.Prediction, bool) {
	if g.shared == nil {
		return types.Prediction{}, false
	}
	val, hit, err := g.shared.Get(ctx, key)
	if err != nil {
		g.logger.Debug("shared cache get failed", "error", err)
		return types.Prediction{}, false
	}
	if !hit {
		return types.Prediction{}, false
	}
	var pred types.Prediction
	if err := json.Unmarshal([]byte(val), &pred); err != nil {
		g.logger.Debug("shared cache entry unreadable", "key", key, "error", err)
		return types.Prediction{}, false
	}
	return pred, true
}

func (g *Gateway) sharedStore(ctx context.Context, key string, pred types.Prediction) {
	if g.shared == nil {
		return
	}
	data, err := json.Marshal(pred)
	if err != nil {
		return
	}
	if err := g.shared.Set(ctx, key, string(data), g.sharedTTL); err != nil {
		g.logger.Debug("shared cache set failed", "error", err)
	}
}

// callModel runs the external predictor under the breaker with the call
// deadline. Cancellations and timeouts count as failures for the breaker.
func (g *Gateway) callModel(ctx context.Context, features []float64) (types.Prediction, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.predictor.Predict(callCtx, features)
	})
	if err != nil {
		return types.Prediction{}, err
	}
	return out.(types.Prediction), nil
}

// Drain waits for in-flight predictions, up to timeout. Returns true when
// everything completed in time.
func (g *Gateway) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// BreakerState reports the breaker state for health/metrics.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

// CacheStats returns current cache size and lifetime hit rate.
func (g *Gateway) CacheStats() (size int, hitRate float64) {
	return g.cache.len(), g.cache.hitRate()
}

func (g *Gateway) count(outcome string) {
	if g.metrics != nil {
		g.metrics.PredictionsTotal.WithLabelValues(outcome).Inc()
	}
}

// cacheKey buckets frames to one second so a burst of ticks inside the same
// second reuses one model call.
func cacheKey(instrument string, ts time.Time) string {
	return fmt.Sprintf("%s:%d", instrument, ts.Unix())
}

// ————————————————————————————————————————————————————————————————————————
// Normalization
// ————————————————————————————————————————————————————————————————————————

// Recommendation tiers keyed on (confidence, strength).
const (
	RecStrong   = "STRONG"
	RecModerate = "MODERATE"
	RecWeak     = "WEAK"
	RecNeutral  = "NEUTRAL"
)

// normalize clamps probabilities into [0,1], rescales so long+short ≤ 1,
// enforces the fallback confidence cap, and assigns the recommendation.
func normalize(p types.Prediction) types.Prediction {
	p.LongProb = clamp01(p.LongProb)
	p.ShortProb = clamp01(p.ShortProb)
	p.Confidence = clamp01(p.Confidence)
	p.Strength = clamp01(p.Strength)

	if sum := p.LongProb + p.ShortProb; sum > 1 {
		p.LongProb /= sum
		p.ShortProb /= sum
	}
	if p.FallbackUsed && p.Confidence > 0.5 {
		p.Confidence = 0.5
	}

	switch {
	case p.Confidence > 0.8 && p.Strength > 0.3:
		p.Recommendation = RecStrong
	case p.Confidence > 0.7 && p.Strength > 0.2:
		p.Recommendation = RecModerate
	case p.Confidence > 0.6 && p.Strength > 0.1:
		p.Recommendation = RecWeak
	default:
		p.Recommendation = RecNeutral
	}
	return p
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
