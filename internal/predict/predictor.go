package predict

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tradebridge/pkg/types"
)

// Predictor is the contract for the external prediction models. The model
// stack behind it (LSTM, transformer, tree ensemble) is out of scope; the
// bridge only depends on this call.
type Predictor interface {
	Predict(ctx context.Context, features []float64) (types.Prediction, error)
}

// ————————————————————————————————————————————————————————————————————————
// HTTP model service client
// ————————————————————————————————————————————————————————————————————————

// HTTPPredictor calls a remote model service: POST {base}/predict with the
// feature vector, expecting a Prediction back.
type HTTPPredictor struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewHTTPPredictor creates a client with retry on 5xx. The per-call deadline
// is enforced by the caller's context (the gateway owns the 5 s budget).
func NewHTTPPredictor(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPPredictor {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return false // the breaker handles transport failures
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPPredictor{
		http:   client,
		logger: logger.With("component", "http_predictor"),
	}
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

func (p *HTTPPredictor) Predict(ctx context.Context, features []float64) (types.Prediction, error) {
	var result types.Prediction
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(predictRequest{Features: features}).
		SetResult(&result).
		Post("/predict")
	if err != nil {
		return types.Prediction{}, fmt.Errorf("model call: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Prediction{}, fmt.Errorf("model call: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Rule-based fallback
// ————————————————————————————————————————————————————————————————————————

// RulePredictor is the deterministic fallback: oversold above trend goes
// long, overbought below trend goes short, anything else is neutral. It is
// also a valid standalone Predictor for deployments with no model service.
type RulePredictor struct{}

// Fallback tier constants.
const (
	ruleDirectionalStrength = 0.45
	ruleNeutralStrength     = 0.30
	ruleConfidence          = 0.40
)

func (RulePredictor) Predict(_ context.Context, features []float64) (types.Prediction, error) {
	price := features[FeatPrice]
	rsi := features[FeatRSI]
	ema5 := features[FeatEMA5]

	pred := types.Prediction{
		Direction:     types.Neutral,
		LongProb:      0.5,
		ShortProb:     0.5,
		Confidence:    ruleConfidence,
		Strength:      ruleNeutralStrength,
		ModelVersions: map[string]string{"rule": "v1"},
	}

	switch {
	case rsi < 30 && price > ema5:
		pred.Direction = types.Long
		pred.Strength = ruleDirectionalStrength
		pred.LongProb = 0.6
		pred.ShortProb = 0.4
	case rsi > 70 && price < ema5:
		pred.Direction = types.Short
		pred.Strength = ruleDirectionalStrength
		pred.LongProb = 0.4
		pred.ShortProb = 0.6
	}
	return pred, nil
}
