package predict

import (
	"math"

	"tradebridge/pkg/types"
)

// Feature vector layout. The external predictor and the rule fallback both
// consume this fixed order; changing it is a model-contract break.
const (
	FeatPrice = iota
	FeatRSI
	FeatEMA5
	FeatEMA8
	FeatEMAAlignment
	FeatVolume
	FeatATR
	FeatBid
	FeatAsk
	FeatADX
	FeatureCount
)

// Defaults applied when a field is missing from the frame.
const (
	defaultRSI    = 50.0
	defaultVolume = 1000.0
	defaultATR    = 1.0
)

// ProjectFeatures flattens a market frame into the model's input vector.
// Missing fields take documented defaults; NaN and ±Inf become 0.
func ProjectFeatures(frame types.MarketFrame) []float64 {
	v := make([]float64, FeatureCount)
	v[FeatPrice] = frame.Price
	v[FeatRSI] = frame.Field("rsi", defaultRSI)
	v[FeatEMA5] = frame.Field("ema5", frame.Price)
	v[FeatEMA8] = frame.Field("ema8", frame.Price)
	v[FeatEMAAlignment] = frame.Field("ema_alignment", 0)
	v[FeatVolume] = frame.Field("volume", defaultVolume)
	v[FeatATR] = frame.Field("atr", defaultATR)
	v[FeatBid] = frame.Field("bid", 0)
	v[FeatAsk] = frame.Field("ask", 0)
	v[FeatADX] = frame.Field("adx", 0)

	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			v[i] = 0
		}
	}
	return v
}
