package wfs

import (
	"math"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
)

// BuiltinStrategies returns the reference strategies the CLI bootstraps
// the registry with. They are deliberately simple: the platform's value is
// the pipeline around them, and studies swap in real strategies through
// the same capability.
func BuiltinStrategies() []Strategy {
	return []Strategy{
		momentumStrategy{},
		donchianStrategy{},
	}
}

// oosPoint is one out-of-sample observation after warm-up NaNs are
// dropped.
type oosPoint struct {
	ts    int64
	value float64
}

// oosValues pairs each out-of-sample timestamp with the column's value,
// skipping warm-up NaNs.
func oosValues(in Input, ref errs.FeatureRef) []oosPoint {
	col, ok := in.Bundle.Columns[ref]
	if !ok {
		return nil
	}
	byTs := make(map[int64]float64, len(col.Ts))
	for i, ts := range col.Ts {
		byTs[ts] = col.Values[i]
	}
	out := make([]oosPoint, 0, len(in.Ts))
	for _, ts := range in.Ts {
		if v, ok := byTs[ts]; ok && !math.IsNaN(v) {
			out = append(out, oosPoint{ts: ts, value: v})
		}
	}
	return out
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// momentumStrategy goes long when out-of-sample momentum clears a
// threshold and scores the window by mean momentum.
type momentumStrategy struct{}

func (momentumStrategy) ID() string      { return "momentum_threshold" }
func (momentumStrategy) Version() string { return "1.0.0" }

func (momentumStrategy) ParamDefaults() map[string]any {
	return map[string]any{"threshold": 0.0, "timeframe_min": 15}
}

func (s momentumStrategy) FeatureRequirements() features.Requirements {
	return features.Requirements{
		Required: []errs.FeatureRef{{Name: "momentum_10", TimeframeMin: 15}},
	}
}

func (s momentumStrategy) Run(in Input, params map[string]any) (*RunResult, error) {
	threshold := paramFloat(params, "threshold", 0.0)
	ref := errs.FeatureRef{Name: "momentum_10", TimeframeMin: 15}
	vals := oosValues(in, ref)

	var intents []Intent
	var sum float64
	trades := 0
	for _, p := range vals {
		sum += p.value
		if p.value > threshold {
			intents = append(intents, Intent{Ts: p.ts, Action: "long", Strength: p.value})
			trades++
		}
	}
	score := 0.0
	if len(vals) > 0 {
		score = sum / float64(len(vals))
	}
	return &RunResult{Intents: intents, Score: score, Trades: trades}, nil
}

// donchianStrategy trades channel breakouts: long near the upper band,
// short near the lower, scored by mean distance from mid-channel.
type donchianStrategy struct{}

func (donchianStrategy) ID() string      { return "donchian_breakout" }
func (donchianStrategy) Version() string { return "1.0.0" }

func (donchianStrategy) ParamDefaults() map[string]any {
	return map[string]any{"upper": 0.8, "lower": 0.2}
}

func (s donchianStrategy) FeatureRequirements() features.Requirements {
	return features.Requirements{
		Required: []errs.FeatureRef{{Name: "donchian_pos_20", TimeframeMin: 15}},
	}
}

func (s donchianStrategy) Run(in Input, params map[string]any) (*RunResult, error) {
	upper := paramFloat(params, "upper", 0.8)
	lower := paramFloat(params, "lower", 0.2)
	ref := errs.FeatureRef{Name: "donchian_pos_20", TimeframeMin: 15}
	vals := oosValues(in, ref)

	var intents []Intent
	var sum float64
	trades := 0
	for _, p := range vals {
		sum += math.Abs(p.value - 0.5)
		switch {
		case p.value >= upper:
			intents = append(intents, Intent{Ts: p.ts, Action: "long", Strength: p.value})
			trades++
		case p.value <= lower:
			intents = append(intents, Intent{Ts: p.ts, Action: "short", Strength: 1 - p.value})
			trades++
		}
	}
	score := 0.0
	if len(vals) > 0 {
		score = sum / float64(len(vals))
	}
	return &RunResult{Intents: intents, Score: score, Trades: trades}, nil
}
