// Package features computes pure, deterministic feature columns over the
// bars cache and maintains the feature cache with incremental
// lookback-rewind rebuilds. Features never read raw input; their only data
// source is the bars cache.
package features

import (
	"fmt"
	"sort"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

// Div0RetNaN is the division policy: any division by zero yields NaN, never
// a silent substitute.
const Div0RetNaN = "DIV0_RET_NAN"

// DtypeFloat64 is the only supported feature dtype.
const DtypeFloat64 = "float64"

// ComputeFn produces one feature column over a resampled series. The output
// has exactly s.Len() values; the warm-up prefix is NaN.
type ComputeFn func(s *bars.Series, session bars.SessionSpec) []float64

// Spec declares one registered feature for one timeframe.
type Spec struct {
	Name         string
	TimeframeMin int
	LookbackBars int
	Params       map[string]any
	WarmupBars   int
	Div0Policy   string
	Dtype        string

	compute ComputeFn
}

// Ref returns the feature's (name, timeframe) reference.
func (sp Spec) Ref() errs.FeatureRef {
	return errs.FeatureRef{Name: sp.Name, TimeframeMin: sp.TimeframeMin}
}

// asManifest renders the feature definition for manifest embedding.
func (sp Spec) asManifest() map[string]any {
	return map[string]any{
		"name":          sp.Name,
		"timeframe_min": sp.TimeframeMin,
		"lookback_bars": sp.LookbackBars,
		"params":        sp.Params,
		"warmup_bars":   sp.WarmupBars,
		"div0_policy":   sp.Div0Policy,
		"dtype":         sp.Dtype,
	}
}

// family is a feature template instantiable at any timeframe.
type family struct {
	lookback int
	warmup   int
	params   map[string]any
	compute  ComputeFn
}

// Bank is the feature registry. It is an explicit object handed to the
// components that need it; tests inject banks with synthetic families.
type Bank struct {
	families map[string]family
}

// NewBank returns a bank primed with the standard library of families.
func NewBank() *Bank {
	b := &Bank{families: map[string]family{}}
	b.registerDefaults()
	return b
}

// RegisterFamily adds a feature family under name. Lookback and warmup are
// in bars of the target timeframe. Registration is test-visible; duplicate
// names are rejected.
func (b *Bank) RegisterFamily(name string, lookback, warmup int, params map[string]any, fn ComputeFn) error {
	if _, exists := b.families[name]; exists {
		return fmt.Errorf("feature family %q already registered", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	b.families[name] = family{lookback: lookback, warmup: warmup, params: params, compute: fn}
	return nil
}

// Resolve instantiates the named family at a timeframe.
func (b *Bank) Resolve(ref errs.FeatureRef) (Spec, error) {
	f, ok := b.families[ref.Name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown feature %q", ref.Name)
	}
	return Spec{
		Name:         ref.Name,
		TimeframeMin: ref.TimeframeMin,
		LookbackBars: f.lookback,
		Params:       f.params,
		WarmupBars:   f.warmup,
		Div0Policy:   Div0RetNaN,
		Dtype:        DtypeFloat64,
		compute:      f.compute,
	}, nil
}

// Names lists the registered family names in sorted order.
func (b *Bank) Names() []string {
	names := make([]string, 0, len(b.families))
	for n := range b.families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// registerDefaults wires the standard families. EMA-like families carry a
// 3x-window lookback so a windowed recompute reproduces the full build
// exactly; plain rolling families need only their window.
func (b *Bank) registerDefaults() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(b.RegisterFamily("atr_14", 3*14+1, 3*14, map[string]any{"window": 14},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return ATR(s, 14) }))
	must(b.RegisterFamily("ret_log_20", 20, 20, map[string]any{"window": 20, "kind": "log"},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return RollingReturn(s, 20, true) }))
	must(b.RegisterFamily("ret_simple_20", 20, 20, map[string]any{"window": 20, "kind": "simple"},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return RollingReturn(s, 20, false) }))
	must(b.RegisterFamily("zscore_20", 20, 20, map[string]any{"window": 20},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return RollingZScore(s, 20) }))
	must(b.RegisterFamily("vwap_session", 0, 0, map[string]any{},
		func(s *bars.Series, session bars.SessionSpec) []float64 { return SessionVWAP(s, session) }))
	must(b.RegisterFamily("donchian_pos_20", 20, 20, map[string]any{"window": 20},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return DonchianPosition(s, 20) }))
	must(b.RegisterFamily("momentum_10", 10, 10, map[string]any{"window": 10},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return Momentum(s, 10) }))
	must(b.RegisterFamily("pctrank_50", 50, 50, map[string]any{"window": 50},
		func(s *bars.Series, _ bars.SessionSpec) []float64 { return PercentileRank(s, 50) }))
}
