// Package wfs runs walk-forward studies: it splits a resolved feature
// bundle's timeline into in-sample/out-of-sample windows, invokes a
// strategy behind the registry capability on each out-of-sample slice, and
// aggregates the window metrics into scored candidates.
package wfs

import (
	"sort"
	"sync"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/features"
)

// Intent is one trading signal a strategy emitted for an out-of-sample
// bar. Intents never reach an execution venue here; they exist so studies
// can be replayed and audited.
type Intent struct {
	Ts       int64   `json:"ts"`
	Action   string  `json:"action"`
	Strength float64 `json:"strength"`
}

// RunResult is a strategy's output for one out-of-sample window.
type RunResult struct {
	Intents []Intent
	// Score is the window's out-of-sample objective. Higher is better.
	Score  float64
	Trades int
}

// Input is the read-only slice of the study a strategy sees for one
// window: the full bundle plus the out-of-sample index bounds.
type Input struct {
	Season    string
	DatasetID string
	Bundle    *features.Bundle
	Window    Window
	// Ts holds the out-of-sample timestamps, Window.OOSStart..OOSEnd over
	// the study timeline.
	Ts []int64
}

// Strategy is the capability the engine consumes. Implementations live
// outside the core and reach it only through the registry.
type Strategy interface {
	ID() string
	Version() string
	ParamDefaults() map[string]any
	FeatureRequirements() features.Requirements
	Run(in Input, params map[string]any) (*RunResult, error)
}

// Registry is the read-only strategy lookup. It must be primed by an
// explicit Bootstrap before Get serves anything.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	primed     bool
}

// NewRegistry returns an unprimed registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[string]Strategy{}}
}

// Bootstrap primes the registry with the given strategies. Calling it
// again with an already-registered id is a no-op for that id, so the
// bootstrap call is idempotent.
func (r *Registry) Bootstrap(strategies ...Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range strategies {
		if _, ok := r.strategies[s.ID()]; ok {
			continue
		}
		r.strategies[s.ID()] = s
	}
	r.primed = true
	return nil
}

// Primed reports whether Bootstrap has run.
func (r *Registry) Primed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primed
}

// Get returns the strategy for id. ErrNotPrimed before bootstrap, a typed
// NotFound for unknown ids.
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.primed {
		return nil, errs.ErrNotPrimed
	}
	s, ok := r.strategies[id]
	if !ok {
		return nil, &errs.NotFound{Path: "strategies/" + id}
	}
	return s, nil
}

// List returns the registered strategy ids in sorted order.
func (r *Registry) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.primed {
		return nil, errs.ErrNotPrimed
	}
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
