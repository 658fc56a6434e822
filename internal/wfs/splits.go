package wfs

import "github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"

// Default window lengths in bars: roughly a trading year in-sample and a
// quarter out-of-sample for daily data. Jobs override them per study.
const (
	DefaultISBars  = 252
	DefaultOOSBars = 63
)

// SplitConfig fixes the walk-forward window geometry.
type SplitConfig struct {
	ISBars  int `json:"is_bars"`
	OOSBars int `json:"oos_bars"`
}

func (c SplitConfig) withDefaults() SplitConfig {
	if c.ISBars <= 0 {
		c.ISBars = DefaultISBars
	}
	if c.OOSBars <= 0 {
		c.OOSBars = DefaultOOSBars
	}
	return c
}

// Window is one in-sample/out-of-sample pair as half-open index ranges
// over the study timeline. Windows advance by OOSBars so out-of-sample
// slices tile the timeline without overlap.
type Window struct {
	Index    int `json:"index"`
	ISStart  int `json:"is_start"`
	ISEnd    int `json:"is_end"`
	OOSStart int `json:"oos_start"`
	OOSEnd   int `json:"oos_end"`
}

// BuildWindows splits a timeline of n bars into walk-forward windows. A
// timeline too short for a single IS+OOS pair is a contract failure, not
// an empty result.
func BuildWindows(n int, cfg SplitConfig) ([]Window, error) {
	cfg = cfg.withDefaults()
	var windows []Window
	for start, i := 0, 0; start+cfg.ISBars+cfg.OOSBars <= n; start, i = start+cfg.OOSBars, i+1 {
		windows = append(windows, Window{
			Index:    i,
			ISStart:  start,
			ISEnd:    start + cfg.ISBars,
			OOSStart: start + cfg.ISBars,
			OOSEnd:   start + cfg.ISBars + cfg.OOSBars,
		})
	}
	if len(windows) == 0 {
		return nil, &errs.ContractViolation{
			Field:  "timeline",
			Reason: "too short for one in-sample plus out-of-sample window",
		}
	}
	return windows, nil
}
