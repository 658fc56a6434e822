// Package fingerprint derives per-day canonical hashes of bar data and
// decides whether a new history is an append, a no-op, or a rewrite of the
// past. Its decisions are the only signal allowed to gate incremental
// rebuilds; file modification times and sizes are never inputs.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/canonical"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fsio"
)

// BarRow is one bar as seen by the fingerprint derivation.
type BarRow struct {
	Ts     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Day formats the row's UTC calendar day.
func (b BarRow) Day() string {
	return time.Unix(b.Ts, 0).UTC().Format("2006-01-02")
}

// line is the canonical per-bar text fed into the day hash.
func (b BarRow) line() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		b.Ts,
		formatPrice(b.Open), formatPrice(b.High), formatPrice(b.Low), formatPrice(b.Close),
		formatPrice(b.Volume))
}

func formatPrice(f float64) string {
	b, err := canonical.Encode(f)
	if err != nil {
		// non-finite prices never reach the index; normalization rejects them
		return "NaN"
	}
	return string(b)
}

// Index maps calendar day to the SHA-256 of that day's sorted bar lines.
type Index struct {
	Days map[string]string `json:"days"`
}

// Build derives the index for rows. Rows may arrive in any order.
func Build(rows []BarRow) *Index {
	byDay := make(map[string][]string)
	for _, r := range rows {
		d := r.Day()
		byDay[d] = append(byDay[d], r.line())
	}
	idx := &Index{Days: make(map[string]string, len(byDay))}
	for d, lines := range byDay {
		sort.Strings(lines)
		idx.Days[d] = canonical.HashBytes([]byte(strings.Join(lines, "\n")))
	}
	return idx
}

// SortedDays returns the index's days in ascending order.
func (i *Index) SortedDays() []string {
	days := make([]string, 0, len(i.Days))
	for d := range i.Days {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

// MaxDay returns the latest day in the index, or "" when empty.
func (i *Index) MaxDay() string {
	max := ""
	for d := range i.Days {
		if d > max {
			max = d
		}
	}
	return max
}

// DecisionKind classifies a Compare outcome.
type DecisionKind string

const (
	NoChange         DecisionKind = "no_change"
	IsNew            DecisionKind = "is_new"
	AppendOnly       DecisionKind = "append_only"
	HistoricalChange DecisionKind = "historical_change"
)

// Decision is the outcome of comparing a stored index against a fresh one.
type Decision struct {
	Kind DecisionKind

	// AppendFrom/AppendTo bound the appended day range (AppendOnly only).
	AppendFrom string
	AppendTo   string

	// EarliestChangedDay is the first overlapping day whose hash differs
	// (HistoricalChange only).
	EarliestChangedDay string
}

// Compare decides how fresh relates to stored. Any overlapping day with a
// differing hash, or any day missing from fresh, is a historical change.
func Compare(stored, fresh *Index) Decision {
	if stored == nil || len(stored.Days) == 0 {
		return Decision{Kind: IsNew}
	}
	changed := ""
	for _, d := range stored.SortedDays() {
		h, ok := fresh.Days[d]
		if !ok || h != stored.Days[d] {
			changed = d
			break
		}
	}
	// A fresh day at or before the stored max that stored never saw is an
	// insertion into history, not an append.
	maxStored := stored.MaxDay()
	for d := range fresh.Days {
		if _, ok := stored.Days[d]; !ok && d <= maxStored {
			if changed == "" || d < changed {
				changed = d
			}
		}
	}
	if changed != "" {
		return Decision{Kind: HistoricalChange, EarliestChangedDay: changed}
	}
	var appended []string
	for d := range fresh.Days {
		if d > maxStored {
			appended = append(appended, d)
		}
	}
	if len(appended) == 0 {
		return Decision{Kind: NoChange}
	}
	sort.Strings(appended)
	return Decision{Kind: AppendOnly, AppendFrom: appended[0], AppendTo: appended[len(appended)-1]}
}

// Gate returns the typed rejection for decisions that may not feed an
// incremental rebuild.
func Gate(d Decision) error {
	if d.Kind == HistoricalChange {
		return &errs.IncrementalRejected{EarliestChangedDay: d.EarliestChangedDay}
	}
	return nil
}

// Save writes the index atomically under scope as canonical JSON.
func (i *Index) Save(scope *fsio.Scope, rel string) error {
	_, err := scope.WriteCanonicalJSON(rel, map[string]any{"days": i.Days})
	return err
}

// Load reads an index file. A missing file returns (nil, nil): the caller
// treats an absent index as "no history".
func Load(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading fingerprint index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parsing fingerprint index: %w", err)
	}
	if idx.Days == nil {
		idx.Days = map[string]string{}
	}
	return &idx, nil
}
