// Package bars owns normalized 1-minute bar arrays, session-aware
// resampling, and the on-disk bars cache. Caches are mutated only under the
// fingerprint gate; an incremental build over the same covered range is
// byte-identical to a full build.
package bars

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/fingerprint"
)

// Session policy constants recorded verbatim in every manifest. The strings
// are fixed for cross-implementation identity of manifest hashes.
const (
	TsDtype          = "datetime64[s]"
	BreaksPolicyDrop = "drop"
)

// Build modes.
const (
	ModeFull        = "FULL"
	ModeIncremental = "INCREMENTAL"
)

// ResampleTimeframes are the resampled bar sizes, in minutes.
var ResampleTimeframes = []int{15, 30, 60, 120, 240}

// Series is a columnar bar array. Ts holds UTC seconds and is strictly
// increasing after normalization.
type Series struct {
	Ts     []int64   `json:"ts"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Ts) }

func (s *Series) push(ts int64, o, h, l, c, v float64) {
	s.Ts = append(s.Ts, ts)
	s.Open = append(s.Open, o)
	s.High = append(s.High, h)
	s.Low = append(s.Low, l)
	s.Close = append(s.Close, c)
	s.Volume = append(s.Volume, v)
}

// row returns bar i as a fingerprint row.
func (s *Series) row(i int) fingerprint.BarRow {
	return fingerprint.BarRow{
		Ts: s.Ts[i], Open: s.Open[i], High: s.High[i],
		Low: s.Low[i], Close: s.Close[i], Volume: s.Volume[i],
	}
}

// Rows converts the series to fingerprint rows.
func (s *Series) Rows() []fingerprint.BarRow {
	rows := make([]fingerprint.BarRow, s.Len())
	for i := range rows {
		rows[i] = s.row(i)
	}
	return rows
}

// Day formats the UTC calendar day of bar i.
func (s *Series) Day(i int) string {
	return time.Unix(s.Ts[i], 0).UTC().Format("2006-01-02")
}

// CoveredDays returns the first and last calendar days, or empty strings for
// an empty series.
func (s *Series) CoveredDays() (string, string) {
	if s.Len() == 0 {
		return "", ""
	}
	return s.Day(0), s.Day(s.Len() - 1)
}

// Validate checks the normalized-series invariants: strictly increasing
// timestamps and finite values throughout.
func (s *Series) Validate() error {
	n := s.Len()
	for _, col := range [][]float64{s.Open, s.High, s.Low, s.Close, s.Volume} {
		if len(col) != n {
			return fmt.Errorf("column length mismatch: ts has %d rows", n)
		}
	}
	for i := 0; i < n; i++ {
		if i > 0 && s.Ts[i] <= s.Ts[i-1] {
			return fmt.Errorf("timestamps not strictly increasing at index %d", i)
		}
		for _, v := range []float64{s.Open[i], s.High[i], s.Low[i], s.Close[i], s.Volume[i]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("non-finite value at index %d", i)
			}
		}
	}
	return nil
}

// Normalize sorts raw bars by timestamp, drops bars outside the session or
// inside a break (breaks_policy="drop"), and validates the result. The input
// is not mutated.
func Normalize(raw *Series, session SessionSpec) (*Series, error) {
	n := raw.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return raw.Ts[order[a]] < raw.Ts[order[b]] })

	out := &Series{}
	var prev int64
	for _, i := range order {
		ts := raw.Ts[i]
		if out.Len() > 0 && ts == prev {
			return nil, fmt.Errorf("duplicate timestamp %d in raw bars", ts)
		}
		if !session.InSession(ts) {
			continue
		}
		out.push(ts, raw.Open[i], raw.High[i], raw.Low[i], raw.Close[i], raw.Volume[i])
		prev = ts
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// sliceFromTs returns the sub-series with Ts >= from.
func (s *Series) sliceFromTs(from int64) *Series {
	i := sort.Search(s.Len(), func(i int) bool { return s.Ts[i] >= from })
	return &Series{
		Ts:     s.Ts[i:],
		Open:   s.Open[i:],
		High:   s.High[i:],
		Low:    s.Low[i:],
		Close:  s.Close[i:],
		Volume: s.Volume[i:],
	}
}

// sliceBeforeTs returns the sub-series with Ts < before.
func (s *Series) sliceBeforeTs(before int64) *Series {
	i := sort.Search(s.Len(), func(i int) bool { return s.Ts[i] >= before })
	return &Series{
		Ts:     s.Ts[:i],
		Open:   s.Open[:i],
		High:   s.High[:i],
		Low:    s.Low[:i],
		Close:  s.Close[:i],
		Volume: s.Volume[:i],
	}
}

// concat appends b's bars after a's. Caller guarantees the boundary keeps
// timestamps strictly increasing.
func concat(a, b *Series) *Series {
	out := &Series{}
	out.Ts = append(append(out.Ts, a.Ts...), b.Ts...)
	out.Open = append(append(out.Open, a.Open...), b.Open...)
	out.High = append(append(out.High, a.High...), b.High...)
	out.Low = append(append(out.Low, a.Low...), b.Low...)
	out.Close = append(append(out.Close, a.Close...), b.Close...)
	out.Volume = append(append(out.Volume, a.Volume...), b.Volume...)
	return out
}

// LoadSeries reads a columnar array file written by the cache.
func LoadSeries(path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading series %s: %w", path, err)
	}
	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing series %s: %w", path, err)
	}
	return &s, nil
}
