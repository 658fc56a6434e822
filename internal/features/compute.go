package features

import (
	"math"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/bars"
)

// div0 implements DIV0_RET_NAN: division by zero yields NaN, never a
// substitute value.
func div0(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

func nanPrefix(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// ATR computes the average true range with Wilder-style smoothing over a
// fixed trailing window of 3*window+1 bars, so every value depends on a
// bounded history and incremental splices reproduce full builds exactly.
func ATR(s *bars.Series, window int) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	span := 3*window + 1
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			tr[i] = s.High[i] - s.Low[i]
			continue
		}
		hl := s.High[i] - s.Low[i]
		hc := math.Abs(s.High[i] - s.Close[i-1])
		lc := math.Abs(s.Low[i] - s.Close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	alpha := 1.0 / float64(window)
	for i := span - 1; i < n; i++ {
		// seed from the oldest bar of the trailing span, fold forward
		v := tr[i-span+1]
		for j := i - span + 2; j <= i; j++ {
			v = v + alpha*(tr[j]-v)
		}
		out[i] = v
	}
	return out
}

// RollingReturn computes window-bar returns on close. Log returns follow
// ln(c_t / c_{t-w}); simple returns (c_t - c_{t-w}) / c_{t-w}. Division by
// zero and non-positive log arguments yield NaN.
func RollingReturn(s *bars.Series, window int, logKind bool) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	for i := window; i < n; i++ {
		prev := s.Close[i-window]
		if logKind {
			r := div0(s.Close[i], prev)
			if math.IsNaN(r) || r <= 0 {
				continue
			}
			out[i] = math.Log(r)
		} else {
			out[i] = div0(s.Close[i]-prev, prev)
		}
	}
	return out
}

// RollingZScore computes (close - mean) / stddev over the trailing window.
// A zero standard deviation yields NaN.
func RollingZScore(s *bars.Series, window int) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	for i := window; i < n; i++ {
		var sum, sumSq float64
		for j := i - window + 1; j <= i; j++ {
			sum += s.Close[j]
			sumSq += s.Close[j] * s.Close[j]
		}
		mean := sum / float64(window)
		variance := sumSq/float64(window) - mean*mean
		if variance < 0 {
			variance = 0
		}
		out[i] = div0(s.Close[i]-mean, math.Sqrt(variance))
	}
	return out
}

// SessionVWAP computes the cumulative volume-weighted average price within
// each session day, using the bar midprice (h+l+c)/3. Zero cumulative
// volume yields NaN.
func SessionVWAP(s *bars.Series, session bars.SessionSpec) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	var dayStart int64 = -1
	var pv, vol float64
	for i := 0; i < n; i++ {
		ds := session.DaySessionStart(s.Ts[i])
		if ds != dayStart {
			dayStart = ds
			pv, vol = 0, 0
		}
		typical := (s.High[i] + s.Low[i] + s.Close[i]) / 3
		pv += typical * s.Volume[i]
		vol += s.Volume[i]
		out[i] = div0(pv, vol)
	}
	return out
}

// DonchianPosition locates close inside the trailing window's high-low
// channel: (close - lowest_low) / (highest_high - lowest_low). A flat
// channel yields NaN.
func DonchianPosition(s *bars.Series, window int) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	for i := window; i < n; i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - window + 1; j <= i; j++ {
			hi = math.Max(hi, s.High[j])
			lo = math.Min(lo, s.Low[j])
		}
		out[i] = div0(s.Close[i]-lo, hi-lo)
	}
	return out
}

// Momentum is the absolute close change over the window.
func Momentum(s *bars.Series, window int) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	for i := window; i < n; i++ {
		out[i] = s.Close[i] - s.Close[i-window]
	}
	return out
}

// PercentileRank ranks close within the trailing window, in [0, 1].
func PercentileRank(s *bars.Series, window int) []float64 {
	n := s.Len()
	out := nanPrefix(n)
	for i := window; i < n; i++ {
		below := 0
		for j := i - window + 1; j <= i; j++ {
			if s.Close[j] <= s.Close[i] {
				below++
			}
		}
		out[i] = float64(below-1) / float64(window-1)
	}
	return out
}
