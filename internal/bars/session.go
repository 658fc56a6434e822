package bars

import "time"

// Break is a half-open [Start, End) pause inside the trading session,
// expressed in minutes from midnight UTC.
type Break struct {
	StartMinute int `json:"start_minute" yaml:"start_minute"`
	EndMinute   int `json:"end_minute" yaml:"end_minute"`
}

// SessionSpec fixes the trading session: open/close minutes from midnight
// UTC, session breaks, and the timezone provider tag. Bar timestamps are
// always UTC seconds; TZ is carried as provenance only.
type SessionSpec struct {
	OpenMinute  int     `json:"open_minute" yaml:"open_minute"`
	CloseMinute int     `json:"close_minute" yaml:"close_minute"`
	Breaks      []Break `json:"breaks" yaml:"breaks"`
	TZ          string  `json:"tz" yaml:"tz"`
}

// DefaultSession is a 09:30-16:00 UTC cash session with no breaks.
func DefaultSession() SessionSpec {
	return SessionSpec{OpenMinute: 9*60 + 30, CloseMinute: 16 * 60, TZ: "UTC"}
}

// minuteOfDay returns the UTC minute-of-day of ts.
func minuteOfDay(ts int64) int {
	t := time.Unix(ts, 0).UTC()
	return t.Hour()*60 + t.Minute()
}

// InSession reports whether ts falls inside [open, close) and outside every
// break.
func (sp SessionSpec) InSession(ts int64) bool {
	m := minuteOfDay(ts)
	if m < sp.OpenMinute || m >= sp.CloseMinute {
		return false
	}
	for _, b := range sp.Breaks {
		if m >= b.StartMinute && m < b.EndMinute {
			return false
		}
	}
	return true
}

// DaySessionStart returns the session open timestamp of the UTC day
// containing ts.
func (sp SessionSpec) DaySessionStart(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Unix() + int64(sp.OpenMinute)*60
}

// BarStart returns the start of the tfMin-minute resample bar containing ts:
// the largest session_start + N*tf not after ts.
func (sp SessionSpec) BarStart(ts int64, tfMin int) int64 {
	start := sp.DaySessionStart(ts)
	tf := int64(tfMin) * 60
	if ts < start {
		return start
	}
	return start + ((ts-start)/tf)*tf
}

// asManifest renders the session spec for manifest embedding.
func (sp SessionSpec) asManifest() map[string]any {
	breaks := make([]any, len(sp.Breaks))
	for i, b := range sp.Breaks {
		breaks[i] = map[string]any{"start_minute": b.StartMinute, "end_minute": b.EndMinute}
	}
	return map[string]any{
		"open_minute":  sp.OpenMinute,
		"close_minute": sp.CloseMinute,
		"breaks":       breaks,
		"tz":           sp.TZ,
	}
}
