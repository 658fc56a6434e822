package bars

// Resample aggregates a normalized 1-minute series into tfMin-minute bars
// aligned to the session open: each output bar starts at
// session_start + N*tf and never spans a day boundary. Aggregation is
// open=first, high=max, low=min, close=last, volume=sum; the output
// timestamp is the bar start.
func Resample(s *Series, session SessionSpec, tfMin int) *Series {
	out := &Series{}
	if s.Len() == 0 {
		return out
	}

	var (
		curStart int64 = -1
		o, h, l, c, v float64
	)
	flush := func() {
		if curStart >= 0 {
			out.push(curStart, o, h, l, c, v)
		}
	}
	for i := 0; i < s.Len(); i++ {
		start := session.BarStart(s.Ts[i], tfMin)
		if start != curStart {
			flush()
			curStart = start
			o, h, l, c, v = s.Open[i], s.High[i], s.Low[i], s.Close[i], s.Volume[i]
			continue
		}
		if s.High[i] > h {
			h = s.High[i]
		}
		if s.Low[i] < l {
			l = s.Low[i]
		}
		c = s.Close[i]
		v += s.Volume[i]
	}
	flush()
	return out
}
