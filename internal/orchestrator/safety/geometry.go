package safety

import (
	"fmt"
	"time"
)

// pointInPolygon uses ray casting. Points on an edge may fall either side.
func pointInPolygon(x, y float64, pts [][]float64) bool {
	inside := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		xi, yi := pts[i][0], pts[i][1]
		xj, yj := pts[j][0], pts[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w *TimeWindow) compile() error {
	start, err := parseClock(w.Start)
	if err != nil {
		return err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return err
	}
	loc := time.UTC
	if w.Timezone != "" {
		if loc, err = time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	w.start, w.end, w.loc = start, end, loc
	return nil
}

// Contains reports whether t falls inside the window. Start is inclusive, end
// exclusive; equal start and end cover the whole day.
func (w *TimeWindow) Contains(t time.Time) bool {
	if w.start == w.end {
		return true
	}
	loc := w.loc
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	m := lt.Hour()*60 + lt.Minute()
	if w.start <= w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}
