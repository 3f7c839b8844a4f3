package scheduling

import (
	"fmt"
	"sort"
	"strconv"
)

// ParseClock converts "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", s)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", s)
	}
	return hour*60 + minute, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Interval is a half-open range [Start, End) in minutes since midnight.
type Interval struct {
	Start int
	End   int
}

func (i Interval) Empty() bool { return i.End <= i.Start }

func (i Interval) Len() int {
	if i.Empty() {
		return 0
	}
	return i.End - i.Start
}

// Overlaps is exclusive on boundaries: [09:00,10:00) and [10:00,11:00) do
// not overlap. Empty intervals overlap nothing.
func (i Interval) Overlaps(o Interval) bool {
	if i.Empty() || o.Empty() {
		return false
	}
	return i.Start < o.End && o.Start < i.End
}

func (i Interval) Contains(o Interval) bool {
	return !o.Empty() && i.Start <= o.Start && o.End <= i.End
}

func (i Interval) String() string {
	return FormatClock(i.Start) + "-" + FormatClock(i.End)
}

// ParseInterval builds an interval from two clock strings, requiring
// start < end.
func ParseInterval(start, end string) (Interval, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Interval{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Interval{}, err
	}
	if s >= e {
		return Interval{}, fmt.Errorf("start %s must be before end %s", start, end)
	}
	return Interval{Start: s, End: e}, nil
}

// Union sorts, merges touching or overlapping intervals, and drops empties.
func Union(ivs []Interval) []Interval {
	out := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if !iv.Empty() {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Start < out[b].Start })

	merged := out[:0]
	for _, iv := range out {
		if n := len(merged); n > 0 && iv.Start <= merged[n-1].End {
			if iv.End > merged[n-1].End {
				merged[n-1].End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Subtract removes every interval in cut from base.
func Subtract(base, cut []Interval) []Interval {
	result := Union(base)
	for _, c := range Union(cut) {
		next := make([]Interval, 0, len(result)+1)
		for _, iv := range result {
			if !iv.Overlaps(c) {
				next = append(next, iv)
				continue
			}
			if iv.Start < c.Start {
				next = append(next, Interval{Start: iv.Start, End: c.Start})
			}
			if c.End < iv.End {
				next = append(next, Interval{Start: c.End, End: iv.End})
			}
		}
		result = next
	}
	return result
}

// Intersect returns the portions of a covered by b.
func Intersect(a, b []Interval) []Interval {
	var out []Interval
	for _, x := range Union(a) {
		for _, y := range Union(b) {
			iv := Interval{Start: max(x.Start, y.Start), End: min(x.End, y.End)}
			if !iv.Empty() {
				out = append(out, iv)
			}
		}
	}
	return Union(out)
}
