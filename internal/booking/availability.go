package booking

import "time"

// Range is a half-open [Start, End) time interval.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open ranges intersect.
// Touching ranges (a.End == b.Start) do not overlap, so back-to-back
// bookings coexist.
func (r Range) Overlaps(other Range) bool {
	return r.Start.Before(other.End) && r.End.After(other.Start)
}

// Candidates generates slot start times aligned to step within [from, to).
// A candidate is included only if the whole slot fits before to.
func Candidates(from, to time.Time, step time.Duration) []time.Time {
	if step <= 0 || !from.Before(to) {
		return nil
	}
	var starts []time.Time
	for t := from; !t.Add(step).After(to); t = t.Add(step) {
		starts = append(starts, t)
	}
	return starts
}

// Filter returns the candidates whose [start, start+duration) range does not
// overlap any busy range, preserving order. The result is advisory only: an
// offered slot can still lose the subsequent claim race.
func Filter(candidates []time.Time, duration time.Duration, busy []Range) []time.Time {
	var free []time.Time
	for _, start := range candidates {
		slot := Range{Start: start, End: start.Add(duration)}
		blocked := false
		for _, b := range busy {
			if slot.Overlaps(b) {
				blocked = true
				break
			}
		}
		if !blocked {
			free = append(free, start)
		}
	}
	return free
}
