package booking

import (
	"fmt"
	"sort"
	"time"
)

// ConflictResponse is the structured rejection for a claim that lost the race.
type ConflictResponse struct {
	Message      string      `json:"message"`
	Conflicting  Range       `json:"conflicting_range"`
	Alternatives []time.Time `json:"alternatives,omitempty"`
}

const maxAlternatives = 3

// DescribeConflict formats a conflict plus up to three alternative start
// times picked from available, ordered by proximity to the requested start
// (earlier wins ties). Pure formatting, holds no state.
func DescribeConflict(requested, conflicting Range, available []time.Time) ConflictResponse {
	alts := make([]time.Time, 0, len(available))
	for _, t := range available {
		if !t.Equal(requested.Start) {
			alts = append(alts, t)
		}
	}
	sort.SliceStable(alts, func(i, j int) bool {
		di := absDuration(alts[i].Sub(requested.Start))
		dj := absDuration(alts[j].Sub(requested.Start))
		if di == dj {
			return alts[i].Before(alts[j])
		}
		return di < dj
	})
	if len(alts) > maxAlternatives {
		alts = alts[:maxAlternatives]
	}

	return ConflictResponse{
		Message: fmt.Sprintf("requested time is no longer available: %s - %s is already booked",
			conflicting.Start.Format(time.RFC3339), conflicting.End.Format(time.RFC3339)),
		Conflicting:  conflicting,
		Alternatives: alts,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
