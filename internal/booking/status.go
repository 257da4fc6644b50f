package booking

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPendingHold Status = "pending-hold"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusReleased    Status = "released"
)

var transitions = map[Status][]Status{
	StatusPendingHold: {StatusConfirmed, StatusCancelled, StatusReleased},
	StatusConfirmed:   {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// completed, cancelled and released are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Active reports whether a booking in status s still occupies its slot.
// Only active bookings count for overlap checks.
func Active(s Status) bool {
	return s == StatusPendingHold || s == StatusConfirmed
}
