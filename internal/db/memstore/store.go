// Package memstore provides an in-memory durable-store stand-in that honors
// the same atomicity contract as the Postgres repositories: every
// check-and-write is serialized on one mutex, which plays the role of the
// database lock manager. It backs the concurrency tests and local development
// without Postgres. It is not a second safety mechanism for production, where
// multiple service instances share nothing in memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/models"
)

type eventRecord struct {
	completed   bool
	result      []byte
	processedAt time.Time
}

// Store is a mutex-serialized implementation of the engine's store contract.
type Store struct {
	mu        sync.Mutex
	bookings  map[string]*models.Booking
	calendars map[string]*models.Calendar
	events    map[string]*eventRecord

	// Now is the clock; tests override it to move time.
	Now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		bookings:  make(map[string]*models.Booking),
		calendars: make(map[string]*models.Calendar),
		events:    make(map[string]*eventRecord),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func eventKey(tenantID, eventID string) string { return tenantID + "|" + eventID }

func copyBooking(b *models.Booking) *models.Booking {
	cp := *b
	if b.ConfirmationToken != nil {
		t := *b.ConfirmationToken
		cp.ConfirmationToken = &t
	}
	if b.HoldExpiresAt != nil {
		t := *b.HoldExpiresAt
		cp.HoldExpiresAt = &t
	}
	if b.ConfirmedAt != nil {
		t := *b.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// ClaimSlot checks for an overlapping active booking and inserts atomically.
func (s *Store) ClaimSlot(ctx context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	claimed := booking.Range{Start: b.StartTime, End: b.EndTime}
	for _, existing := range s.bookings {
		if existing.TenantID != b.TenantID || existing.CalendarID != b.CalendarID {
			continue
		}
		if !existing.ActiveAt(now) {
			// An expired hold overlapping the claim is released on the spot
			// rather than left for the reaper, matching the durable store.
			if existing.Status == booking.StatusPendingHold && existing.Range().Overlaps(claimed) {
				existing.Status = booking.StatusReleased
				existing.HoldExpiresAt = nil
				existing.Version++
				existing.UpdatedAt = now
			}
			continue
		}
		if existing.Range().Overlaps(claimed) {
			return &booking.ConflictError{Start: existing.StartTime, End: existing.EndTime}
		}
	}

	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bookings[b.ID] = copyBooking(b)
	return nil
}

// GetBooking retrieves a booking by ID.
func (s *Store) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return copyBooking(b), nil
}

// Transition applies a version-guarded status change.
func (s *Store) Transition(ctx context.Context, id string, to booking.Status, expectedVersion int64) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	if !booking.CanTransition(b.Status, to) {
		return nil, booking.ErrInvalidTransition
	}
	if b.Version != expectedVersion {
		return nil, booking.ErrVersionConflict
	}

	b.Status = to
	b.HoldExpiresAt = nil
	b.Version++
	b.UpdatedAt = s.Now()
	return copyBooking(b), nil
}

// Confirm performs the token-guarded confirmation with the same outcome
// taxonomy as the Postgres repository.
func (s *Store) Confirm(ctx context.Context, id, token string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}

	switch b.Status {
	case booking.StatusConfirmed:
		if b.ConfirmationToken != nil && *b.ConfirmationToken == token {
			return copyBooking(b), nil
		}
		return nil, booking.ErrInvalidToken
	case booking.StatusCompleted:
		return nil, booking.ErrAlreadyConfirmed
	case booking.StatusCancelled, booking.StatusReleased:
		return nil, booking.ErrHoldExpired
	}

	if b.ConfirmationToken == nil || *b.ConfirmationToken != token {
		return nil, booking.ErrInvalidToken
	}
	now := s.Now()
	if b.HoldExpiresAt != nil && !b.HoldExpiresAt.After(now) {
		return nil, booking.ErrHoldExpired
	}

	b.Status = booking.StatusConfirmed
	b.ConfirmedAt = &now
	b.HoldExpiresAt = nil
	b.Version++
	b.UpdatedAt = now
	return copyBooking(b), nil
}

// ActiveBookings returns active bookings overlapping [from, to), ordered by
// start time.
func (s *Store) ActiveBookings(ctx context.Context, tenantID, calendarID string, from, to time.Time) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	window := booking.Range{Start: from, End: to}
	var out []models.Booking
	for _, b := range s.bookings {
		if b.TenantID != tenantID || b.CalendarID != calendarID {
			continue
		}
		if !b.ActiveAt(now) {
			continue
		}
		if b.Range().Overlaps(window) {
			out = append(out, *copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// ExpiredHolds returns pending holds whose expiry has passed, oldest first.
func (s *Store) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Booking
	for _, b := range s.bookings {
		if b.Status == booking.StatusPendingHold && b.HoldExpiresAt != nil && !b.HoldExpiresAt.After(now) {
			out = append(out, *copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateCalendar registers a contention domain owned by a tenant.
func (s *Store) CreateCalendar(ctx context.Context, c *models.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.CreatedAt = s.Now()
	cp := *c
	s.calendars[c.ID] = &cp
	return nil
}

// CalendarTenant returns the owning tenant of a calendar.
func (s *Store) CalendarTenant(ctx context.Context, calendarID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calendars[calendarID]
	if !ok {
		return "", booking.ErrNotFound
	}
	return c.TenantID, nil
}

// Begin atomically records an event as in-flight; see repos.EventRepository.
func (s *Store) Begin(ctx context.Context, tenantID, eventID string) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(tenantID, eventID)
	if rec, ok := s.events[key]; ok {
		if !rec.completed {
			return false, nil, nil
		}
		return false, rec.result, nil
	}
	s.events[key] = &eventRecord{processedAt: s.Now()}
	return true, nil, nil
}

// Complete stores the serialized outcome for replay.
func (s *Store) Complete(ctx context.Context, tenantID, eventID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.events[eventKey(tenantID, eventID)]; ok {
		rec.completed = true
		rec.result = result
	}
	return nil
}

// Forget drops an in-flight record.
func (s *Store) Forget(ctx context.Context, tenantID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(tenantID, eventID)
	if rec, ok := s.events[key]; ok && !rec.completed {
		delete(s.events, key)
	}
	return nil
}

// Purge deletes event records older than the retention horizon.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.events {
		if rec.processedAt.Before(olderThan) {
			delete(s.events, key)
			n++
		}
	}
	return n, nil
}
