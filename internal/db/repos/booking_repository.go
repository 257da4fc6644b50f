package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/models"
)

const (
	pqLockNotAvailable  = "55P03"
	pqSerializationFail = "40001"
	pqUniqueViolation   = "23505"
)

// BookingRepository handles database operations for slot reservations.
type BookingRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewBookingRepository creates a new BookingRepository. lockTimeout bounds how
// long a claim may wait on the slot lock before the caller gets Busy.
func NewBookingRepository(db *sqlx.DB, lockTimeout time.Duration) *BookingRepository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &BookingRepository{db: db, lockTimeout: lockTimeout}
}

// slotLockKey derives the advisory lock key for a tenant+calendar pair.
// Every service instance computes the same key, so the lock is effective
// across processes.
func slotLockKey(tenantID, calendarID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(calendarID))
	return int64(h.Sum64())
}

// ClaimSlot atomically inserts b if no active booking overlaps its range in
// the same tenant+calendar. The check-and-insert runs under a transaction-
// scoped advisory lock, so claims from independent service instances
// serialize at the database. Returns *booking.ConflictError when the range is
// already held and booking.ErrBusy when the lock cannot be acquired in time.
func (r *BookingRepository) ClaimSlot(ctx context.Context, b *models.Booking) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds()),
	); err != nil {
		return err
	}

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`,
		slotLockKey(b.TenantID, b.CalendarID),
	); err != nil {
		return translateClaimError(err, b.Range())
	}

	// An expired hold no longer blocks claims, but its row still sits in the
	// active-slot unique index until the reaper sweeps it. Release any such
	// row overlapping the requested range here, under the lock, so it cannot
	// shadow the insert below.
	if _, err := tx.ExecContext(ctx,
		`UPDATE bookings
		 SET status = 'released',
		     hold_expires_at = NULL,
		     version = version + 1,
		     updated_at = $1
		 WHERE tenant_id = $2 AND calendar_id = $3
		   AND status = 'pending-hold' AND hold_expires_at <= $1
		   AND start_time < $4 AND end_time > $5`,
		now, b.TenantID, b.CalendarID, b.EndTime, b.StartTime,
	); err != nil {
		return err
	}

	var existing models.Booking
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM bookings
		 WHERE tenant_id = $1 AND calendar_id = $2
		   AND status IN ('pending-hold', 'confirmed')
		   AND (status = 'confirmed' OR hold_expires_at > $3)
		   AND start_time < $4 AND end_time > $5
		 ORDER BY start_time
		 LIMIT 1`,
		b.TenantID, b.CalendarID, now, b.EndTime, b.StartTime,
	)
	if err == nil {
		return &booking.ConflictError{Start: existing.StartTime, End: existing.EndTime}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO bookings
		   (id, tenant_id, calendar_id, start_time, end_time, status,
		    requester_ref, confirmation_token, hold_expires_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)
		 RETURNING *`,
		b.ID, b.TenantID, b.CalendarID, b.StartTime, b.EndTime, b.Status,
		b.RequesterRef, b.ConfirmationToken, b.HoldExpiresAt, time.Now().UTC(),
	).StructScan(b)
	if err != nil {
		return translateClaimError(err, b.Range())
	}

	return tx.Commit()
}

// GetBooking retrieves a booking by ID.
func (r *BookingRepository) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, booking.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Transition applies a version-guarded status change. A racing update
// (confirm vs reaper release, cancel vs confirm) resolves deterministically:
// whichever commits first wins and the loser gets ErrVersionConflict. Leaving
// pending-hold clears the hold expiry in the same atomic write, so a
// cancelled or released booking never lingers as active.
func (r *BookingRepository) Transition(ctx context.Context, id string, to booking.Status, expectedVersion int64) (*models.Booking, error) {
	current, err := r.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !booking.CanTransition(current.Status, to) {
		return nil, booking.ErrInvalidTransition
	}

	var updated models.Booking
	err = r.db.QueryRowxContext(ctx,
		`UPDATE bookings
		 SET status = $1,
		     hold_expires_at = NULL,
		     version = version + 1,
		     updated_at = $2
		 WHERE id = $3 AND version = $4
		 RETURNING *`,
		to, time.Now().UTC(), id, expectedVersion,
	).StructScan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, booking.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Confirm performs the token-guarded confirmation. The stored token is
// compared, never trusted from the caller; a confirmed booking accepts a
// replay of its own token as an idempotent no-op and never stamps a second
// confirmation time.
func (r *BookingRepository) Confirm(ctx context.Context, id, token string) (*models.Booking, error) {
	current, err := r.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case booking.StatusConfirmed:
		if current.ConfirmationToken != nil && *current.ConfirmationToken == token {
			return current, nil
		}
		return nil, booking.ErrInvalidToken
	case booking.StatusCompleted:
		return nil, booking.ErrAlreadyConfirmed
	case booking.StatusCancelled, booking.StatusReleased:
		return nil, booking.ErrHoldExpired
	}

	if current.ConfirmationToken == nil || *current.ConfirmationToken != token {
		return nil, booking.ErrInvalidToken
	}
	if current.HoldExpiresAt != nil && !current.HoldExpiresAt.After(time.Now().UTC()) {
		return nil, booking.ErrHoldExpired
	}

	now := time.Now().UTC()
	var updated models.Booking
	err = r.db.QueryRowxContext(ctx,
		`UPDATE bookings
		 SET status = 'confirmed',
		     confirmed_at = $1,
		     hold_expires_at = NULL,
		     version = version + 1,
		     updated_at = $1
		 WHERE id = $2 AND version = $3 AND status = 'pending-hold'
		 RETURNING *`,
		now, id, current.Version,
	).StructScan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race between the read and the write; reclassify from the
		// committed state.
		latest, gerr := r.GetBooking(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if latest.Status == booking.StatusConfirmed &&
			latest.ConfirmationToken != nil && *latest.ConfirmationToken == token {
			return latest, nil
		}
		if latest.Status == booking.StatusReleased {
			return nil, booking.ErrHoldExpired
		}
		return nil, booking.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ActiveBookings returns the active bookings overlapping [from, to) for a
// tenant+calendar, ordered by start time. Expired but unreaped holds are
// excluded: they no longer block anything.
func (r *BookingRepository) ActiveBookings(ctx context.Context, tenantID, calendarID string, from, to time.Time) ([]models.Booking, error) {
	bookings := []models.Booking{}
	err := r.db.SelectContext(ctx, &bookings,
		`SELECT * FROM bookings
		 WHERE tenant_id = $1 AND calendar_id = $2
		   AND status IN ('pending-hold', 'confirmed')
		   AND (status = 'confirmed' OR hold_expires_at > $3)
		   AND start_time < $4 AND end_time > $5
		 ORDER BY start_time`,
		tenantID, calendarID, time.Now().UTC(), to, from,
	)
	if err != nil {
		return nil, err
	}
	return bookings, nil
}

// ExpiredHolds returns pending holds whose expiry has passed, oldest first.
func (r *BookingRepository) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	bookings := []models.Booking{}
	err := r.db.SelectContext(ctx, &bookings,
		`SELECT * FROM bookings
		 WHERE status = 'pending-hold' AND hold_expires_at <= $1
		 ORDER BY hold_expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	return bookings, nil
}

// CreateCalendar registers a contention domain owned by a tenant.
func (r *BookingRepository) CreateCalendar(ctx context.Context, c *models.Calendar) error {
	return r.db.QueryRowxContext(ctx,
		`INSERT INTO calendars (id, tenant_id, name, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING *`,
		c.ID, c.TenantID, c.Name, time.Now().UTC(),
	).StructScan(c)
}

// CalendarTenant returns the owning tenant of a calendar.
func (r *BookingRepository) CalendarTenant(ctx context.Context, calendarID string) (string, error) {
	var tenantID string
	err := r.db.GetContext(ctx, &tenantID,
		`SELECT tenant_id FROM calendars WHERE id = $1`, calendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", booking.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tenantID, nil
}

// translateClaimError maps driver failures onto the engine taxonomy. Lock and
// serialization timeouts are contention (Busy, retryable); a unique violation
// on the active-slot index means the race was definitively lost, and the
// conflict names the range the caller asked for since the winner occupies
// that same start.
func translateClaimError(err error, requested booking.Range) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable, pqSerializationFail:
			return booking.ErrBusy
		case pqUniqueViolation:
			return &booking.ConflictError{Start: requested.Start, End: requested.End}
		}
	}
	return err
}
