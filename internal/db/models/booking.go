package models

import (
	"time"

	"reservation-engine/internal/booking"
)

// Booking represents a reservation row. Version is the optimistic lock token:
// every committed status change increments it, and every conditional update is
// guarded by the value the caller last saw.
type Booking struct {
	ID                string         `db:"id" json:"id"`
	TenantID          string         `db:"tenant_id" json:"tenant_id"`
	CalendarID        string         `db:"calendar_id" json:"calendar_id"`
	StartTime         time.Time      `db:"start_time" json:"start_time"`
	EndTime           time.Time      `db:"end_time" json:"end_time"`
	Status            booking.Status `db:"status" json:"status"`
	RequesterRef      string         `db:"requester_ref" json:"requester_ref"`
	ConfirmationToken *string        `db:"confirmation_token" json:"-"`
	HoldExpiresAt     *time.Time     `db:"hold_expires_at" json:"hold_expires_at,omitempty"`
	ConfirmedAt       *time.Time     `db:"confirmed_at" json:"confirmed_at,omitempty"`
	Version           int64          `db:"version" json:"version"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Range returns the booking's half-open time range.
func (b *Booking) Range() booking.Range {
	return booking.Range{Start: b.StartTime, End: b.EndTime}
}

// ActiveAt reports whether the booking still occupies its slot at now.
// A pending hold whose expiry has passed no longer blocks claims even if the
// reaper has not swept it yet.
func (b *Booking) ActiveAt(now time.Time) bool {
	if !booking.Active(b.Status) {
		return false
	}
	if b.Status == booking.StatusPendingHold && b.HoldExpiresAt != nil && !b.HoldExpiresAt.After(now) {
		return false
	}
	return true
}

// Calendar is the contention domain for slots. Its tenant id is the
// authoritative owner checked on every operation.
type Calendar struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent deduplicates retried webhook deliveries. Unique on
// (tenant_id, event_id); rows older than the retention horizon are purged.
type ProcessedEvent struct {
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	EventID     string    `db:"event_id" json:"event_id"`
	Completed   bool      `db:"completed" json:"completed"`
	Result      []byte    `db:"result" json:"-"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}
