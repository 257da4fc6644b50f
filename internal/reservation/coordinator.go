package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"reservation-engine/internal/auth"
	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/models"
)

// Store is the durable-store contract the coordinator requires. All mutual
// exclusion lives behind it: ClaimSlot must be atomic with respect to claims
// issued by other service instances, and Transition/Confirm must be
// version-guarded conditional updates.
type Store interface {
	ClaimSlot(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	Transition(ctx context.Context, id string, to booking.Status, expectedVersion int64) (*models.Booking, error)
	Confirm(ctx context.Context, id, token string) (*models.Booking, error)
	ActiveBookings(ctx context.Context, tenantID, calendarID string, from, to time.Time) ([]models.Booking, error)
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error)
	CreateCalendar(ctx context.Context, c *models.Calendar) error
	CalendarTenant(ctx context.Context, calendarID string) (string, error)
}

// EventStore is the idempotency-guard contract, race-safe on
// (tenant, event id).
type EventStore interface {
	Begin(ctx context.Context, tenantID, eventID string) (fresh bool, cached []byte, err error)
	Complete(ctx context.Context, tenantID, eventID string, result []byte) error
	Forget(ctx context.Context, tenantID, eventID string) error
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Publisher notifies downstream collaborators. Failures never invalidate a
// reservation: the booking is authoritative once the store commits.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// Recorder counts claim outcomes for operational visibility.
type Recorder interface {
	RecordClaim(ctx context.Context, tenantID, outcome string)
}

// ClaimRequest is a claim on a slot. EventID, when set, deduplicates retried
// deliveries of the same external event.
type ClaimRequest struct {
	TenantID     string    `json:"tenant_id"`
	CalendarID   string    `json:"calendar_id"`
	Start        time.Time `json:"start_time"`
	End          time.Time `json:"end_time"`
	RequesterRef string    `json:"requester_ref"`
	HoldMinutes  int       `json:"hold_minutes"`
	EventID      string    `json:"event_id"`
}

// Claim outcomes. Busy is deliberately distinct from Conflict: Busy means
// "try again", Conflict means "someone else definitely won".
const (
	OutcomeClaimed  = "claimed"
	OutcomeConflict = "conflict"
	OutcomeBusy     = "busy"
)

// ClaimResult is the structured claim outcome. It serializes cleanly so the
// idempotency guard can replay it byte-identically to duplicate deliveries.
type ClaimResult struct {
	Outcome           string                    `json:"outcome"`
	Booking           *models.Booking           `json:"booking,omitempty"`
	ConfirmationToken string                    `json:"confirmation_token,omitempty"`
	Conflict          *booking.ConflictResponse `json:"conflict,omitempty"`
	RetryAfterMs      int64                     `json:"retry_after_ms,omitempty"`
	Replayed          bool                      `json:"-"`
}

// Options configures a Coordinator.
type Options struct {
	DefaultHold time.Duration
	MaxHold     time.Duration
	RetryAfter  time.Duration
	Publisher   Publisher
	Stats       Recorder
}

// Coordinator resolves concurrent claims on slots so that exactly one wins,
// and owns the booking lifecycle operations around that guarantee.
type Coordinator struct {
	store     Store
	events    EventStore
	publisher Publisher
	stats     Recorder

	defaultHold time.Duration
	maxHold     time.Duration
	retryAfter  time.Duration

	now func() time.Time
}

// NewCoordinator creates a Coordinator over the given store and idempotency
// guard. Publisher and Stats are optional.
func NewCoordinator(store Store, events EventStore, opts Options) *Coordinator {
	if opts.DefaultHold <= 0 {
		opts.DefaultHold = 10 * time.Minute
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = 2 * time.Hour
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 2 * time.Second
	}
	return &Coordinator{
		store:       store,
		events:      events,
		publisher:   opts.Publisher,
		stats:       opts.Stats,
		defaultHold: opts.DefaultHold,
		maxHold:     opts.MaxHold,
		retryAfter:  opts.RetryAfter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) validateClaim(req *ClaimRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return &booking.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(req.CalendarID) == "" {
		return &booking.ValidationError{Field: "calendar_id", Reason: "required"}
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return &booking.ValidationError{Field: "time_range", Reason: "start and end are required"}
	}
	if !req.Start.Before(req.End) {
		return &booking.ValidationError{Field: "time_range", Reason: "start must be before end"}
	}
	if strings.TrimSpace(req.RequesterRef) == "" {
		return &booking.ValidationError{Field: "requester_ref", Reason: "required"}
	}
	if req.HoldMinutes < 0 {
		return &booking.ValidationError{Field: "hold_minutes", Reason: "must not be negative"}
	}
	if time.Duration(req.HoldMinutes)*time.Minute > c.maxHold {
		return &booking.ValidationError{Field: "hold_minutes", Reason: "exceeds maximum"}
	}
	return nil
}

// Claim runs the full claim pipeline: validation, idempotency guard, tenant
// assertion, atomic claim, and conflict alternatives. callerTenant is the
// tenant resolved from the verified caller context, never the request body.
func (c *Coordinator) Claim(ctx context.Context, callerTenant string, req ClaimRequest) (*ClaimResult, error) {
	if err := c.validateClaim(&req); err != nil {
		return nil, err
	}
	if err := auth.AssertTenantMatch(callerTenant, req.TenantID); err != nil {
		c.record(ctx, callerTenant, "forbidden")
		return nil, err
	}

	if req.EventID == "" {
		return c.claim(ctx, req)
	}

	fresh, cached, err := c.events.Begin(ctx, req.TenantID, req.EventID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if cached == nil {
			// A concurrent delivery of the same event is still in flight.
			c.record(ctx, req.TenantID, OutcomeBusy)
			return &ClaimResult{Outcome: OutcomeBusy, RetryAfterMs: c.retryAfter.Milliseconds()}, nil
		}
		var replay ClaimResult
		if err := json.Unmarshal(cached, &replay); err != nil {
			return nil, err
		}
		replay.Replayed = true
		return &replay, nil
	}

	result, err := c.claim(ctx, req)
	if err != nil {
		// No partial idempotency record survives a failed claim.
		if ferr := c.events.Forget(ctx, req.TenantID, req.EventID); ferr != nil {
			log.Printf("idempotency forget failed for event %s: %v", req.EventID, ferr)
		}
		return nil, err
	}
	if result.Outcome == OutcomeBusy {
		// Busy is transient; the provider's retry must get a fresh attempt.
		if ferr := c.events.Forget(ctx, req.TenantID, req.EventID); ferr != nil {
			log.Printf("idempotency forget failed for event %s: %v", req.EventID, ferr)
		}
		return result, nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := c.events.Complete(ctx, req.TenantID, req.EventID, payload); err != nil {
		log.Printf("idempotency complete failed for event %s: %v", req.EventID, err)
	}
	return result, nil
}

func (c *Coordinator) claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	calTenant, err := c.store.CalendarTenant(ctx, req.CalendarID)
	if err != nil {
		return nil, err
	}
	if err := auth.AssertTenantMatch(req.TenantID, calTenant); err != nil {
		c.record(ctx, req.TenantID, "forbidden")
		return nil, err
	}

	hold := c.defaultHold
	if req.HoldMinutes > 0 {
		hold = time.Duration(req.HoldMinutes) * time.Minute
	}
	now := c.now()
	expires := now.Add(hold)
	token := uuid.NewString()

	b := &models.Booking{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		CalendarID:        req.CalendarID,
		StartTime:         req.Start.UTC(),
		EndTime:           req.End.UTC(),
		Status:            booking.StatusPendingHold,
		RequesterRef:      req.RequesterRef,
		ConfirmationToken: &token,
		HoldExpiresAt:     &expires,
	}

	err = c.store.ClaimSlot(ctx, b)
	var conflict *booking.ConflictError
	switch {
	case err == nil:
		c.record(ctx, req.TenantID, OutcomeClaimed)
		c.publish(ctx, "booking.claimed", b)
		return &ClaimResult{Outcome: OutcomeClaimed, Booking: b, ConfirmationToken: token}, nil

	case errors.As(err, &conflict):
		c.record(ctx, req.TenantID, OutcomeConflict)
		resp := c.describeConflict(ctx, req, conflict)
		return &ClaimResult{Outcome: OutcomeConflict, Conflict: &resp}, nil

	case errors.Is(err, booking.ErrBusy):
		c.record(ctx, req.TenantID, OutcomeBusy)
		return &ClaimResult{Outcome: OutcomeBusy, RetryAfterMs: c.retryAfter.Milliseconds()}, nil

	default:
		return nil, err
	}
}

// describeConflict builds the structured rejection with up to three nearby
// alternatives from the same calendar day. Advisory only; failures degrade to
// a conflict without alternatives rather than masking the outcome.
func (c *Coordinator) describeConflict(ctx context.Context, req ClaimRequest, conflict *booking.ConflictError) booking.ConflictResponse {
	requested := booking.Range{Start: req.Start, End: req.End}
	held := booking.Range{Start: conflict.Start, End: conflict.End}
	if held.Start.IsZero() {
		held = requested
	}

	duration := req.End.Sub(req.Start)
	dayStart := req.Start.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	free, err := c.Availability(ctx, req.TenantID, req.TenantID, req.CalendarID, dayStart, dayEnd, duration)
	if err != nil {
		log.Printf("alternative lookup failed for calendar %s: %v", req.CalendarID, err)
		return booking.DescribeConflict(requested, held, nil)
	}
	return booking.DescribeConflict(requested, held, free)
}

// Availability computes the advisory candidate start times for a tenant's
// calendar. It reserves nothing; an offered slot can still lose the
// subsequent claim race.
func (c *Coordinator) Availability(ctx context.Context, callerTenant, tenantID, calendarID string, from, to time.Time, slotDuration time.Duration) ([]time.Time, error) {
	if slotDuration <= 0 {
		return nil, &booking.ValidationError{Field: "slot_duration", Reason: "must be positive"}
	}
	if !from.Before(to) {
		return nil, &booking.ValidationError{Field: "date_range", Reason: "from must be before to"}
	}
	if err := auth.AssertTenantMatch(callerTenant, tenantID); err != nil {
		return nil, err
	}
	calTenant, err := c.store.CalendarTenant(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if err := auth.AssertTenantMatch(tenantID, calTenant); err != nil {
		return nil, err
	}

	active, err := c.store.ActiveBookings(ctx, tenantID, calendarID, from, to)
	if err != nil {
		return nil, err
	}
	busy := make([]booking.Range, 0, len(active))
	for i := range active {
		busy = append(busy, active[i].Range())
	}
	return booking.Filter(booking.Candidates(from, to, slotDuration), slotDuration, busy), nil
}

// Confirm applies the token-guarded confirmation flow.
func (c *Coordinator) Confirm(ctx context.Context, bookingID, token string) (*models.Booking, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &booking.ValidationError{Field: "confirmation_token", Reason: "required"}
	}
	b, err := c.store.Confirm(ctx, bookingID, token)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, "booking.confirmed", b)
	return b, nil
}

const cancelAttempts = 3

// Cancel transitions a booking to cancelled on behalf of its tenant. The
// status write and the slot release are one atomic update; a benign version
// race (e.g. with the reaper) is retried against the fresh version.
func (c *Coordinator) Cancel(ctx context.Context, callerTenant, tenantID, bookingID string) (*models.Booking, error) {
	if err := auth.AssertTenantMatch(callerTenant, tenantID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		b, err := c.store.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := auth.AssertTenantMatch(tenantID, b.TenantID); err != nil {
			return nil, err
		}

		cancelled, err := c.store.Transition(ctx, bookingID, booking.StatusCancelled, b.Version)
		if errors.Is(err, booking.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.publish(ctx, "booking.cancelled", cancelled)
		return cancelled, nil
	}
	return nil, booking.ErrVersionConflict
}

// GetBooking fetches a booking, asserting the caller's tenant owns it.
func (c *Coordinator) GetBooking(ctx context.Context, callerTenant, bookingID string) (*models.Booking, error) {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := auth.AssertTenantMatch(callerTenant, b.TenantID); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateCalendar provisions a contention domain for the caller's tenant.
func (c *Coordinator) CreateCalendar(ctx context.Context, callerTenant, name string) (*models.Calendar, error) {
	if callerTenant == "" {
		return nil, booking.ErrForbidden
	}
	cal := &models.Calendar{
		ID:       uuid.NewString(),
		TenantID: callerTenant,
		Name:     name,
	}
	if err := c.store.CreateCalendar(ctx, cal); err != nil {
		return nil, err
	}
	return cal, nil
}

func (c *Coordinator) publish(ctx context.Context, routingKey string, payload interface{}) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, routingKey, payload); err != nil {
		log.Printf("publish %s failed: %v", routingKey, err)
	}
}

func (c *Coordinator) record(ctx context.Context, tenantID, outcome string) {
	if c.stats == nil {
		return
	}
	c.stats.RecordClaim(ctx, tenantID, outcome)
}
