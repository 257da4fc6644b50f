package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/memstore"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

type fixture struct {
	store       *memstore.Store
	coordinator *Coordinator
	calendarID  string
}

func newFixture(t *testing.T, tenantID string) *fixture {
	t.Helper()
	store := memstore.New()
	coordinator := NewCoordinator(store, store, Options{
		DefaultHold: 10 * time.Minute,
		MaxHold:     2 * time.Hour,
		RetryAfter:  time.Second,
	})
	cal, err := coordinator.CreateCalendar(context.Background(), tenantID, "exam room 1")
	require.NoError(t, err)
	return &fixture{store: store, coordinator: coordinator, calendarID: cal.ID}
}

func (f *fixture) claimReq(start, end string, t *testing.T) ClaimRequest {
	return ClaimRequest{
		TenantID:     "clinic-a",
		CalendarID:   f.calendarID,
		Start:        ts(t, start),
		End:          ts(t, end),
		RequesterRef: "call-42",
	}
}

func TestClaimSucceedsAndHoldsSlot(t *testing.T) {
	f := newFixture(t, "clinic-a")

	result, err := f.coordinator.Claim(context.Background(), "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	assert.Equal(t, OutcomeClaimed, result.Outcome)
	require.NotNil(t, result.Booking)
	assert.Equal(t, booking.StatusPendingHold, result.Booking.Status)
	assert.NotEmpty(t, result.ConfirmationToken)
	require.NotNil(t, result.Booking.HoldExpiresAt)
}

func TestConcurrentClaimsExactlyOneClaimed(t *testing.T) {
	f := newFixture(t, "clinic-a")

	const n = 5
	var wg sync.WaitGroup
	results := make([]*ClaimResult, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coordinator.Claim(context.Background(), "clinic-a",
				f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
		}(i)
	}
	wg.Wait()

	claimed, conflicts := 0, 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeClaimed:
			claimed++
		case OutcomeConflict:
			conflicts++
			require.NotNil(t, results[i].Conflict)
			assert.Equal(t, ts(t, "2026-01-15T10:00:00Z"), results[i].Conflict.Conflicting.Start)
		default:
			t.Fatalf("unexpected outcome %q", results[i].Outcome)
		}
	}
	assert.Equal(t, 1, claimed)
	assert.Equal(t, n-1, conflicts)
}

func TestBackToBackClaimsBothSucceed(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	first, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)
	second, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:30:00Z", "2026-01-15T11:00:00Z", t))
	require.NoError(t, err)

	assert.Equal(t, OutcomeClaimed, first.Outcome)
	assert.Equal(t, OutcomeClaimed, second.Outcome)
}

func TestConflictIncludesNearbyAlternatives(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	_, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	assert.Equal(t, OutcomeConflict, result.Outcome)
	require.NotNil(t, result.Conflict)
	require.NotEmpty(t, result.Conflict.Alternatives)
	assert.LessOrEqual(t, len(result.Conflict.Alternatives), 3)
	// Nearest free slots bracket the requested one.
	assert.Equal(t, ts(t, "2026-01-15T09:30:00Z"), result.Conflict.Alternatives[0])
	for _, alt := range result.Conflict.Alternatives {
		assert.False(t, alt.Equal(ts(t, "2026-01-15T10:00:00Z")))
	}
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	var validation *booking.ValidationError

	req := f.claimReq("2026-01-15T10:30:00Z", "2026-01-15T10:00:00Z", t)
	_, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "time_range", validation.Field)

	req = f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.RequesterRef = ""
	_, err = f.coordinator.Claim(ctx, "clinic-a", req)
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "requester_ref", validation.Field)

	req = f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.HoldMinutes = 10000
	_, err = f.coordinator.Claim(ctx, "clinic-a", req)
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "hold_minutes", validation.Field)
}

func TestClaimTenantMismatchIsForbidden(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	// Caller context resolves to a different tenant than the request body.
	_, err := f.coordinator.Claim(ctx, "clinic-b",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	assert.ErrorIs(t, err, booking.ErrForbidden)

	// Request tenant consistent with the caller, but the calendar belongs to
	// clinic-a: Forbidden, never Conflict or NotFound.
	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.TenantID = "clinic-b"
	_, err = f.coordinator.Claim(ctx, "clinic-b", req)
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

func TestClaimUnknownCalendarIsNotFound(t *testing.T) {
	f := newFixture(t, "clinic-a")

	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.CalendarID = "missing"
	_, err := f.coordinator.Claim(context.Background(), "clinic-a", req)
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestIdempotentClaimReplay(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.EventID = "vapi-evt-1"

	first, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, first.Outcome)
	assert.False(t, first.Replayed)

	// The retried webhook gets the cached result; no second booking.
	second, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, OutcomeClaimed, second.Outcome)
	require.NotNil(t, second.Booking)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assert.Equal(t, first.ConfirmationToken, second.ConfirmationToken)

	active, err := f.store.ActiveBookings(ctx, "clinic-a", f.calendarID,
		ts(t, "2026-01-15T00:00:00Z"), ts(t, "2026-01-16T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestIdempotencyDropsRecordOnFailure(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.EventID = "vapi-evt-2"
	req.CalendarID = "missing"
	_, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.ErrorIs(t, err, booking.ErrNotFound)

	// A failed claim must not pin the event id; the retry runs for real.
	req.CalendarID = f.calendarID
	result, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, result.Outcome)
	assert.False(t, result.Replayed)
}

func TestConfirmFlow(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	_, err = f.coordinator.Confirm(ctx, result.Booking.ID, "wrong")
	assert.ErrorIs(t, err, booking.ErrInvalidToken)

	confirmed, err := f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	again, err := f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, confirmed.ConfirmedAt, again.ConfirmedAt, "no second confirmation timestamp")
}

func TestCancelReleasesSlotImmediately(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)
	_, err = f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)

	cancelled, err := f.coordinator.Cancel(ctx, "clinic-a", "clinic-a", result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)

	// The range is available again in the very next availability call...
	free, err := f.coordinator.Availability(ctx, "clinic-a", "clinic-a", f.calendarID,
		ts(t, "2026-01-15T09:00:00Z"), ts(t, "2026-01-15T12:00:00Z"), 30*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, free, ts(t, "2026-01-15T10:00:00Z"))

	// ...and claimable in the very next claim call.
	reclaim, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, reclaim.Outcome)
}

func TestCancelForeignBookingIsForbidden(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	_, err = f.coordinator.Cancel(ctx, "clinic-b", "clinic-b", result.Booking.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)

	_, err = f.coordinator.GetBooking(ctx, "clinic-b", result.Booking.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

func TestAvailabilityExcludesActiveHolds(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	_, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	free, err := f.coordinator.Availability(ctx, "clinic-a", "clinic-a", f.calendarID,
		ts(t, "2026-01-15T09:00:00Z"), ts(t, "2026-01-15T11:00:00Z"), 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{
		ts(t, "2026-01-15T09:00:00Z"),
		ts(t, "2026-01-15T09:30:00Z"),
		ts(t, "2026-01-15T10:30:00Z"),
	}, free)
}
