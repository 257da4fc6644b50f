package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/memstore"
	"reservation-engine/internal/db/models"
)

func TestReaperReleasesExpiredHolds(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.HoldMinutes = 10
	result, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.NoError(t, err)
	require.Equal(t, OutcomeClaimed, result.Outcome)

	reaper := NewReaper(f.store, f.store, nil, time.Second, 7*24*time.Hour)

	// Before the hold lapses the sweep is a no-op.
	assert.Equal(t, 0, reaper.Sweep(ctx))

	// Move the clock past the hold expiry.
	later := time.Now().UTC().Add(11 * time.Minute)
	f.store.Now = func() time.Time { return later }
	reaper.now = f.store.Now

	assert.Equal(t, 1, reaper.Sweep(ctx))

	released, err := f.store.GetBooking(ctx, result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusReleased, released.Status)
	assert.Nil(t, released.HoldExpiresAt)

	// The slot is immediately claimable again.
	reclaim, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimed, reclaim.Outcome)
}

func TestReaperLosesConfirmRaceHarmlessly(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	// Confirmation lands between the reaper's listing and its update: the
	// version guard makes the stale release fail instead of clobbering the
	// confirmed booking.
	_, err = f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)

	_, err = f.store.Transition(ctx, result.Booking.ID, booking.StatusReleased, result.Booking.Version)
	assert.Error(t, err)

	current, err := f.store.GetBooking(ctx, result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, current.Status)
}

// staleSweepStore replays a fixed listing, standing in for the window between
// the reaper's ExpiredHolds query and its release update.
type staleSweepStore struct {
	*memstore.Store
	listed []models.Booking
}

func (s *staleSweepStore) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Booking, error) {
	return s.listed, nil
}

func TestSweepSkipsHoldsChangedSinceListing(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)

	// Snapshot the hold as a sweep would list it, then confirm it so the
	// snapshot is stale by the time the release update runs.
	listed := *result.Booking
	_, err = f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)

	stale := &staleSweepStore{Store: f.store, listed: []models.Booking{listed}}
	reaper := NewReaper(stale, f.store, nil, time.Second, 7*24*time.Hour)

	assert.Equal(t, 0, reaper.Sweep(ctx))

	current, err := f.store.GetBooking(ctx, result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, current.Status)
}

func TestReaperIgnoresConfirmedBookings(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	result, err := f.coordinator.Claim(ctx, "clinic-a",
		f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t))
	require.NoError(t, err)
	_, err = f.coordinator.Confirm(ctx, result.Booking.ID, result.ConfirmationToken)
	require.NoError(t, err)

	later := time.Now().UTC().Add(24 * time.Hour)
	f.store.Now = func() time.Time { return later }
	reaper := NewReaper(f.store, f.store, nil, time.Second, 7*24*time.Hour)
	reaper.now = f.store.Now

	assert.Equal(t, 0, reaper.Sweep(ctx))

	current, err := f.store.GetBooking(ctx, result.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, current.Status)
}

func TestReaperPurgesAgedIdempotencyRecords(t *testing.T) {
	f := newFixture(t, "clinic-a")
	ctx := context.Background()

	req := f.claimReq("2026-01-15T10:00:00Z", "2026-01-15T10:30:00Z", t)
	req.EventID = "old-event"
	_, err := f.coordinator.Claim(ctx, "clinic-a", req)
	require.NoError(t, err)

	later := time.Now().UTC().Add(8 * 24 * time.Hour)
	f.store.Now = func() time.Time { return later }
	reaper := NewReaper(f.store, f.store, nil, time.Second, 7*24*time.Hour)
	reaper.now = f.store.Now

	reaper.Sweep(ctx)

	// Past the retention horizon the event id is fresh again.
	fresh, _, err := f.store.Begin(ctx, "clinic-a", "old-event")
	require.NoError(t, err)
	assert.True(t, fresh)
}
