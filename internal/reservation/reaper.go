package reservation

import (
	"context"
	"errors"
	"log"
	"time"

	"reservation-engine/internal/booking"
)

const sweepBatchSize = 100

// Reaper reclaims slots whose holds were never confirmed. Every release is a
// version-guarded transition, so a hold confirmed microseconds before the
// sweep makes the reaper's update fail harmlessly instead of corrupting a
// just-confirmed booking.
type Reaper struct {
	store     Store
	events    EventStore
	publisher Publisher

	interval  time.Duration
	retention time.Duration

	now func() time.Time
}

// NewReaper creates a Reaper sweeping at the given interval and purging
// idempotency records older than retention.
func NewReaper(store Store, events EventStore, publisher Publisher, interval, retention time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		store:     store,
		events:    events,
		publisher: publisher,
		interval:  interval,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("reaper started, sweeping every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep releases every expired pending hold and purges aged idempotency
// records. Returns the number of holds released.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	released := 0

	for {
		expired, err := r.store.ExpiredHolds(ctx, now, sweepBatchSize)
		if err != nil {
			log.Printf("reaper: listing expired holds failed: %v", err)
			break
		}
		if len(expired) == 0 {
			break
		}

		progressed := false
		for i := range expired {
			b := &expired[i]
			releasedBooking, err := r.store.Transition(ctx, b.ID, booking.StatusReleased, b.Version)
			if errors.Is(err, booking.ErrVersionConflict) || errors.Is(err, booking.ErrInvalidTransition) {
				// Benign race: the hold was confirmed or cancelled between
				// the listing and this update.
				log.Printf("reaper: booking %s changed before release, skipping", b.ID)
				continue
			}
			if err != nil {
				log.Printf("reaper: releasing booking %s failed: %v", b.ID, err)
				continue
			}
			released++
			progressed = true
			if r.publisher != nil {
				if err := r.publisher.Publish(ctx, "booking.released", releasedBooking); err != nil {
					log.Printf("reaper: publish booking.released failed: %v", err)
				}
			}
		}
		if len(expired) < sweepBatchSize || !progressed {
			break
		}
	}

	if r.events != nil && r.retention > 0 {
		if n, err := r.events.Purge(ctx, now.Add(-r.retention)); err != nil {
			log.Printf("reaper: purging idempotency records failed: %v", err)
		} else if n > 0 {
			log.Printf("reaper: purged %d idempotency records", n)
		}
	}

	return released
}
