package repos

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventRepository stores idempotency records for retried external events.
// Unique on (tenant_id, event_id); insertion is the atomic check-and-record.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Begin atomically records the event as in-flight. fresh=true means this
// delivery won and must run the operation; fresh=false with a cached result
// means a prior delivery completed; fresh=false with nil cached means a
// concurrent duplicate is still in flight and the caller should report Busy.
func (r *EventRepository) Begin(ctx context.Context, tenantID, eventID string) (fresh bool, cached []byte, err error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_events (tenant_id, event_id, completed, processed_at)
		 VALUES ($1, $2, FALSE, $3)
		 ON CONFLICT (tenant_id, event_id) DO NOTHING`,
		tenantID, eventID, time.Now().UTC(),
	)
	if err != nil {
		return false, nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if inserted == 1 {
		return true, nil, nil
	}

	var row struct {
		Completed bool   `db:"completed"`
		Result    []byte `db:"result"`
	}
	err = r.db.GetContext(ctx, &row,
		`SELECT completed, result FROM processed_events
		 WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between insert and read (purge race); treat as in-flight.
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if !row.Completed {
		return false, nil, nil
	}
	return false, row.Result, nil
}

// Complete stores the serialized outcome for replay to later duplicates.
func (r *EventRepository) Complete(ctx context.Context, tenantID, eventID string, result []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_events
		 SET completed = TRUE, result = $1
		 WHERE tenant_id = $2 AND event_id = $3`,
		result, tenantID, eventID,
	)
	return err
}

// Forget drops an in-flight record so a retry gets a fresh attempt. Used when
// the outcome was Busy, which must never be pinned in the cache.
func (r *EventRepository) Forget(ctx context.Context, tenantID, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_events
		 WHERE tenant_id = $1 AND event_id = $2 AND completed = FALSE`,
		tenantID, eventID,
	)
	return err
}

// Purge deletes records older than the retention horizon. The external caller
// is assumed not to retry beyond it.
func (r *EventRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
