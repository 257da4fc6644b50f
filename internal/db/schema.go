package db

import "github.com/jmoiron/sqlx"

// The partial unique index backstops the advisory-lock claim path: even if a
// bug ever bypasses the lock, two active bookings can never share an exact
// start slot in the same tenant+calendar.
const schema = `
CREATE TABLE IF NOT EXISTS calendars (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bookings (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	calendar_id         TEXT NOT NULL REFERENCES calendars(id),
	start_time          TIMESTAMPTZ NOT NULL,
	end_time            TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL,
	requester_ref       TEXT NOT NULL DEFAULT '',
	confirmation_token  TEXT,
	hold_expires_at     TIMESTAMPTZ,
	confirmed_at        TIMESTAMPTZ,
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (start_time < end_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_slot_idx
	ON bookings (tenant_id, calendar_id, start_time)
	WHERE status IN ('pending-hold', 'confirmed');

CREATE INDEX IF NOT EXISTS bookings_calendar_range_idx
	ON bookings (tenant_id, calendar_id, start_time, end_time);

CREATE INDEX IF NOT EXISTS bookings_hold_expiry_idx
	ON bookings (hold_expires_at)
	WHERE status = 'pending-hold';

CREATE TABLE IF NOT EXISTS processed_events (
	tenant_id     TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	completed     BOOLEAN NOT NULL DEFAULT FALSE,
	result        BYTEA,
	processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, event_id)
);
`

// EnsureSchema creates the engine tables and indexes if they do not exist.
func EnsureSchema(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	return err
}
