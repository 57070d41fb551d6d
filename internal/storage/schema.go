// internal/storage/schema.go
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS resources (
		resource_id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		isbn TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT 'Book',
		location TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL,
		available_copies INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT resources_copies_check CHECK (available_copies >= 0 AND available_copies <= total_copies)
	)`,
	`CREATE INDEX IF NOT EXISTS resources_status_idx ON resources (status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS resources_isbn_idx ON resources (isbn) WHERE isbn <> ''`,
	`CREATE TABLE IF NOT EXISTS borrowings (
		borrowing_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		resource_id BIGINT NOT NULL REFERENCES resources (resource_id),
		borrow_date TIMESTAMPTZ NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		return_date TIMESTAMPTZ,
		status TEXT NOT NULL,
		renewals INTEGER NOT NULL DEFAULT 0,
		CONSTRAINT borrowings_status_check CHECK (status IN ('Borrowed', 'Overdue', 'Returned')),
		CONSTRAINT borrowings_renewals_check CHECK (renewals >= 0 AND renewals <= 2),
		CONSTRAINT borrowings_due_check CHECK (due_date >= borrow_date),
		CONSTRAINT borrowings_return_check CHECK ((status = 'Returned') = (return_date IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS borrowings_user_idx ON borrowings (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS borrowings_due_idx ON borrowings (status, due_date)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		resource_id BIGINT NOT NULL REFERENCES resources (resource_id),
		reservation_date TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		CONSTRAINT reservations_status_check CHECK (status IN ('Reserved', 'Fulfilled', 'Cancelled'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reservations_open_idx ON reservations (user_id, resource_id) WHERE status = 'Reserved'`,
	`CREATE TABLE IF NOT EXISTS notifications (
		notification_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		message TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		source_event_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL UNIQUE,
		aggregate_type TEXT NOT NULL,
		aggregate_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		event_data JSONB NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_type, aggregate_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		position BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS resources (
		resource_id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		isbn TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT 'Book',
		location TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL,
		available_copies INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		CHECK (available_copies >= 0 AND available_copies <= total_copies)
	)`,
	`CREATE INDEX IF NOT EXISTS resources_status_idx ON resources (status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS resources_isbn_idx ON resources (isbn) WHERE isbn <> ''`,
	`CREATE TABLE IF NOT EXISTS borrowings (
		borrowing_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		resource_id INTEGER NOT NULL REFERENCES resources (resource_id),
		borrow_date TIMESTAMP NOT NULL,
		due_date TIMESTAMP NOT NULL,
		return_date TIMESTAMP,
		status TEXT NOT NULL CHECK (status IN ('Borrowed', 'Overdue', 'Returned')),
		renewals INTEGER NOT NULL DEFAULT 0 CHECK (renewals >= 0 AND renewals <= 2),
		CHECK (due_date >= borrow_date),
		CHECK ((status = 'Returned') = (return_date IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS borrowings_user_idx ON borrowings (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS borrowings_due_idx ON borrowings (status, due_date)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		resource_id INTEGER NOT NULL REFERENCES resources (resource_id),
		reservation_date TIMESTAMP NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Reserved', 'Fulfilled', 'Cancelled'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reservations_open_idx ON reservations (user_id, resource_id) WHERE status = 'Reserved'`,
	`CREATE TABLE IF NOT EXISTS notifications (
		notification_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		message TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT 0,
		source_event_id INTEGER,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		aggregate_type TEXT NOT NULL,
		aggregate_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_aggregate_idx ON events (aggregate_type, aggregate_id)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := postgresSchema
	if s.dialect == DialectSQLite {
		statements = sqliteSchema
	}

	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}

	s.logger.Info("schema migrated", zap.String("dialect", string(s.dialect)))
	return nil
}
