// internal/storage/notifications.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/notification"
)

func insertNotification(ctx context.Context, tx *sqlx.Tx, d notification.Draft, now time.Time) (int64, error) {
	var source sql.NullInt64
	if d.SourceEventID > 0 {
		source = sql.NullInt64{Int64: d.SourceEventID, Valid: true}
	}

	var id int64
	err := tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO notifications (user_id, message, is_read, source_event_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING notification_id
	`), d.UserID, d.Message, false, source, now).Scan(&id)
	return id, err
}

// InsertNotification implements notification.Repository.
func (s *Store) InsertNotification(ctx context.Context, d notification.Draft) (int64, error) {
	var id int64
	err := s.withTx(ctx, "storage.insert_notification", func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		id, err = insertNotification(ctx, tx, d, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

// Inbox implements notification.Repository.
func (s *Store) Inbox(ctx context.Context, userID int64, limit int) ([]notification.Notification, error) {
	ds := s.goqu.From("notifications").
		Select("notification_id", "user_id", "message", "is_read", "created_at").
		Where(goqu.C("user_id").Eq(userID)).
		Order(goqu.C("created_at").Desc(), goqu.C("notification_id").Desc()).
		Limit(uint(limit))

	var items []notification.Notification
	if err := s.selectAll(ctx, &items, ds); err != nil {
		return nil, fmt.Errorf("inbox of %d: %w", userID, err)
	}
	for i := range items {
		items[i].CreatedAt = items[i].CreatedAt.UTC()
	}
	return items, nil
}

// MarkRead implements notification.Repository.
func (s *Store) MarkRead(ctx context.Context, userID, notificationID int64) (bool, error) {
	query, args, err := s.goqu.Update("notifications").
		Set(goqu.Record{"is_read": true}).
		Where(goqu.C("notification_id").Eq(notificationID), goqu.C("user_id").Eq(userID)).
		Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark notification %d read: %w", notificationID, err)
	}
	return affectedOne(res)
}

// Checkpoint implements notification.Sink.
func (s *Store) Checkpoint(ctx context.Context, projection string) (int64, error) {
	return s.events.Checkpoint(ctx, projection)
}

// Deliver implements notification.Sink. Messages and the checkpoint commit
// together, so a crash never delivers an event twice.
func (s *Store) Deliver(ctx context.Context, projection string, drafts []notification.Draft, position int64) error {
	return s.withTx(ctx, "storage.deliver_notifications", func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.now().UTC()
		for _, d := range drafts {
			if _, err := insertNotification(ctx, tx, d, now); err != nil {
				return fmt.Errorf("insert notification for %d: %w", d.UserID, err)
			}
		}
		return s.events.SaveCheckpoint(ctx, tx, projection, position)
	})
}

// ReservedPatrons implements notification.Sink.
func (s *Store) ReservedPatrons(ctx context.Context, resourceID int64) ([]int64, error) {
	ds := s.goqu.From("reservations").
		Select("user_id").
		Where(
			goqu.C("resource_id").Eq(resourceID),
			goqu.C("status").Eq(string(circulation.ReservationReserved)),
		).
		Order(goqu.C("reservation_id").Asc())

	var patrons []int64
	if err := s.selectAll(ctx, &patrons, ds); err != nil {
		return nil, fmt.Errorf("reserved patrons of %d: %w", resourceID, err)
	}
	return patrons, nil
}
