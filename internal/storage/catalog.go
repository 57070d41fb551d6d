// internal/storage/catalog.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
)

const statusActive = catalog.StatusActive

var resourceColumns = []interface{}{
	"resource_id", "title", "author", "isbn", "resource_type", "location",
	"total_copies", "available_copies", "status", "created_at", "updated_at",
}

func utcResources(resources []catalog.Resource) []catalog.Resource {
	for i := range resources {
		resources[i].CreatedAt = resources[i].CreatedAt.UTC()
		resources[i].UpdatedAt = resources[i].UpdatedAt.UTC()
	}
	return resources
}

func catalogError(err error) error {
	if isUniqueViolation(err) {
		return catalog.ErrDuplicateISBN
	}
	return err
}

func resourceEvent(eventType string, id int64, title string, s *Store) circulation.Event {
	return circulation.Event{
		Type:          eventType,
		AggregateType: circulation.AggregateResource,
		AggregateID:   id,
		ResourceID:    id,
		Title:         title,
		OccurredAt:    s.now(),
	}
}

// InsertResource implements catalog.Repository.
func (s *Store) InsertResource(ctx context.Context, r *catalog.Resource) (int64, error) {
	var id int64
	err := s.withTx(ctx, "storage.insert_resource", func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.now().UTC()
		err := tx.QueryRowxContext(ctx, tx.Rebind(`
			INSERT INTO resources (title, author, isbn, resource_type, location, total_copies, available_copies, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING resource_id
		`), r.Title, r.Author, r.ISBN, r.ResourceType, r.Location, r.TotalCopies, r.AvailableCopies, statusActive, now, now).Scan(&id)
		if err != nil {
			return catalogError(err)
		}
		r.CreatedAt, r.UpdatedAt = now, now

		event := resourceEvent(catalog.EventResourceAdded, id, r.Title, s)
		event.AvailableCopies = r.AvailableCopies
		return appendLedgerEvents(ctx, s.events, tx, event)
	})
	if err != nil {
		if errors.Is(err, catalog.ErrDuplicateISBN) {
			return 0, err
		}
		return 0, fmt.Errorf("insert resource: %w", err)
	}
	return id, nil
}

// GetResource implements catalog.Repository.
func (s *Store) GetResource(ctx context.Context, id int64) (*catalog.Resource, error) {
	query, args, err := s.goqu.From("resources").
		Select(resourceColumns...).
		Where(goqu.C("resource_id").Eq(id), goqu.C("status").Eq(statusActive)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var r catalog.Resource
	err = s.db.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resource %d: %w", id, err)
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return &r, nil
}

// ListResources implements catalog.Repository.
func (s *Store) ListResources(ctx context.Context) ([]catalog.Resource, error) {
	ds := s.goqu.From("resources").
		Select(resourceColumns...).
		Where(goqu.C("status").Eq(statusActive)).
		Order(goqu.C("title").Asc(), goqu.C("resource_id").Asc())

	var resources []catalog.Resource
	if err := s.selectAll(ctx, &resources, ds); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return utcResources(resources), nil
}

// SearchResources implements catalog.Repository. Matching is a
// case-insensitive substring match on title, author and ISBN.
func (s *Store) SearchResources(ctx context.Context, query string, limit int) ([]catalog.Resource, error) {
	pattern := "%" + query + "%"
	ds := s.goqu.From("resources").
		Select(resourceColumns...).
		Where(
			goqu.C("status").Eq(statusActive),
			goqu.Or(
				goqu.C("title").ILike(pattern),
				goqu.C("author").ILike(pattern),
				goqu.C("isbn").ILike(pattern),
			),
		).
		Order(goqu.C("title").Asc(), goqu.C("resource_id").Asc()).
		Limit(uint(limit))

	var resources []catalog.Resource
	if err := s.selectAll(ctx, &resources, ds); err != nil {
		return nil, fmt.Errorf("search resources: %w", err)
	}
	return utcResources(resources), nil
}

// RetireResource implements catalog.Repository. Open reservations on the
// resource are cancelled with it.
func (s *Store) RetireResource(ctx context.Context, id int64) (bool, error) {
	var retired bool
	err := s.withTx(ctx, "storage.retire_resource", func(ctx context.Context, tx *sqlx.Tx) error {
		var active int
		if err := tx.GetContext(ctx, &active, tx.Rebind(`
			SELECT COUNT(*) FROM borrowings WHERE resource_id = ? AND status IN (?, ?)
		`), id, string(circulation.StatusBorrowed), string(circulation.StatusOverdue)); err != nil {
			return err
		}
		if active > 0 {
			return catalog.ErrResourceInUse
		}

		var title string
		err := tx.GetContext(ctx, &title, tx.Rebind(`
			SELECT title FROM resources WHERE resource_id = ? AND status = ?
		`), id, statusActive)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE resources SET status = ?, updated_at = ? WHERE resource_id = ? AND status = ?
		`), catalog.StatusRetired, s.now().UTC(), id, statusActive); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE reservations SET status = ? WHERE resource_id = ? AND status = ?
		`), string(circulation.ReservationCancelled), id, string(circulation.ReservationReserved)); err != nil {
			return err
		}

		retired = true
		return appendLedgerEvents(ctx, s.events, tx, resourceEvent(catalog.EventResourceRetired, id, title, s))
	})
	if err != nil {
		if errors.Is(err, catalog.ErrResourceInUse) {
			return false, err
		}
		return false, fmt.Errorf("retire resource %d: %w", id, err)
	}
	return retired, nil
}
