// internal/storage/circulation_tx.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/eventstore"
)

// circulationTx implements circulation.Tx on one sqlx transaction.
type circulationTx struct {
	tx    *sqlx.Tx
	store *Store
}

type inventoryRow struct {
	ResourceID      int64  `db:"resource_id"`
	Title           string `db:"title"`
	TotalCopies     int    `db:"total_copies"`
	AvailableCopies int    `db:"available_copies"`
}

type borrowingRow struct {
	BorrowingID int64        `db:"borrowing_id"`
	UserID      int64        `db:"user_id"`
	ResourceID  int64        `db:"resource_id"`
	BorrowDate  time.Time    `db:"borrow_date"`
	DueDate     time.Time    `db:"due_date"`
	ReturnDate  sql.NullTime `db:"return_date"`
	Status      string       `db:"status"`
	Renewals    int          `db:"renewals"`
}

func (r borrowingRow) record() *circulation.BorrowingRecord {
	rec := &circulation.BorrowingRecord{
		ID:         r.BorrowingID,
		PatronID:   r.UserID,
		ResourceID: r.ResourceID,
		BorrowDate: r.BorrowDate.UTC(),
		DueDate:    r.DueDate.UTC(),
		Status:     circulation.Status(r.Status),
		Renewals:   r.Renewals,
	}
	if r.ReturnDate.Valid {
		t := r.ReturnDate.Time.UTC()
		rec.ReturnDate = &t
	}
	return rec
}

type reservationRow struct {
	ReservationID   int64     `db:"reservation_id"`
	UserID          int64     `db:"user_id"`
	ResourceID      int64     `db:"resource_id"`
	ReservationDate time.Time `db:"reservation_date"`
	Status          string    `db:"status"`
}

// affectedOne reports whether a guarded write matched exactly one row.
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", classify(err))
	}
	return n == 1, nil
}

func (t *circulationTx) exec(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return false, classify(err)
	}
	return affectedOne(res)
}

func (t *circulationTx) Inventory(ctx context.Context, resourceID int64) (*circulation.Inventory, error) {
	var row inventoryRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(`
		SELECT resource_id, title, total_copies, available_copies
		FROM resources
		WHERE resource_id = ? AND status = ?
	`), resourceID, statusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory %d: %w", resourceID, classify(err))
	}
	return &circulation.Inventory{
		ResourceID:      row.ResourceID,
		Title:           row.Title,
		TotalCopies:     row.TotalCopies,
		AvailableCopies: row.AvailableCopies,
	}, nil
}

func (t *circulationTx) TakeCopy(ctx context.Context, resourceID int64) (bool, error) {
	return t.exec(ctx, `
		UPDATE resources
		SET available_copies = available_copies - 1, updated_at = ?
		WHERE resource_id = ? AND available_copies > 0
	`, t.store.now().UTC(), resourceID)
}

func (t *circulationTx) ReleaseCopy(ctx context.Context, resourceID int64) (bool, error) {
	return t.exec(ctx, `
		UPDATE resources
		SET available_copies = available_copies + 1, updated_at = ?
		WHERE resource_id = ? AND available_copies < total_copies
	`, t.store.now().UTC(), resourceID)
}

// SetCopies writes both counts only if they still equal the values in current.
func (t *circulationTx) SetCopies(ctx context.Context, current circulation.Inventory, total, available int) (bool, error) {
	return t.exec(ctx, `
		UPDATE resources
		SET total_copies = ?, available_copies = ?, updated_at = ?
		WHERE resource_id = ? AND total_copies = ? AND available_copies = ?
	`, total, available, t.store.now().UTC(), current.ResourceID, current.TotalCopies, current.AvailableCopies)
}

// UpdateDetails rewrites the descriptive columns of an active resource. An
// ISBN held by another resource rejects the edit.
func (t *circulationTx) UpdateDetails(ctx context.Context, resourceID int64, d circulation.ResourceDetails) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE resources
		SET title = ?, author = ?, isbn = ?, resource_type = ?, location = ?, updated_at = ?
		WHERE resource_id = ? AND status = ?
	`), d.Title, d.Author, d.ISBN, d.ResourceType, d.Location, t.store.now().UTC(), resourceID, statusActive)
	if isUniqueViolation(err) {
		return false, circulation.ErrDuplicateISBN
	}
	if err != nil {
		return false, classify(err)
	}
	return affectedOne(res)
}

func (t *circulationTx) InsertBorrowing(ctx context.Context, rec circulation.BorrowingRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(`
		INSERT INTO borrowings (user_id, resource_id, borrow_date, due_date, status, renewals)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING borrowing_id
	`), rec.PatronID, rec.ResourceID, rec.BorrowDate.UTC(), rec.DueDate.UTC(), string(rec.Status), rec.Renewals).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert borrowing: %w", classify(err))
	}
	return id, nil
}

func (t *circulationTx) Borrowing(ctx context.Context, borrowingID int64) (*circulation.BorrowingRecord, error) {
	var row borrowingRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(`
		SELECT borrowing_id, user_id, resource_id, borrow_date, due_date, return_date, status, renewals
		FROM borrowings
		WHERE borrowing_id = ?
	`), borrowingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get borrowing %d: %w", borrowingID, classify(err))
	}
	return row.record(), nil
}

// ExtendBorrowing moves the due date only if the renewal count is still
// fromRenewals and the loan is still Borrowed.
func (t *circulationTx) ExtendBorrowing(ctx context.Context, borrowingID int64, fromRenewals int, dueDate time.Time) (bool, error) {
	return t.exec(ctx, `
		UPDATE borrowings
		SET due_date = ?, renewals = renewals + 1
		WHERE borrowing_id = ? AND renewals = ? AND status = ?
	`, dueDate.UTC(), borrowingID, fromRenewals, string(circulation.StatusBorrowed))
}

func (t *circulationTx) CloseBorrowing(ctx context.Context, borrowingID int64, returnedAt time.Time) (bool, error) {
	return t.exec(ctx, `
		UPDATE borrowings
		SET status = ?, return_date = ?
		WHERE borrowing_id = ? AND status <> ?
	`, string(circulation.StatusReturned), returnedAt.UTC(), borrowingID, string(circulation.StatusReturned))
}

func (t *circulationTx) HasActiveReservation(ctx context.Context, patronID, resourceID int64) (bool, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(`
		SELECT COUNT(*) FROM reservations
		WHERE user_id = ? AND resource_id = ? AND status = ?
	`), patronID, resourceID, string(circulation.ReservationReserved))
	if err != nil {
		return false, fmt.Errorf("count reservations: %w", classify(err))
	}
	return n > 0, nil
}

func (t *circulationTx) InsertReservation(ctx context.Context, rec circulation.ReservationRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(`
		INSERT INTO reservations (user_id, resource_id, reservation_date, status)
		VALUES (?, ?, ?, ?)
		RETURNING reservation_id
	`), rec.PatronID, rec.ResourceID, rec.ReservationDate.UTC(), string(rec.Status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert reservation: %w", classify(err))
	}
	return id, nil
}

func (t *circulationTx) Reservation(ctx context.Context, reservationID int64) (*circulation.ReservationRecord, error) {
	var row reservationRow
	err := t.tx.GetContext(ctx, &row, t.tx.Rebind(`
		SELECT reservation_id, user_id, resource_id, reservation_date, status
		FROM reservations
		WHERE reservation_id = ?
	`), reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %d: %w", reservationID, classify(err))
	}
	return &circulation.ReservationRecord{
		ID:              row.ReservationID,
		PatronID:        row.UserID,
		ResourceID:      row.ResourceID,
		ReservationDate: row.ReservationDate.UTC(),
		Status:          circulation.ReservationStatus(row.Status),
	}, nil
}

func (t *circulationTx) SetReservationStatus(ctx context.Context, reservationID int64, from, to circulation.ReservationStatus) (bool, error) {
	return t.exec(ctx, `
		UPDATE reservations SET status = ?
		WHERE reservation_id = ? AND status = ?
	`, string(to), reservationID, string(from))
}

func (t *circulationTx) Append(ctx context.Context, events ...circulation.Event) error {
	return appendLedgerEvents(ctx, t.store.events, t.tx, events...)
}

func appendLedgerEvents(ctx context.Context, es *eventstore.EventStore, tx *sqlx.Tx, events ...circulation.Event) error {
	batch := make([]eventstore.Event, 0, len(events))
	for _, e := range events {
		data, err := eventstore.Encode(e)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		batch = append(batch, eventstore.Event{
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			EventType:     e.Type,
			EventData:     data,
			CreatedAt:     e.OccurredAt,
		})
	}
	if err := es.Append(ctx, tx, batch...); err != nil {
		return classify(err)
	}
	return nil
}
