// internal/circulation/service.go
package circulation

import (
	"context"
	"time"
)

// Service defines the interface for the circulation engine.
type Service interface {
	Borrow(ctx context.Context, patronID, resourceID int64) (*BorrowingRecord, error)
	Renew(ctx context.Context, patronID, borrowingID int64) (*BorrowingRecord, error)
	// Return closes a loan owned by patronID.
	Return(ctx context.Context, patronID, borrowingID int64) (*BorrowingRecord, error)
	// CheckIn closes any loan. It is the librarian desk variant of Return.
	CheckIn(ctx context.Context, borrowingID int64) (*BorrowingRecord, error)
	Reserve(ctx context.Context, patronID, resourceID int64) (*ReservationRecord, error)
	ResolveReservation(ctx context.Context, reservationID int64, to ReservationStatus) (*ReservationRecord, error)
	UpdateCopies(ctx context.Context, resourceID int64, total, available int) error
	// EditResource replaces the details and both copy counts in one transaction.
	EditResource(ctx context.Context, resourceID int64, details ResourceDetails, total, available int) error

	ActiveBorrowings(ctx context.Context, patronID int64) ([]BorrowedItem, error)
	History(ctx context.Context, patronID int64) ([]HistoryEntry, error)
	Reservations(ctx context.Context, patronID int64) ([]ReservationView, error)
}

// Store runs a unit of work in one storage transaction. fn's error is
// returned unchanged and rolls the transaction back.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx holds the reads and guarded writes available inside a transaction.
// Lookups return nil with no error when the row does not exist. Guarded
// writes report false when their guard matched no row.
type Tx interface {
	Inventory(ctx context.Context, resourceID int64) (*Inventory, error)
	TakeCopy(ctx context.Context, resourceID int64) (bool, error)
	ReleaseCopy(ctx context.Context, resourceID int64) (bool, error)
	SetCopies(ctx context.Context, current Inventory, total, available int) (bool, error)
	UpdateDetails(ctx context.Context, resourceID int64, details ResourceDetails) (bool, error)

	InsertBorrowing(ctx context.Context, rec BorrowingRecord) (int64, error)
	Borrowing(ctx context.Context, borrowingID int64) (*BorrowingRecord, error)
	ExtendBorrowing(ctx context.Context, borrowingID int64, fromRenewals int, dueDate time.Time) (bool, error)
	CloseBorrowing(ctx context.Context, borrowingID int64, returnedAt time.Time) (bool, error)

	HasActiveReservation(ctx context.Context, patronID, resourceID int64) (bool, error)
	InsertReservation(ctx context.Context, rec ReservationRecord) (int64, error)
	Reservation(ctx context.Context, reservationID int64) (*ReservationRecord, error)
	SetReservationStatus(ctx context.Context, reservationID int64, from, to ReservationStatus) (bool, error)

	Append(ctx context.Context, events ...Event) error
}

// ReadModel serves the patron-facing views of the ledger.
type ReadModel interface {
	ActiveBorrowings(ctx context.Context, patronID int64) ([]BorrowedItem, error)
	History(ctx context.Context, patronID int64) ([]HistoryEntry, error)
	Reservations(ctx context.Context, patronID int64) ([]ReservationView, error)
}
