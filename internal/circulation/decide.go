// internal/circulation/decide.go
package circulation

import (
	"fmt"
	"time"
)

var (
	errResourceNotFound   = NewError(KindNotFound, "Resource not found.")
	errBorrowingNotFound  = NewError(KindNotFound, "Borrowing record not found or already returned.")
	errLoanNotFound       = NewError(KindNotFound, "Borrowing record not found.")
	errReservationMissing = NewError(KindNotFound, "Reservation not found.")
	errNoCopies           = NewError(KindUnavailable, "No available copies for this resource.")
	errResourceAvailable  = NewError(KindResourceAvailable, "Resource is available. You can borrow it instead of reserving.")
	errAlreadyReserved    = NewError(KindDuplicateReservation, "You have already reserved this resource.")
	errRenewalLimit       = NewError(KindRenewalLimitExceeded, fmt.Sprintf("Maximum renewals (%d) reached.", MaxRenewals))
	errOverdue            = NewError(KindOverdue, "Cannot renew an overdue book.")
	errNegativeCopies     = NewError(KindInvalidCopyCount, "Copies must be non-negative integers.")
	errTooManyAvailable   = NewError(KindInvalidCopyCount, "Available copies cannot exceed total copies.")
	errAlreadyReturned    = NewError(KindAlreadyReturned, "Borrowing record has already been returned.")
)

// Today returns the UTC calendar day of t as midnight UTC. All due-date
// arithmetic and overdue comparisons are done on UTC calendar days.
func Today(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DecideBorrow computes the loan to open for patronID, or rejects.
// inv is nil when the resource does not exist.
func DecideBorrow(inv *Inventory, patronID int64, now time.Time) (BorrowingRecord, error) {
	if inv == nil {
		return BorrowingRecord{}, errResourceNotFound
	}
	if inv.AvailableCopies < 1 {
		return BorrowingRecord{}, errNoCopies
	}

	return BorrowingRecord{
		PatronID:   patronID,
		ResourceID: inv.ResourceID,
		BorrowDate: now.UTC(),
		DueDate:    Today(now).AddDate(0, 0, LoanPeriodDays),
		Status:     StatusBorrowed,
		Renewals:   0,
	}, nil
}

// Renewal is the outcome of a permitted renewal.
type Renewal struct {
	DueDate  time.Time
	Renewals int
}

// DecideRenew extends rec by one loan period counted from its current due
// date. A record that is absent, owned by someone else or returned is
// reported as not found. A loan already swept to Overdue is still active and
// is rejected as overdue rather than not found.
func DecideRenew(rec *BorrowingRecord, patronID int64, now time.Time) (Renewal, error) {
	if rec == nil || rec.PatronID != patronID || !rec.Status.Active() {
		return Renewal{}, errBorrowingNotFound
	}
	if rec.Renewals >= MaxRenewals {
		return Renewal{}, errRenewalLimit
	}

	due := Today(rec.DueDate)
	if rec.Status == StatusOverdue || Today(now).After(due) {
		return Renewal{}, errOverdue
	}

	return Renewal{
		DueDate:  due.AddDate(0, 0, LoanPeriodDays),
		Renewals: rec.Renewals + 1,
	}, nil
}

// DecideReturn closes rec. Returning a closed loan is rejected instead of
// releasing a second copy.
func DecideReturn(rec *BorrowingRecord, now time.Time) (time.Time, error) {
	if rec == nil {
		return time.Time{}, errLoanNotFound
	}
	if rec.Status == StatusReturned {
		return time.Time{}, errAlreadyReturned
	}

	returnedAt := now.UTC()
	if returnedAt.Before(rec.BorrowDate) {
		returnedAt = rec.BorrowDate
	}
	return returnedAt, nil
}

// DecideReserve admits a reservation only for resources with no available
// copies, at most one open reservation per patron and resource.
func DecideReserve(inv *Inventory, alreadyReserved bool, patronID int64, now time.Time) (ReservationRecord, error) {
	if inv == nil {
		return ReservationRecord{}, errResourceNotFound
	}
	if inv.AvailableCopies > 0 {
		return ReservationRecord{}, errResourceAvailable
	}
	if alreadyReserved {
		return ReservationRecord{}, errAlreadyReserved
	}

	return ReservationRecord{
		PatronID:        patronID,
		ResourceID:      inv.ResourceID,
		ReservationDate: Today(now),
		Status:          ReservationReserved,
	}, nil
}

// DecideResolve moves an open reservation to Fulfilled or Cancelled.
func DecideResolve(rec *ReservationRecord, to ReservationStatus) error {
	if to != ReservationFulfilled && to != ReservationCancelled {
		return NewError(KindInvalidTransition, "Reservation status must be Fulfilled or Cancelled.")
	}
	if rec == nil {
		return errReservationMissing
	}
	if rec.Status != ReservationReserved {
		return NewError(KindInvalidTransition, fmt.Sprintf("Reservation is already %s.", rec.Status))
	}
	return nil
}

// CheckCopyCounts enforces 0 <= available <= total.
func CheckCopyCounts(total, available int) error {
	if total < 0 || available < 0 {
		return errNegativeCopies
	}
	if available > total {
		return errTooManyAvailable
	}
	return nil
}
