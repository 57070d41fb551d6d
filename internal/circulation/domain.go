// internal/circulation/domain.go
package circulation

import (
	"time"
)

const (
	// MaxRenewals caps how many times a single loan may be extended.
	MaxRenewals = 2
	// LoanPeriodDays is the length of a new loan and of each renewal.
	LoanPeriodDays = 14
)

// Status is the lifecycle state of a borrowing record.
type Status string

const (
	StatusBorrowed Status = "Borrowed"
	StatusOverdue  Status = "Overdue"
	StatusReturned Status = "Returned"
)

// Active reports whether a loan in this state still holds a copy.
func (s Status) Active() bool {
	return s == StatusBorrowed || s == StatusOverdue
}

// BorrowingRecord is one loan in the ledger. Records are never deleted.
type BorrowingRecord struct {
	ID         int64      `json:"borrowing_id"`
	PatronID   int64      `json:"user_id"`
	ResourceID int64      `json:"resource_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	Status     Status     `json:"status"`
	Renewals   int        `json:"renewals"`
}

// Inventory is the copy-count projection of a resource held by the catalog.
type Inventory struct {
	ResourceID      int64
	Title           string
	TotalCopies     int
	AvailableCopies int
}

// ResourceDetails are the descriptive fields of a resource, everything except
// the copy counts.
type ResourceDetails struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	ISBN         string `json:"isbn"`
	ResourceType string `json:"resource_type"`
	Location     string `json:"location"`
}

// ReservationStatus is the state of a queued claim on a resource.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "Reserved"
	ReservationFulfilled ReservationStatus = "Fulfilled"
	ReservationCancelled ReservationStatus = "Cancelled"
)

// ReservationRecord is a patron's claim on a resource with no available copies.
type ReservationRecord struct {
	ID              int64             `json:"reservation_id"`
	PatronID        int64             `json:"user_id"`
	ResourceID      int64             `json:"resource_id"`
	ReservationDate time.Time         `json:"reservation_date"`
	Status          ReservationStatus `json:"status"`
}

// BorrowedItem is a row of the patron's current-loans view.
type BorrowedItem struct {
	BorrowingID  int64     `db:"borrowing_id"`
	ResourceID   int64     `db:"resource_id"`
	Title        string    `db:"title"`
	Author       string    `db:"author"`
	ISBN         string    `db:"isbn"`
	ResourceType string    `db:"resource_type"`
	BorrowDate   time.Time `db:"borrow_date"`
	DueDate      time.Time `db:"due_date"`
	Status       Status    `db:"status"`
	Renewals     int       `db:"renewals"`
}

// HistoryEntry is a row of the patron's borrowing history.
type HistoryEntry struct {
	BorrowingID int64      `db:"borrowing_id"`
	Title       string     `db:"title"`
	BorrowDate  time.Time  `db:"borrow_date"`
	DueDate     time.Time  `db:"due_date"`
	ReturnDate  *time.Time `db:"return_date"`
	Status      Status     `db:"status"`
}

// ReservationView is a reservation joined with the reserved title.
type ReservationView struct {
	ReservationID   int64             `db:"reservation_id"`
	ResourceID      int64             `db:"resource_id"`
	Title           string            `db:"title"`
	ReservationDate time.Time         `db:"reservation_date"`
	Status          ReservationStatus `db:"status"`
}

// Ledger event types appended alongside every committed state change.
const (
	EventLoanOpened          = "LoanOpened"
	EventLoanRenewed         = "LoanRenewed"
	EventLoanClosed          = "LoanClosed"
	EventLoanMarkedOverdue   = "LoanMarkedOverdue"
	EventReservationPlaced   = "ReservationPlaced"
	EventReservationResolved = "ReservationResolved"
	EventCopiesAdjusted      = "CopiesAdjusted"
	EventResourceEdited      = "ResourceEdited"
)

// Aggregate types used for ledger events.
const (
	AggregateBorrowing   = "borrowing"
	AggregateReservation = "reservation"
	AggregateResource    = "resource"
)

// Event describes a committed change to the ledger or the inventory.
// It is the payload consumed by notification and reporting.
type Event struct {
	Type            string    `json:"type"`
	AggregateType   string    `json:"aggregate_type"`
	AggregateID     int64     `json:"aggregate_id"`
	PatronID        int64     `json:"patron_id,omitempty"`
	ResourceID      int64     `json:"resource_id"`
	Title           string    `json:"title,omitempty"`
	DueDate         time.Time `json:"due_date,omitempty"`
	Renewals        int       `json:"renewals,omitempty"`
	Status          string    `json:"status,omitempty"`
	AvailableCopies int       `json:"available_copies,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func loanEvent(eventType string, rec BorrowingRecord, title string, at time.Time) Event {
	return Event{
		Type:          eventType,
		AggregateType: AggregateBorrowing,
		AggregateID:   rec.ID,
		PatronID:      rec.PatronID,
		ResourceID:    rec.ResourceID,
		Title:         title,
		DueDate:       rec.DueDate,
		Renewals:      rec.Renewals,
		Status:        string(rec.Status),
		OccurredAt:    at,
	}
}

// OverdueEvent builds the ledger event for a loan flagged as overdue by a sweep.
func OverdueEvent(rec BorrowingRecord, title string, at time.Time) Event {
	return loanEvent(EventLoanMarkedOverdue, rec, title, at)
}
