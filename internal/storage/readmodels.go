// internal/storage/readmodels.go
package storage

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"cuhkszlibrary/internal/circulation"
)

var activeStatuses = []interface{}{
	string(circulation.StatusBorrowed),
	string(circulation.StatusOverdue),
}

// selectAll runs a goqu dataset and scans every row into dest.
func (s *Store) selectAll(ctx context.Context, dest interface{}, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := s.db.SelectContext(ctx, dest, query, args...); err != nil {
		return classify(err)
	}
	return nil
}

// ActiveBorrowings lists the patron's loans that still hold a copy.
func (s *Store) ActiveBorrowings(ctx context.Context, patronID int64) ([]circulation.BorrowedItem, error) {
	ds := s.goqu.From(goqu.T("borrowings").As("b")).
		Join(goqu.T("resources").As("r"), goqu.On(goqu.I("b.resource_id").Eq(goqu.I("r.resource_id")))).
		Select(
			goqu.I("b.borrowing_id").As("borrowing_id"),
			goqu.I("b.resource_id").As("resource_id"),
			goqu.I("r.title").As("title"),
			goqu.I("r.author").As("author"),
			goqu.I("r.isbn").As("isbn"),
			goqu.I("r.resource_type").As("resource_type"),
			goqu.I("b.borrow_date").As("borrow_date"),
			goqu.I("b.due_date").As("due_date"),
			goqu.I("b.status").As("status"),
			goqu.I("b.renewals").As("renewals"),
		).
		Where(
			goqu.I("b.user_id").Eq(patronID),
			goqu.I("b.status").In(activeStatuses...),
		).
		Order(goqu.I("b.due_date").Asc(), goqu.I("b.borrowing_id").Asc())

	var items []circulation.BorrowedItem
	if err := s.selectAll(ctx, &items, ds); err != nil {
		return nil, fmt.Errorf("active borrowings of %d: %w", patronID, err)
	}
	for i := range items {
		items[i].BorrowDate = items[i].BorrowDate.UTC()
		items[i].DueDate = items[i].DueDate.UTC()
	}
	return items, nil
}

// History lists every loan of the patron, newest first.
func (s *Store) History(ctx context.Context, patronID int64) ([]circulation.HistoryEntry, error) {
	ds := s.goqu.From(goqu.T("borrowings").As("b")).
		Join(goqu.T("resources").As("r"), goqu.On(goqu.I("b.resource_id").Eq(goqu.I("r.resource_id")))).
		Select(
			goqu.I("b.borrowing_id").As("borrowing_id"),
			goqu.I("r.title").As("title"),
			goqu.I("b.borrow_date").As("borrow_date"),
			goqu.I("b.due_date").As("due_date"),
			goqu.I("b.return_date").As("return_date"),
			goqu.I("b.status").As("status"),
		).
		Where(goqu.I("b.user_id").Eq(patronID)).
		Order(goqu.I("b.borrow_date").Desc(), goqu.I("b.borrowing_id").Desc())

	var entries []circulation.HistoryEntry
	if err := s.selectAll(ctx, &entries, ds); err != nil {
		return nil, fmt.Errorf("history of %d: %w", patronID, err)
	}
	for i := range entries {
		entries[i].BorrowDate = entries[i].BorrowDate.UTC()
		entries[i].DueDate = entries[i].DueDate.UTC()
		if entries[i].ReturnDate != nil {
			t := entries[i].ReturnDate.UTC()
			entries[i].ReturnDate = &t
		}
	}
	return entries, nil
}

// Reservations lists the patron's reservations, newest first.
func (s *Store) Reservations(ctx context.Context, patronID int64) ([]circulation.ReservationView, error) {
	ds := s.goqu.From(goqu.T("reservations").As("v")).
		Join(goqu.T("resources").As("r"), goqu.On(goqu.I("v.resource_id").Eq(goqu.I("r.resource_id")))).
		Select(
			goqu.I("v.reservation_id").As("reservation_id"),
			goqu.I("v.resource_id").As("resource_id"),
			goqu.I("r.title").As("title"),
			goqu.I("v.reservation_date").As("reservation_date"),
			goqu.I("v.status").As("status"),
		).
		Where(goqu.I("v.user_id").Eq(patronID)).
		Order(goqu.I("v.reservation_id").Desc())

	var views []circulation.ReservationView
	if err := s.selectAll(ctx, &views, ds); err != nil {
		return nil, fmt.Errorf("reservations of %d: %w", patronID, err)
	}
	return views, nil
}
