// internal/storage/reports.go
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/report"
)

// InventoryReport implements report.Repository.
func (s *Store) InventoryReport(ctx context.Context) ([]report.InventoryLine, error) {
	ds := s.goqu.From(goqu.T("resources").As("r")).
		LeftJoin(goqu.T("borrowings").As("b"), goqu.On(
			goqu.I("b.resource_id").Eq(goqu.I("r.resource_id")),
			goqu.I("b.status").In(activeStatuses...),
		)).
		Select(
			goqu.I("r.resource_id").As("resource_id"),
			goqu.I("r.title").As("title"),
			goqu.I("r.resource_type").As("resource_type"),
			goqu.I("r.total_copies").As("total_copies"),
			goqu.I("r.available_copies").As("available_copies"),
			goqu.COUNT(goqu.I("b.borrowing_id")).As("on_loan"),
		).
		Where(goqu.I("r.status").Eq(statusActive)).
		GroupBy(
			goqu.I("r.resource_id"),
			goqu.I("r.title"),
			goqu.I("r.resource_type"),
			goqu.I("r.total_copies"),
			goqu.I("r.available_copies"),
		).
		Order(goqu.I("r.title").Asc(), goqu.I("r.resource_id").Asc())

	var lines []report.InventoryLine
	if err := s.selectAll(ctx, &lines, ds); err != nil {
		return nil, fmt.Errorf("inventory report: %w", err)
	}
	return lines, nil
}

func (s *Store) overdueDataset(today time.Time, statuses ...interface{}) *goqu.SelectDataset {
	return s.goqu.From(goqu.T("borrowings").As("b")).
		Join(goqu.T("resources").As("r"), goqu.On(goqu.I("b.resource_id").Eq(goqu.I("r.resource_id")))).
		Select(
			goqu.I("b.borrowing_id").As("borrowing_id"),
			goqu.I("b.user_id").As("user_id"),
			goqu.I("b.resource_id").As("resource_id"),
			goqu.I("r.title").As("title"),
			goqu.I("b.borrow_date").As("borrow_date"),
			goqu.I("b.due_date").As("due_date"),
			goqu.I("b.status").As("status"),
			goqu.I("b.renewals").As("renewals"),
		).
		Where(
			goqu.I("b.status").In(statuses...),
			goqu.I("b.due_date").Lt(today.UTC()),
		).
		Order(goqu.I("b.due_date").Asc(), goqu.I("b.borrowing_id").Asc())
}

func normalizeOverdue(loans []report.OverdueLoan) {
	for i := range loans {
		loans[i].BorrowDate = loans[i].BorrowDate.UTC()
		loans[i].DueDate = loans[i].DueDate.UTC()
	}
}

// OverdueLoans implements report.Repository.
func (s *Store) OverdueLoans(ctx context.Context, today time.Time) ([]report.OverdueLoan, error) {
	var loans []report.OverdueLoan
	if err := s.selectAll(ctx, &loans, s.overdueDataset(today, activeStatuses...)); err != nil {
		return nil, fmt.Errorf("overdue loans: %w", err)
	}
	normalizeOverdue(loans)
	return loans, nil
}

func (s *Store) statusCounts(ctx context.Context, table string) ([]report.StatusCount, error) {
	ds := s.goqu.From(table).
		Select(goqu.C("status"), goqu.COUNT(goqu.Star()).As("count")).
		GroupBy(goqu.C("status")).
		Order(goqu.C("status").Asc())

	var counts []report.StatusCount
	if err := s.selectAll(ctx, &counts, ds); err != nil {
		return nil, fmt.Errorf("%s counts: %w", table, err)
	}
	return counts, nil
}

// BorrowingCounts implements report.Repository.
func (s *Store) BorrowingCounts(ctx context.Context) ([]report.StatusCount, error) {
	return s.statusCounts(ctx, "borrowings")
}

// ReservationCounts implements report.Repository.
func (s *Store) ReservationCounts(ctx context.Context) ([]report.StatusCount, error) {
	return s.statusCounts(ctx, "reservations")
}

// MarkOverdue implements report.Repository. Each flip is guarded on the
// Borrowed status, so a loan returned or renewed concurrently is skipped.
func (s *Store) MarkOverdue(ctx context.Context, today time.Time) ([]report.OverdueLoan, error) {
	query, args, err := s.overdueDataset(today, string(circulation.StatusBorrowed)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var marked []report.OverdueLoan
	err = s.withTx(ctx, "storage.mark_overdue", func(ctx context.Context, tx *sqlx.Tx) error {
		var candidates []report.OverdueLoan
		if err := tx.SelectContext(ctx, &candidates, query, args...); err != nil {
			return classify(err)
		}
		normalizeOverdue(candidates)

		now := s.now().UTC()
		events := make([]circulation.Event, 0, len(candidates))
		for _, loan := range candidates {
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE borrowings SET status = ?
				WHERE borrowing_id = ? AND status = ?
			`), string(circulation.StatusOverdue), loan.BorrowingID, string(circulation.StatusBorrowed))
			if err != nil {
				return classify(err)
			}
			flipped, err := affectedOne(res)
			if err != nil {
				return err
			}
			if !flipped {
				continue
			}

			loan.Status = string(circulation.StatusOverdue)
			event := circulation.OverdueEvent(circulation.BorrowingRecord{
				ID:         loan.BorrowingID,
				PatronID:   loan.UserID,
				ResourceID: loan.ResourceID,
				BorrowDate: loan.BorrowDate,
				DueDate:    loan.DueDate,
				Status:     circulation.StatusOverdue,
				Renewals:   loan.Renewals,
			}, loan.Title, now)
			events = append(events, event)
			marked = append(marked, loan)
		}
		return appendLedgerEvents(ctx, s.events, tx, events...)
	})
	if err != nil {
		return nil, fmt.Errorf("mark overdue: %w", err)
	}
	return marked, nil
}
