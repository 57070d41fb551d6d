// internal/storage/probe.go
package storage

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"cuhkszlibrary/internal/circulation"
)

func (s *Store) count(ctx context.Context, ds *goqu.SelectDataset) (float64, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, classify(err)
	}
	return float64(n), nil
}

// InventoryViolations counts resources whose available copies fall outside
// [0, total].
func (s *Store) InventoryViolations(ctx context.Context) (float64, error) {
	return s.count(ctx, s.goqu.From("resources").
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Or(
			goqu.C("available_copies").Lt(0),
			goqu.C("available_copies").Gt(goqu.C("total_copies")),
		)))
}

// RenewalViolations counts loans renewed past the limit or due before they
// were borrowed.
func (s *Store) RenewalViolations(ctx context.Context) (float64, error) {
	return s.count(ctx, s.goqu.From("borrowings").
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Or(
			goqu.C("renewals").Gt(circulation.MaxRenewals),
			goqu.C("due_date").Lt(goqu.C("borrow_date")),
		)))
}

// OverBorrowedResources counts resources with more active loans than copies.
func (s *Store) OverBorrowedResources(ctx context.Context) (float64, error) {
	loans := s.goqu.From(goqu.T("borrowings").As("b")).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.I("b.resource_id").Eq(goqu.I("r.resource_id")),
			goqu.I("b.status").In(activeStatuses...),
		)
	return s.count(ctx, s.goqu.From(goqu.T("resources").As("r")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.I("r.total_copies").Lt(loans)))
}

// ActiveLoans counts loans that still hold a copy of resourceID.
func (s *Store) ActiveLoans(ctx context.Context, resourceID int64) (float64, error) {
	return s.count(ctx, s.goqu.From("borrowings").
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("resource_id").Eq(resourceID),
			goqu.C("status").In(activeStatuses...),
		))
}
