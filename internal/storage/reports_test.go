// internal/storage/reports_test.go
package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/report"
)

func TestOverdueSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reports := report.NewService(f.store, zaptest.NewLogger(t), f.clock.Now)

	late := f.addResource(t, "Late", 1)
	onTime := f.addResource(t, "On Time", 1)

	lateLoan, err := f.engine.Borrow(ctx, 1, late.ID)
	require.NoError(t, err)
	f.clock.Advance(10 * 24 * time.Hour)
	_, err = f.engine.Borrow(ctx, 2, onTime.ID)
	require.NoError(t, err)

	// The due day itself is not overdue.
	f.clock.Advance(4 * 24 * time.Hour)
	marked, err := reports.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, marked)

	f.clock.Advance(2 * 24 * time.Hour)
	marked, err = reports.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, lateLoan.ID, marked[0].BorrowingID)
	assert.Equal(t, string(circulation.StatusOverdue), marked[0].Status)
	assert.Equal(t, 2, marked[0].DaysOverdue)

	again, err := reports.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "a loan is flagged once")

	overdue, err := reports.Overdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "Late", overdue[0].Title)

	active, err := f.engine.ActiveBorrowings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, active, 1, "overdue loans are still active")
	assert.Equal(t, circulation.StatusOverdue, active[0].Status)

	_, err = f.engine.Renew(ctx, 1, lateLoan.ID)
	assert.ErrorIs(t, err, circulation.ErrOverdue)

	_, err = f.engine.Return(ctx, 1, lateLoan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.available(t, late.ID))

	events, err := f.store.Events().LoadEvents(ctx, circulation.AggregateBorrowing, lateLoan.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, circulation.EventLoanMarkedOverdue, events[1].EventType)
}

func TestInventoryReportAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reports := report.NewService(f.store, zaptest.NewLogger(t), f.clock.Now)

	a := f.addResource(t, "Alpha", 3)
	f.addResource(t, "Beta", 1)

	_, err := f.engine.Borrow(ctx, 1, a.ID)
	require.NoError(t, err)
	loan, err := f.engine.Borrow(ctx, 2, a.ID)
	require.NoError(t, err)
	_, err = f.engine.Return(ctx, 2, loan.ID)
	require.NoError(t, err)

	lines, err := reports.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, report.InventoryLine{
		ResourceID: a.ID, Title: "Alpha", ResourceType: "Book",
		TotalCopies: 3, AvailableCopies: 2, OnLoan: 1,
	}, lines[0])
	assert.Equal(t, 0, lines[1].OnLoan)

	summary, err := reports.Summary(ctx)
	require.NoError(t, err)
	assert.Len(t, summary.Inventory, 2)
	assert.Empty(t, summary.Overdue)
	assert.ElementsMatch(t, []report.StatusCount{
		{Status: "Borrowed", Count: 1},
		{Status: "Returned", Count: 1},
	}, summary.Borrowings)
	assert.Empty(t, summary.Reservations)
}

func TestProbeCountsNoViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Probed", 2)

	loan, err := f.engine.Borrow(ctx, 1, book.ID)
	require.NoError(t, err)
	_, err = f.engine.Renew(ctx, 1, loan.ID)
	require.NoError(t, err)

	for name, probe := range map[string]func(context.Context) (float64, error){
		"inventory":     f.store.InventoryViolations,
		"renewals":      f.store.RenewalViolations,
		"over-borrowed": f.store.OverBorrowedResources,
	} {
		n, err := probe(ctx)
		require.NoError(t, err, name)
		assert.Zero(t, n, name)
	}

	n, err := f.store.ActiveLoans(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), n)
}

type stubResult struct {
	rows int64
	err  error
}

func (r stubResult) LastInsertId() (int64, error) { return 0, nil }
func (r stubResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestAffectedOneSurfacesDriverErrors(t *testing.T) {
	ok, err := affectedOne(stubResult{rows: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = affectedOne(stubResult{rows: 0})
	require.NoError(t, err)
	assert.False(t, ok, "guard matched no row")

	driverErr := errors.New("driver: connection reset")
	_, err = affectedOne(stubResult{err: driverErr})
	assert.ErrorIs(t, err, driverErr, "a failed row count is an error, not a skipped row")
}
