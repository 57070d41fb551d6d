// internal/storage/storage_test.go
package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *Store
	engine  circulation.Service
	catalog catalog.Service
	clock   *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store, err := Open(ctx, DriverSQLite, SQLiteDSN(filepath.Join(t.TempDir(), "library.db")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	clock := &testClock{now: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
	store.now = clock.Now

	engine, err := circulation.NewService(store, store, logger, circulation.WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{
		store:   store,
		engine:  engine,
		catalog: catalog.NewService(store, engine, logger),
		clock:   clock,
	}
}

func (f *fixture) addResource(t *testing.T, title string, copies int) *catalog.Resource {
	t.Helper()
	r, err := f.catalog.AddResource(context.Background(), catalog.ResourceInput{
		Details: catalog.Details{
			Title:        title,
			Author:       "Test Author",
			ResourceType: "Book",
			Location:     "Shelf A",
		},
		TotalCopies:     &copies,
		AvailableCopies: &copies,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) available(t *testing.T, resourceID int64) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.db.Get(&n, f.store.db.Rebind(
		`SELECT available_copies FROM resources WHERE resource_id = ?`), resourceID))
	return n
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBorrowRenewReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Distributed Systems", 2)

	loan, err := f.engine.Borrow(ctx, 7, book.ID)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 3, 24), loan.DueDate)
	assert.Equal(t, circulation.StatusBorrowed, loan.Status)
	assert.Equal(t, 1, f.available(t, book.ID))

	renewed, err := f.engine.Renew(ctx, 7, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 4, 7), renewed.DueDate)
	assert.Equal(t, 1, renewed.Renewals)

	renewed, err = f.engine.Renew(ctx, 7, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 4, 21), renewed.DueDate)
	assert.Equal(t, 2, renewed.Renewals)

	_, err = f.engine.Renew(ctx, 7, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrRenewalLimitExceeded)
	assert.Equal(t, 1, f.available(t, book.ID), "renewal must not touch inventory")

	f.clock.Advance(3 * 24 * time.Hour)
	returned, err := f.engine.Return(ctx, 7, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, 2, f.available(t, book.ID))

	_, err = f.engine.Return(ctx, 7, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
	assert.Equal(t, 2, f.available(t, book.ID), "a second return must not release another copy")

	history, err := f.engine.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Distributed Systems", history[0].Title)
	assert.Equal(t, circulation.StatusReturned, history[0].Status)
	require.NotNil(t, history[0].ReturnDate)

	active, err := f.engine.ActiveBorrowings(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBorrowRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Only Copy", 1)

	_, err := f.engine.Borrow(ctx, 1, 9999)
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	_, err = f.engine.Borrow(ctx, 1, book.ID)
	require.NoError(t, err)

	_, err = f.engine.Borrow(ctx, 2, book.ID)
	assert.ErrorIs(t, err, circulation.ErrUnavailable)
	assert.Equal(t, 0, f.available(t, book.ID))

	events, err := f.store.Events().LoadEvents(ctx, circulation.AggregateBorrowing, 2)
	require.NoError(t, err)
	assert.Empty(t, events, "a rejected borrow must not append an event")
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Last Copy", 1)

	const patrons = 20
	var successes, unavailable, other atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < patrons; i++ {
		wg.Add(1)
		go func(patronID int64) {
			defer wg.Done()
			<-start
			_, err := f.engine.Borrow(ctx, patronID, book.ID)
			switch {
			case err == nil:
				successes.Add(1)
			case circulation.KindOf(err) == circulation.KindUnavailable:
				unavailable.Add(1)
			default:
				other.Add(1)
			}
		}(int64(100 + i))
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), successes.Load())
	assert.Equal(t, int64(patrons-1), unavailable.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, 0, f.available(t, book.ID))

	loans, err := f.store.ActiveLoans(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), loans)
}

func TestRenewRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Late Book", 1)

	loan, err := f.engine.Borrow(ctx, 3, book.ID)
	require.NoError(t, err)

	_, err = f.engine.Renew(ctx, 4, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound, "another patron's loan is not found")

	_, err = f.engine.Renew(ctx, 3, 424242)
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	// One day past the due date.
	f.clock.Advance(15 * 24 * time.Hour)
	_, err = f.engine.Renew(ctx, 3, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrOverdue)

	_, err = f.engine.Return(ctx, 3, loan.ID)
	require.NoError(t, err)
	_, err = f.engine.Renew(ctx, 3, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound, "a returned loan cannot be renewed")
}

func TestReturnOwnershipAndCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Shared", 1)

	loan, err := f.engine.Borrow(ctx, 5, book.ID)
	require.NoError(t, err)

	_, err = f.engine.Return(ctx, 6, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	assert.Equal(t, 0, f.available(t, book.ID))

	closed, err := f.engine.CheckIn(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, closed.Status)
	assert.Equal(t, 1, f.available(t, book.ID))

	_, err = f.engine.CheckIn(ctx, loan.ID)
	assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
}

func TestReturnAfterCopiesLowered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Shrinking", 2)

	loan, err := f.engine.Borrow(ctx, 8, book.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.UpdateCopies(ctx, book.ID, 1, 1))

	_, err = f.engine.Return(ctx, 8, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.available(t, book.ID), "available copies never exceed total")
}

func TestReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Popular", 1)

	_, err := f.engine.Reserve(ctx, 2, book.ID)
	assert.ErrorIs(t, err, circulation.ErrResourceAvailable)

	loan, err := f.engine.Borrow(ctx, 1, book.ID)
	require.NoError(t, err)

	reservation, err := f.engine.Reserve(ctx, 2, book.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationReserved, reservation.Status)
	assert.Equal(t, day(2025, 3, 10), reservation.ReservationDate)

	_, err = f.engine.Reserve(ctx, 2, book.ID)
	assert.ErrorIs(t, err, circulation.ErrDuplicateReservation)

	_, err = f.engine.Reserve(ctx, 2, 9999)
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	views, err := f.engine.Reservations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Popular", views[0].Title)

	_, err = f.engine.Return(ctx, 1, loan.ID)
	require.NoError(t, err)

	resolved, err := f.engine.ResolveReservation(ctx, reservation.ID, circulation.ReservationFulfilled)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, resolved.Status)

	_, err = f.engine.ResolveReservation(ctx, reservation.ID, circulation.ReservationCancelled)
	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)

	_, err = f.engine.ResolveReservation(ctx, reservation.ID, circulation.ReservationReserved)
	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)

	_, err = f.engine.ResolveReservation(ctx, 777, circulation.ReservationCancelled)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func TestUpdateCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Counted", 3)

	err := f.engine.UpdateCopies(ctx, book.ID, 2, 5)
	assert.ErrorIs(t, err, circulation.ErrInvalidCopyCount)
	err = f.engine.UpdateCopies(ctx, book.ID, -1, 0)
	assert.ErrorIs(t, err, circulation.ErrInvalidCopyCount)

	got, err := f.catalog.GetResource(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalCopies)
	assert.Equal(t, 3, got.AvailableCopies)

	require.NoError(t, f.engine.UpdateCopies(ctx, book.ID, 5, 4))
	got, err = f.catalog.GetResource(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.TotalCopies)
	assert.Equal(t, 4, got.AvailableCopies)

	err = f.engine.UpdateCopies(ctx, 31337, 1, 1)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func TestLedgerEventsFollowChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Audited", 1)

	loan, err := f.engine.Borrow(ctx, 9, book.ID)
	require.NoError(t, err)
	_, err = f.engine.Renew(ctx, 9, loan.ID)
	require.NoError(t, err)
	_, err = f.engine.Return(ctx, 9, loan.ID)
	require.NoError(t, err)

	events, err := f.store.Events().LoadEvents(ctx, circulation.AggregateBorrowing, loan.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, circulation.EventLoanOpened, events[0].EventType)
	assert.Equal(t, circulation.EventLoanRenewed, events[1].EventType)
	assert.Equal(t, circulation.EventLoanClosed, events[2].EventType)

	var closed circulation.Event
	require.NoError(t, events[2].Decode(&closed))
	assert.Equal(t, int64(9), closed.PatronID)
	assert.Equal(t, "Audited", closed.Title)
	assert.Equal(t, 1, closed.AvailableCopies)
}
