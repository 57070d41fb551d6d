// internal/storage/catalog_test.go
package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
)

func intPtr(n int) *int { return &n }

func TestCatalogAddAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.catalog.AddResource(ctx, catalog.ResourceInput{
		Details: catalog.Details{
			Title:        "  The Go Programming Language ",
			Author:       "Donovan",
			ISBN:         "978-0134190440",
			ResourceType: "Book",
			Location:     "QA76",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "The Go Programming Language", added.Title)
	assert.Equal(t, 1, added.TotalCopies)
	assert.Equal(t, 1, added.AvailableCopies)

	f.addResource(t, "Rust in Action", 2)

	found, err := f.catalog.Search(ctx, "go programming")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, added.ID, found[0].ID)

	found, err = f.catalog.Search(ctx, "0134190440")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = f.catalog.Search(ctx, "   ")
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)

	all, err := f.catalog.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	events, err := f.store.Events().LoadEvents(ctx, circulation.AggregateResource, added.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, catalog.EventResourceAdded, events[0].EventType)
}

func TestCatalogValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.catalog.AddResource(ctx, catalog.ResourceInput{
		Details: catalog.Details{Title: "No author", ResourceType: "Book", Location: "A"},
	})
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)

	_, err = f.catalog.AddResource(ctx, catalog.ResourceInput{
		Details:         catalog.Details{Title: "T", Author: "A", ResourceType: "Book", Location: "A"},
		TotalCopies:     intPtr(1),
		AvailableCopies: intPtr(2),
	})
	assert.ErrorIs(t, err, circulation.ErrInvalidCopyCount)

	isbn := catalog.Details{Title: "T", Author: "A", ISBN: "111", ResourceType: "Book", Location: "A"}
	_, err = f.catalog.AddResource(ctx, catalog.ResourceInput{Details: isbn})
	require.NoError(t, err)
	_, err = f.catalog.AddResource(ctx, catalog.ResourceInput{Details: isbn})
	assert.ErrorIs(t, err, circulation.ErrInvalidInput, "duplicate ISBN")
}

func TestCatalogEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Old Title", 2)

	details := catalog.Details{Title: "New Title", Author: "Someone", ResourceType: "Book", Location: "B2"}

	_, err := f.catalog.EditResource(ctx, book.ID, catalog.ResourceInput{
		Details:         details,
		TotalCopies:     intPtr(1),
		AvailableCopies: intPtr(3),
	})
	assert.ErrorIs(t, err, circulation.ErrInvalidCopyCount)

	unchanged, err := f.catalog.GetResource(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Old Title", unchanged.Title)
	assert.Equal(t, 2, unchanged.TotalCopies)

	_, err = f.catalog.EditResource(ctx, book.ID, catalog.ResourceInput{Details: details})
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)

	edited, err := f.catalog.EditResource(ctx, book.ID, catalog.ResourceInput{
		Details:         details,
		TotalCopies:     intPtr(4),
		AvailableCopies: intPtr(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "New Title", edited.Title)
	assert.Equal(t, "B2", edited.Location)
	assert.Equal(t, 4, edited.TotalCopies)
	assert.Equal(t, 3, edited.AvailableCopies)

	_, err = f.catalog.EditResource(ctx, 5555, catalog.ResourceInput{
		Details:         details,
		TotalCopies:     intPtr(1),
		AvailableCopies: intPtr(1),
	})
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func TestCatalogEditRejectedLeavesResourceUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.catalog.AddResource(ctx, catalog.ResourceInput{
		Details:     catalog.Details{Title: "First", Author: "A", ISBN: "111", ResourceType: "Book", Location: "A1"},
		TotalCopies: intPtr(3),
	})
	require.NoError(t, err)
	_, err = f.catalog.AddResource(ctx, catalog.ResourceInput{
		Details:     catalog.Details{Title: "Second", Author: "B", ISBN: "222", ResourceType: "Book", Location: "A2"},
		TotalCopies: intPtr(3),
	})
	require.NoError(t, err)

	before, err := f.store.Events().LoadEvents(ctx, circulation.AggregateResource, first.ID)
	require.NoError(t, err)

	_, err = f.catalog.EditResource(ctx, first.ID, catalog.ResourceInput{
		Details:         catalog.Details{Title: "First", Author: "A", ISBN: "222", ResourceType: "Book", Location: "A1"},
		TotalCopies:     intPtr(2),
		AvailableCopies: intPtr(2),
	})
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)
	assert.Equal(t, "A resource with this ISBN already exists.", err.Error())

	unchanged, err := f.catalog.GetResource(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "111", unchanged.ISBN)
	assert.Equal(t, 3, unchanged.TotalCopies)
	assert.Equal(t, 3, unchanged.AvailableCopies)

	after, err := f.store.Events().LoadEvents(ctx, circulation.AggregateResource, first.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no CopiesAdjusted event for a rejected edit")

	_, err = f.catalog.EditResource(ctx, first.ID, catalog.ResourceInput{
		Details:         catalog.Details{Title: "First, 2nd ed.", Author: "A", ISBN: "333", ResourceType: "Book", Location: "A1"},
		TotalCopies:     intPtr(2),
		AvailableCopies: intPtr(2),
	})
	require.NoError(t, err)
	after, err = f.store.Events().LoadEvents(ctx, circulation.AggregateResource, first.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before)+2)
	assert.Equal(t, catalog.EventResourceEdited, after[len(after)-2].EventType)
	assert.Equal(t, circulation.EventCopiesAdjusted, after[len(after)-1].EventType)
}

func TestCatalogRetire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addResource(t, "Retiring", 1)

	loan, err := f.engine.Borrow(ctx, 1, book.ID)
	require.NoError(t, err)
	reservation, err := f.engine.Reserve(ctx, 2, book.ID)
	require.NoError(t, err)

	err = f.catalog.RetireResource(ctx, book.ID)
	assert.ErrorIs(t, err, circulation.ErrInvalidInput, "active loans block retirement")

	_, err = f.engine.Return(ctx, 1, loan.ID)
	require.NoError(t, err)
	require.NoError(t, f.catalog.RetireResource(ctx, book.ID))

	_, err = f.catalog.GetResource(ctx, book.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	_, err = f.engine.Borrow(ctx, 3, book.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound, "retired resources cannot be borrowed")

	views, err := f.engine.Reservations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, reservation.ID, views[0].ReservationID)
	assert.Equal(t, circulation.ReservationCancelled, views[0].Status)

	err = f.catalog.RetireResource(ctx, book.ID)
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}
