// internal/storage/notifications_test.go
package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/notification"
)

func TestProjectorDeliversLedgerEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	projector := notification.NewProjector(f.store.Events(), f.store, logger, time.Second)
	inbox := notification.NewService(f.store, logger)

	book := f.addResource(t, "Dune", 1)
	loan, err := f.engine.Borrow(ctx, 1, book.ID)
	require.NoError(t, err)
	_, err = f.engine.Reserve(ctx, 2, book.ID)
	require.NoError(t, err)

	delivered, err := projector.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	messages, err := inbox.Inbox(ctx, 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Message, `You borrowed "Dune"`)
	assert.False(t, messages[0].IsRead)

	delivered, err = projector.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered, "checkpoint prevents redelivery")

	_, err = f.engine.Return(ctx, 1, loan.ID)
	require.NoError(t, err)
	delivered, err = projector.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered, "returner and waiting reserver are both told")

	messages, err = inbox.Inbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Message, "now available")

	position, err := f.store.Checkpoint(ctx, notification.ProjectionName)
	require.NoError(t, err)
	assert.Positive(t, position)
}

func TestNotificationSendAndMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := notification.NewService(f.store, zaptest.NewLogger(t))

	_, err := inbox.Send(ctx, 0, "hello")
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)
	_, err = inbox.Send(ctx, 4, "   ")
	assert.ErrorIs(t, err, circulation.ErrInvalidInput)

	id, err := inbox.Send(ctx, 4, "Library closes early on Friday.")
	require.NoError(t, err)

	err = inbox.MarkRead(ctx, 5, id)
	assert.ErrorIs(t, err, circulation.ErrNotFound, "another user's message")

	require.NoError(t, inbox.MarkRead(ctx, 4, id))
	messages, err := inbox.Inbox(ctx, 4)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsRead)
}
