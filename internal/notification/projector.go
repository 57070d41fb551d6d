// internal/notification/projector.go
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/eventstore"
)

// ProjectionName is the checkpoint name of the notification projector.
const ProjectionName = "notifications"

const defaultBatchSize = 100

// EventStream is the ledger event log read by the projector.
type EventStream interface {
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error)
}

// Sink stores projected messages together with the projector checkpoint.
type Sink interface {
	Checkpoint(ctx context.Context, projection string) (int64, error)
	// Deliver writes drafts and moves the checkpoint to position atomically.
	Deliver(ctx context.Context, projection string, drafts []Draft, position int64) error
	ReservedPatrons(ctx context.Context, resourceID int64) ([]int64, error)
}

// Projector turns ledger events into inbox messages.
type Projector struct {
	stream    EventStream
	sink      Sink
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewProjector creates a projector that polls every interval.
func NewProjector(stream EventStream, sink Sink, logger *zap.Logger, interval time.Duration) *Projector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Projector{
		stream:    stream,
		sink:      sink,
		logger:    logger.Named("projector"),
		interval:  interval,
		batchSize: defaultBatchSize,
	}
}

// Run catches up on every tick until ctx is cancelled.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.Info("notification projector started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, err := p.CatchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			p.logger.Error("projection failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("notifications projected", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("notification projector stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// CatchUp projects every event after the stored checkpoint and returns the
// number of messages delivered.
func (p *Projector) CatchUp(ctx context.Context) (int, error) {
	position, err := p.sink.Checkpoint(ctx, ProjectionName)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	delivered := 0
	for {
		events, err := p.stream.StreamEvents(ctx, position, p.batchSize)
		if err != nil {
			return delivered, fmt.Errorf("stream events after %d: %w", position, err)
		}
		if len(events) == 0 {
			return delivered, nil
		}

		var drafts []Draft
		for _, event := range events {
			ds, err := p.render(ctx, event)
			if err != nil {
				return delivered, err
			}
			drafts = append(drafts, ds...)
		}

		last := events[len(events)-1].ID
		if err := p.sink.Deliver(ctx, ProjectionName, drafts, last); err != nil {
			return delivered, fmt.Errorf("deliver up to %d: %w", last, err)
		}
		delivered += len(drafts)
		position = last

		if len(events) < p.batchSize {
			return delivered, nil
		}
	}
}

func (p *Projector) render(ctx context.Context, event eventstore.Event) ([]Draft, error) {
	var e circulation.Event
	if err := event.Decode(&e); err != nil {
		p.logger.Warn("skipping undecodable event", zap.Int64("event_id", event.ID), zap.Error(err))
		return nil, nil
	}

	var drafts []Draft
	if msg := Message(e); msg != "" && e.PatronID > 0 {
		drafts = append(drafts, Draft{UserID: e.PatronID, Message: msg, SourceEventID: event.ID})
	}

	if releasesCopy(e) {
		patrons, err := p.sink.ReservedPatrons(ctx, e.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("reserved patrons of %d: %w", e.ResourceID, err)
		}
		for _, patronID := range patrons {
			drafts = append(drafts, Draft{
				UserID:        patronID,
				Message:       fmt.Sprintf("A copy of %q you reserved is now available.", e.Title),
				SourceEventID: event.ID,
			})
		}
	}
	return drafts, nil
}

func releasesCopy(e circulation.Event) bool {
	switch e.Type {
	case circulation.EventLoanClosed, circulation.EventCopiesAdjusted:
		return e.AvailableCopies > 0
	}
	return false
}

// Message renders the inbox text for the patron named in e, or "" when the
// event is not patron-facing.
func Message(e circulation.Event) string {
	due := e.DueDate.UTC().Format("2006-01-02")
	switch e.Type {
	case circulation.EventLoanOpened:
		return fmt.Sprintf("You borrowed %q. It is due on %s.", e.Title, due)
	case circulation.EventLoanRenewed:
		return fmt.Sprintf("Your loan of %q was renewed (%d of %d). It is now due on %s.",
			e.Title, e.Renewals, circulation.MaxRenewals, due)
	case circulation.EventLoanClosed:
		return fmt.Sprintf("%q was returned. Thank you.", e.Title)
	case circulation.EventLoanMarkedOverdue:
		return fmt.Sprintf("%q was due on %s and is now overdue. Please return it.", e.Title, due)
	case circulation.EventReservationPlaced:
		return fmt.Sprintf("You reserved %q. We will let you know when a copy is available.", e.Title)
	case circulation.EventReservationResolved:
		return fmt.Sprintf("Your reservation for %q was %s.", e.Title, strings.ToLower(e.Status))
	}
	return ""
}
