// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	opBorrow       = "borrow"
	opRenew        = "renew"
	opReturn       = "return"
	opCheckIn      = "check_in"
	opReserve      = "reserve"
	opResolve      = "resolve_reservation"
	opUpdateCopy   = "update_copies"
	opEditResource = "edit_resource"
	outcomeOK      = "ok"
	instrumentURL  = "cuhkszlibrary/circulation"
)

// Option customizes a service.
type Option func(*service)

// WithClock replaces the wall clock. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithRetry tunes the conflict retry policy.
func WithRetry(options ...RetryOption) Option {
	return func(s *service) {
		s.retryOptions = append(s.retryOptions, options...)
	}
}

// service implements the Service interface.
type service struct {
	store        Store
	reads        ReadModel
	logger       *zap.Logger
	now          func() time.Time
	retryOptions []RetryOption
	retry        retryConfig
	tracer       trace.Tracer
	outcomes     metric.Int64Counter
	retries      metric.Int64Counter
}

// NewService creates a new circulation service instance.
func NewService(store Store, reads ReadModel, logger *zap.Logger, opts ...Option) (Service, error) {
	s := &service{
		store:  store,
		reads:  reads,
		logger: logger.Named("circulation"),
		now:    time.Now,
		tracer: otel.Tracer(instrumentURL),
	}
	for _, opt := range opts {
		opt(s)
	}

	retry, err := newRetryConfig(s.retryOptions...)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	s.retry = retry

	meter := otel.Meter(instrumentURL)
	if s.outcomes, err = meter.Int64Counter("circulation.operations",
		metric.WithDescription("Engine operations by outcome")); err != nil {
		s.outcomes, _ = noop.NewMeterProvider().Meter(instrumentURL).Int64Counter("circulation.operations")
	}
	if s.retries, err = meter.Int64Counter("circulation.conflict_retries",
		metric.WithDescription("Transactions retried after a concurrency conflict")); err != nil {
		s.retries, _ = noop.NewMeterProvider().Meter(instrumentURL).Int64Counter("circulation.conflict_retries")
	}

	return s, nil
}

// Borrow opens a loan and takes one copy in the same transaction.
func (s *service) Borrow(ctx context.Context, patronID, resourceID int64) (*BorrowingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow", trace.WithAttributes(
		attribute.Int64("patron.id", patronID),
		attribute.Int64("resource.id", resourceID),
	))
	defer span.End()

	var loan BorrowingRecord
	err := s.run(ctx, opBorrow, func(ctx context.Context, tx Tx) error {
		inv, err := tx.Inventory(ctx, resourceID)
		if err != nil {
			return err
		}

		now := s.now()
		loan, err = DecideBorrow(inv, patronID, now)
		if err != nil {
			return err
		}

		taken, err := tx.TakeCopy(ctx, resourceID)
		if err != nil {
			return err
		}
		if !taken {
			return ErrConflict
		}

		if loan.ID, err = tx.InsertBorrowing(ctx, loan); err != nil {
			return err
		}
		return tx.Append(ctx, loanEvent(EventLoanOpened, loan, inv.Title, now))
	})
	if err != nil {
		return nil, s.fail(span, opBorrow, err)
	}

	span.SetAttributes(attribute.Int64("borrowing.id", loan.ID))
	s.logger.Info("loan opened",
		zap.Int64("borrowing_id", loan.ID),
		zap.Int64("patron_id", patronID),
		zap.Int64("resource_id", resourceID),
		zap.Time("due_date", loan.DueDate),
	)
	return &loan, nil
}

// Renew extends the caller's active loan by one loan period.
func (s *service) Renew(ctx context.Context, patronID, borrowingID int64) (*BorrowingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew", trace.WithAttributes(
		attribute.Int64("patron.id", patronID),
		attribute.Int64("borrowing.id", borrowingID),
	))
	defer span.End()

	var loan BorrowingRecord
	err := s.run(ctx, opRenew, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Borrowing(ctx, borrowingID)
		if err != nil {
			return err
		}

		now := s.now()
		renewal, err := DecideRenew(rec, patronID, now)
		if err != nil {
			return err
		}

		extended, err := tx.ExtendBorrowing(ctx, rec.ID, rec.Renewals, renewal.DueDate)
		if err != nil {
			return err
		}
		if !extended {
			return ErrConflict
		}

		loan = *rec
		loan.DueDate = renewal.DueDate
		loan.Renewals = renewal.Renewals

		inv, err := tx.Inventory(ctx, loan.ResourceID)
		if err != nil {
			return err
		}
		return tx.Append(ctx, loanEvent(EventLoanRenewed, loan, titleOf(inv), now))
	})
	if err != nil {
		return nil, s.fail(span, opRenew, err)
	}

	s.logger.Info("loan renewed",
		zap.Int64("borrowing_id", loan.ID),
		zap.Int64("patron_id", patronID),
		zap.Int("renewals", loan.Renewals),
		zap.Time("due_date", loan.DueDate),
	)
	return &loan, nil
}

// Return closes a loan owned by patronID.
func (s *service) Return(ctx context.Context, patronID, borrowingID int64) (*BorrowingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return", trace.WithAttributes(
		attribute.Int64("patron.id", patronID),
		attribute.Int64("borrowing.id", borrowingID),
	))
	defer span.End()

	loan, err := s.closeLoan(ctx, opReturn, borrowingID, patronID)
	if err != nil {
		return nil, s.fail(span, opReturn, err)
	}
	return loan, nil
}

// CheckIn closes a loan regardless of who holds it.
func (s *service) CheckIn(ctx context.Context, borrowingID int64) (*BorrowingRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.check_in", trace.WithAttributes(
		attribute.Int64("borrowing.id", borrowingID),
	))
	defer span.End()

	loan, err := s.closeLoan(ctx, opCheckIn, borrowingID, 0)
	if err != nil {
		return nil, s.fail(span, opCheckIn, err)
	}
	return loan, nil
}

// closeLoan marks the loan returned and releases its copy. owner 0 skips the
// ownership check.
func (s *service) closeLoan(ctx context.Context, op string, borrowingID, owner int64) (*BorrowingRecord, error) {
	var loan BorrowingRecord
	err := s.run(ctx, op, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Borrowing(ctx, borrowingID)
		if err != nil {
			return err
		}
		if rec != nil && owner != 0 && rec.PatronID != owner {
			rec = nil
		}

		returnedAt, err := DecideReturn(rec, s.now())
		if err != nil {
			return err
		}

		closed, err := tx.CloseBorrowing(ctx, rec.ID, returnedAt)
		if err != nil {
			return err
		}
		if !closed {
			return ErrConflict
		}

		released, err := tx.ReleaseCopy(ctx, rec.ResourceID)
		if err != nil {
			return err
		}
		if !released {
			// Copies were lowered by a librarian while this loan was out.
			s.logger.Warn("available copies already at total; returned copy not counted",
				zap.Int64("borrowing_id", rec.ID),
				zap.Int64("resource_id", rec.ResourceID),
			)
		}

		loan = *rec
		loan.Status = StatusReturned
		loan.ReturnDate = &returnedAt

		inv, err := tx.Inventory(ctx, loan.ResourceID)
		if err != nil {
			return err
		}
		event := loanEvent(EventLoanClosed, loan, titleOf(inv), returnedAt)
		if inv != nil {
			event.AvailableCopies = inv.AvailableCopies
		}
		return tx.Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("loan closed",
		zap.String("op", op),
		zap.Int64("borrowing_id", loan.ID),
		zap.Int64("patron_id", loan.PatronID),
		zap.Int64("resource_id", loan.ResourceID),
	)
	return &loan, nil
}

// Reserve queues a claim on a resource with no available copies.
func (s *service) Reserve(ctx context.Context, patronID, resourceID int64) (*ReservationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve", trace.WithAttributes(
		attribute.Int64("patron.id", patronID),
		attribute.Int64("resource.id", resourceID),
	))
	defer span.End()

	var reservation ReservationRecord
	err := s.run(ctx, opReserve, func(ctx context.Context, tx Tx) error {
		inv, err := tx.Inventory(ctx, resourceID)
		if err != nil {
			return err
		}

		held := false
		if inv != nil {
			if held, err = tx.HasActiveReservation(ctx, patronID, resourceID); err != nil {
				return err
			}
		}

		now := s.now()
		reservation, err = DecideReserve(inv, held, patronID, now)
		if err != nil {
			return err
		}

		if reservation.ID, err = tx.InsertReservation(ctx, reservation); err != nil {
			return err
		}
		return tx.Append(ctx, Event{
			Type:          EventReservationPlaced,
			AggregateType: AggregateReservation,
			AggregateID:   reservation.ID,
			PatronID:      patronID,
			ResourceID:    resourceID,
			Title:         inv.Title,
			Status:        string(reservation.Status),
			OccurredAt:    now,
		})
	})
	if err != nil {
		return nil, s.fail(span, opReserve, err)
	}

	s.logger.Info("reservation placed",
		zap.Int64("reservation_id", reservation.ID),
		zap.Int64("patron_id", patronID),
		zap.Int64("resource_id", resourceID),
	)
	return &reservation, nil
}

// ResolveReservation closes an open reservation as Fulfilled or Cancelled.
func (s *service) ResolveReservation(ctx context.Context, reservationID int64, to ReservationStatus) (*ReservationRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.resolve_reservation", trace.WithAttributes(
		attribute.Int64("reservation.id", reservationID),
		attribute.String("reservation.status", string(to)),
	))
	defer span.End()

	var reservation ReservationRecord
	err := s.run(ctx, opResolve, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := DecideResolve(rec, to); err != nil {
			return err
		}

		moved, err := tx.SetReservationStatus(ctx, rec.ID, rec.Status, to)
		if err != nil {
			return err
		}
		if !moved {
			return ErrConflict
		}

		reservation = *rec
		reservation.Status = to

		inv, err := tx.Inventory(ctx, rec.ResourceID)
		if err != nil {
			return err
		}
		return tx.Append(ctx, Event{
			Type:          EventReservationResolved,
			AggregateType: AggregateReservation,
			AggregateID:   rec.ID,
			PatronID:      rec.PatronID,
			ResourceID:    rec.ResourceID,
			Title:         titleOf(inv),
			Status:        string(to),
			OccurredAt:    s.now(),
		})
	})
	if err != nil {
		return nil, s.fail(span, opResolve, err)
	}

	s.logger.Info("reservation resolved",
		zap.Int64("reservation_id", reservation.ID),
		zap.String("status", string(to)),
	)
	return &reservation, nil
}

// UpdateCopies sets both copy counts of a resource. The counts are validated
// before any storage access.
func (s *service) UpdateCopies(ctx context.Context, resourceID int64, total, available int) error {
	ctx, span := s.tracer.Start(ctx, "circulation.update_copies", trace.WithAttributes(
		attribute.Int64("resource.id", resourceID),
		attribute.Int("copies.total", total),
		attribute.Int("copies.available", available),
	))
	defer span.End()

	if err := s.adjustCopies(ctx, opUpdateCopy, resourceID, nil, total, available); err != nil {
		return s.fail(span, opUpdateCopy, err)
	}
	return nil
}

// EditResource replaces the details and copy counts of a resource. A rejected
// edit leaves both untouched.
func (s *service) EditResource(ctx context.Context, resourceID int64, details ResourceDetails, total, available int) error {
	ctx, span := s.tracer.Start(ctx, "circulation.edit_resource", trace.WithAttributes(
		attribute.Int64("resource.id", resourceID),
		attribute.Int("copies.total", total),
		attribute.Int("copies.available", available),
	))
	defer span.End()

	if err := s.adjustCopies(ctx, opEditResource, resourceID, &details, total, available); err != nil {
		return s.fail(span, opEditResource, err)
	}
	return nil
}

// adjustCopies writes the counts, and details when given, in one transaction.
func (s *service) adjustCopies(ctx context.Context, op string, resourceID int64, details *ResourceDetails, total, available int) error {
	if err := CheckCopyCounts(total, available); err != nil {
		return err
	}

	err := s.run(ctx, op, func(ctx context.Context, tx Tx) error {
		inv, err := tx.Inventory(ctx, resourceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return errResourceNotFound
		}

		set, err := tx.SetCopies(ctx, *inv, total, available)
		if err != nil {
			return err
		}
		if !set {
			return ErrConflict
		}

		now := s.now()
		title := inv.Title
		events := make([]Event, 0, 2)
		if details != nil {
			updated, err := tx.UpdateDetails(ctx, resourceID, *details)
			if err != nil {
				return err
			}
			if !updated {
				return ErrConflict
			}
			title = details.Title
			events = append(events, Event{
				Type:          EventResourceEdited,
				AggregateType: AggregateResource,
				AggregateID:   resourceID,
				ResourceID:    resourceID,
				Title:         title,
				OccurredAt:    now,
			})
		}

		events = append(events, Event{
			Type:            EventCopiesAdjusted,
			AggregateType:   AggregateResource,
			AggregateID:     resourceID,
			ResourceID:      resourceID,
			Title:           title,
			AvailableCopies: available,
			OccurredAt:      now,
		})
		return tx.Append(ctx, events...)
	})
	if err != nil {
		return err
	}

	s.logger.Info("copies adjusted",
		zap.String("op", op),
		zap.Int64("resource_id", resourceID),
		zap.Int("total_copies", total),
		zap.Int("available_copies", available),
	)
	return nil
}

func (s *service) ActiveBorrowings(ctx context.Context, patronID int64) ([]BorrowedItem, error) {
	items, err := s.reads.ActiveBorrowings(ctx, patronID)
	if err != nil {
		return nil, StorageFailure(fmt.Errorf("active borrowings: %w", err))
	}
	return items, nil
}

func (s *service) History(ctx context.Context, patronID int64) ([]HistoryEntry, error) {
	entries, err := s.reads.History(ctx, patronID)
	if err != nil {
		return nil, StorageFailure(fmt.Errorf("borrowing history: %w", err))
	}
	return entries, nil
}

func (s *service) Reservations(ctx context.Context, patronID int64) ([]ReservationView, error) {
	views, err := s.reads.Reservations(ctx, patronID)
	if err != nil {
		return nil, StorageFailure(fmt.Errorf("reservations: %w", err))
	}
	return views, nil
}

// run executes fn in a transaction, retrying the whole transaction on
// ErrConflict, and records the outcome.
func (s *service) run(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	onRetry := func(attempt int, err error) {
		s.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		s.logger.Debug("retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt))
	}

	err := retryOnConflict(ctx, s.retry, onRetry, func(ctx context.Context) error {
		return s.store.InTx(ctx, fn)
	})
	if err == nil {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcomeOK),
		))
	}
	return err
}

// fail classifies err, logs it and marks the span. Business rejections pass
// through unchanged; everything else becomes a StorageFailure.
func (s *service) fail(span trace.Span, op string, err error) error {
	var engineErr *Error
	if !errors.As(err, &engineErr) {
		if errors.Is(err, ErrConflict) {
			err = fmt.Errorf("%s: retries exhausted: %w", op, err)
		}
		engineErr = StorageFailure(err)
	}

	kind := engineErr.Kind
	s.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", kind.String()),
	))
	span.SetAttributes(attribute.String("error.kind", kind.String()))

	if kind == KindStorageFailure {
		span.RecordError(engineErr)
		span.SetStatus(codes.Error, "storage failure")
		s.logger.Error("operation failed", zap.String("op", op), zap.Error(engineErr))
	} else {
		s.logger.Info("operation rejected",
			zap.String("op", op),
			zap.String("kind", kind.String()),
			zap.String("reason", engineErr.Message),
		)
	}
	return engineErr
}

func titleOf(inv *Inventory) string {
	if inv == nil {
		return ""
	}
	return inv.Title
}
