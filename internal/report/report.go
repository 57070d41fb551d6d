// internal/report/report.go
package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cuhkszlibrary/internal/circulation"
)

// InventoryLine is one resource in the inventory report.
type InventoryLine struct {
	ResourceID      int64  `json:"resource_id" db:"resource_id"`
	Title           string `json:"title" db:"title"`
	ResourceType    string `json:"resource_type" db:"resource_type"`
	TotalCopies     int    `json:"total_copies" db:"total_copies"`
	AvailableCopies int    `json:"available_copies" db:"available_copies"`
	OnLoan          int    `json:"on_loan" db:"on_loan"`
}

// OverdueLoan is an active loan past its due date.
type OverdueLoan struct {
	BorrowingID int64     `json:"borrowing_id" db:"borrowing_id"`
	UserID      int64     `json:"user_id" db:"user_id"`
	ResourceID  int64     `json:"resource_id" db:"resource_id"`
	Title       string    `json:"title" db:"title"`
	BorrowDate  time.Time `json:"borrow_date" db:"borrow_date"`
	DueDate     time.Time `json:"due_date" db:"due_date"`
	Status      string    `json:"status" db:"status"`
	Renewals    int       `json:"renewals" db:"renewals"`
	DaysOverdue int       `json:"days_overdue" db:"-"`
}

// StatusCount is the number of records in one status.
type StatusCount struct {
	Status string `json:"status" db:"status"`
	Count  int    `json:"count" db:"count"`
}

// Summary is the librarian's circulation report.
type Summary struct {
	GeneratedAt  time.Time       `json:"generated_at"`
	Inventory    []InventoryLine `json:"inventory"`
	Borrowings   []StatusCount   `json:"borrowings"`
	Reservations []StatusCount   `json:"reservations"`
	Overdue      []OverdueLoan   `json:"overdue"`
}

// Repository runs the reporting queries. today is the UTC calendar day.
type Repository interface {
	InventoryReport(ctx context.Context) ([]InventoryLine, error)
	OverdueLoans(ctx context.Context, today time.Time) ([]OverdueLoan, error)
	BorrowingCounts(ctx context.Context) ([]StatusCount, error)
	ReservationCounts(ctx context.Context) ([]StatusCount, error)
	// MarkOverdue flags Borrowed loans due before today as Overdue and
	// returns the loans it changed.
	MarkOverdue(ctx context.Context, today time.Time) ([]OverdueLoan, error)
}

// Service defines the interface for the reporting service.
type Service interface {
	Inventory(ctx context.Context) ([]InventoryLine, error)
	Overdue(ctx context.Context) ([]OverdueLoan, error)
	Summary(ctx context.Context) (*Summary, error)
	SweepOverdue(ctx context.Context) ([]OverdueLoan, error)
	RunSweeper(ctx context.Context, interval time.Duration)
}

type service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new report service. now may be nil.
func NewService(repo Repository, logger *zap.Logger, now func() time.Time) Service {
	if now == nil {
		now = time.Now
	}
	return &service{repo: repo, logger: logger.Named("report"), now: now}
}

func storageFailure(op string, err error) error {
	return circulation.StorageFailure(fmt.Errorf("%s: %w", op, err))
}

func (s *service) Inventory(ctx context.Context) ([]InventoryLine, error) {
	lines, err := s.repo.InventoryReport(ctx)
	if err != nil {
		return nil, storageFailure("inventory report", err)
	}
	return lines, nil
}

func (s *service) Overdue(ctx context.Context) ([]OverdueLoan, error) {
	today := circulation.Today(s.now())
	loans, err := s.repo.OverdueLoans(ctx, today)
	if err != nil {
		return nil, storageFailure("overdue report", err)
	}
	return withDaysOverdue(loans, today), nil
}

func (s *service) Summary(ctx context.Context) (*Summary, error) {
	inventory, err := s.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	overdue, err := s.Overdue(ctx)
	if err != nil {
		return nil, err
	}
	borrowings, err := s.repo.BorrowingCounts(ctx)
	if err != nil {
		return nil, storageFailure("borrowing counts", err)
	}
	reservations, err := s.repo.ReservationCounts(ctx)
	if err != nil {
		return nil, storageFailure("reservation counts", err)
	}

	return &Summary{
		GeneratedAt:  s.now().UTC(),
		Inventory:    inventory,
		Borrowings:   borrowings,
		Reservations: reservations,
		Overdue:      overdue,
	}, nil
}

// SweepOverdue flags every Borrowed loan past its due date as Overdue.
func (s *service) SweepOverdue(ctx context.Context) ([]OverdueLoan, error) {
	today := circulation.Today(s.now())
	marked, err := s.repo.MarkOverdue(ctx, today)
	if err != nil {
		s.logger.Error("overdue sweep failed", zap.Error(err))
		return nil, storageFailure("overdue sweep", err)
	}

	if len(marked) > 0 {
		s.logger.Info("overdue sweep", zap.Int("marked", len(marked)), zap.Time("today", today))
	}
	return withDaysOverdue(marked, today), nil
}

// RunSweeper sweeps once immediately and then every interval until ctx is done.
func (s *service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled overdue sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func withDaysOverdue(loans []OverdueLoan, today time.Time) []OverdueLoan {
	for i := range loans {
		loans[i].DaysOverdue = int(today.Sub(circulation.Today(loans[i].DueDate)).Hours() / 24)
	}
	return loans
}
