// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/circulation"
)

// Probe reads invariant counters straight from the ledger tables.
type Probe interface {
	InventoryViolations(ctx context.Context) (float64, error)
	RenewalViolations(ctx context.Context) (float64, error)
	OverBorrowedResources(ctx context.Context) (float64, error)
	ActiveLoans(ctx context.Context, resourceID int64) (float64, error)
}

// Target is the system under test.
type Target struct {
	Circulation circulation.Service
	Catalog     catalog.Service
	Probe       Probe
	// Concurrency is the number of simulated patrons per experiment.
	Concurrency int
	// FirstPatronID offsets the simulated patron ids away from real users.
	FirstPatronID int64
	Duration      time.Duration
}

func (t Target) withDefaults() Target {
	if t.Concurrency <= 0 {
		t.Concurrency = 50
	}
	if t.FirstPatronID <= 0 {
		t.FirstPatronID = 900000
	}
	if t.Duration <= 0 {
		t.Duration = 30 * time.Second
	}
	return t
}

// RegisterExperiments seeds a fresh resource per experiment and registers
// the predefined experiments with the engine.
func (e *Engine) RegisterExperiments(ctx context.Context, target Target) error {
	target = target.withDefaults()

	race, err := ConcurrentBorrowRace(ctx, target, 3)
	if err != nil {
		return err
	}
	churn, err := BorrowReturnChurn(ctx, target, 5, 20)
	if err != nil {
		return err
	}
	storm, err := RenewalStorm(ctx, target)
	if err != nil {
		return err
	}

	e.RegisterExperiment(race)
	e.RegisterExperiment(churn)
	e.RegisterExperiment(storm)
	return nil
}

func seedResource(ctx context.Context, cat catalog.Service, name string, copies int) (*catalog.Resource, error) {
	res, err := cat.AddResource(ctx, catalog.ResourceInput{
		Details: catalog.Details{
			Title:        fmt.Sprintf("chaos: %s %d", name, time.Now().UnixNano()),
			Author:       "chaos engine",
			ResourceType: "Book",
			Location:     "chaos",
		},
		TotalCopies:     &copies,
		AvailableCopies: &copies,
	})
	if err != nil {
		return nil, fmt.Errorf("seed %s resource: %w", name, err)
	}
	return res, nil
}

func invariantMetrics(p Probe) []Metric {
	return []Metric{
		{
			Name:      "inventory_violations",
			Query:     p.InventoryViolations,
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "renewal_violations",
			Query:     p.RenewalViolations,
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "over_borrowed_resources",
			Query:     p.OverBorrowedResources,
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func invariantAssertions() []Assertion {
	return []Assertion{
		{
			Metric:    "inventory_violations",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "available copies must stay within [0, total]",
		},
		{
			Metric:    "renewal_violations",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "no loan may exceed the renewal limit",
		},
		{
			Metric:    "over_borrowed_resources",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "active loans must never exceed total copies",
		},
	}
}

func counter(c *atomic.Int64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) {
		return float64(c.Load()), nil
	}
}

// unexpected reports errors other than the expected business rejections.
func unexpected(err error, expected ...*circulation.Error) bool {
	if err == nil {
		return false
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

// ConcurrentBorrowRace has every simulated patron borrow the same resource
// at once. Exactly copies borrows may succeed.
func ConcurrentBorrowRace(ctx context.Context, target Target, copies int) (Experiment, error) {
	target = target.withDefaults()
	res, err := seedResource(ctx, target.Catalog, "borrow race", copies)
	if err != nil {
		return Experiment{}, err
	}

	var successes, failures atomic.Int64
	metrics := append(invariantMetrics(target.Probe),
		Metric{
			Name:      "successful_borrows",
			Query:     counter(&successes),
			Threshold: Threshold{Operator: "<=", Value: float64(copies)},
		},
		Metric{
			Name: "active_loans",
			Query: func(ctx context.Context) (float64, error) {
				return target.Probe.ActiveLoans(ctx, res.ID)
			},
			Threshold: Threshold{Operator: "<=", Value: float64(copies)},
		},
	)

	return Experiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Concurrent borrows of the same resource never hand out more copies than exist",
		SteadyState: metrics,
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				start := make(chan struct{})
				for i := 0; i < target.Concurrency; i++ {
					wg.Add(1)
					go func(patronID int64) {
						defer wg.Done()
						<-start
						_, err := target.Circulation.Borrow(ctx, patronID, res.ID)
						switch {
						case err == nil:
							successes.Add(1)
						case unexpected(err, circulation.ErrUnavailable):
							failures.Add(1)
						}
					}(target.FirstPatronID + int64(i))
				}
				close(start)
				wg.Wait()

				if n := failures.Load(); n > 0 {
					return fmt.Errorf("%d borrows failed with an unexpected error", n)
				}
				return nil
			},
		}},
		Validation: append(invariantAssertions(),
			Assertion{
				Metric:    "successful_borrows",
				Condition: func(v float64) bool { return v == float64(copies) },
				Message:   fmt.Sprintf("exactly %d borrows should succeed", copies),
			},
			Assertion{
				Metric:    "active_loans",
				Condition: func(v float64) bool { return v == float64(copies) },
				Message:   "the ledger should hold one active loan per copy",
			},
		),
		Duration: target.Duration,
	}, nil
}

// BorrowReturnChurn has patrons repeatedly borrow and return a small pool of
// copies. Once the load drains every copy must be back on the shelf.
func BorrowReturnChurn(ctx context.Context, target Target, copies, rounds int) (Experiment, error) {
	target = target.withDefaults()
	res, err := seedResource(ctx, target.Catalog, "churn", copies)
	if err != nil {
		return Experiment{}, err
	}

	var failures atomic.Int64
	shelved := func(ctx context.Context) (float64, error) {
		r, err := target.Catalog.GetResource(ctx, res.ID)
		if err != nil {
			return 0, err
		}
		return float64(r.TotalCopies - r.AvailableCopies), nil
	}

	return Experiment{
		Name:       "borrow-return-churn",
		Hypothesis: "Interleaved borrows and returns never lose or duplicate a copy",
		SteadyState: append(invariantMetrics(target.Probe), Metric{
			Name:      "copies_off_shelf",
			Query:     shelved,
			Threshold: Threshold{Operator: "<=", Value: float64(copies)},
		}),
		Method: []Action{{
			Type:   "churn",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				for i := 0; i < target.Concurrency; i++ {
					wg.Add(1)
					go func(patronID int64) {
						defer wg.Done()
						for r := 0; r < rounds && ctx.Err() == nil; r++ {
							rec, err := target.Circulation.Borrow(ctx, patronID, res.ID)
							if err != nil {
								if unexpected(err, circulation.ErrUnavailable) {
									failures.Add(1)
								}
								continue
							}
							if _, err := target.Circulation.Return(ctx, patronID, rec.ID); err != nil {
								failures.Add(1)
							}
						}
					}(target.FirstPatronID + 10000 + int64(i))
				}
				wg.Wait()

				if n := failures.Load(); n > 0 {
					return fmt.Errorf("%d churn operations failed with an unexpected error", n)
				}
				return nil
			},
		}},
		Validation: append(invariantAssertions(), Assertion{
			Metric:    "copies_off_shelf",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "every copy should be available after the churn",
		}),
		Duration: target.Duration,
	}, nil
}

// RenewalStorm renews one loan from many goroutines at once. The renewal
// limit must hold under contention.
func RenewalStorm(ctx context.Context, target Target) (Experiment, error) {
	target = target.withDefaults()
	res, err := seedResource(ctx, target.Catalog, "renewal storm", 1)
	if err != nil {
		return Experiment{}, err
	}

	patronID := target.FirstPatronID + 20000
	var loanID atomic.Int64
	var renewed, failures atomic.Int64

	return Experiment{
		Name:        "renewal-storm",
		Hypothesis:  "Concurrent renewals of one loan stop exactly at the renewal limit",
		SteadyState: append(invariantMetrics(target.Probe), Metric{
			Name:      "successful_renewals",
			Query:     counter(&renewed),
			Threshold: Threshold{Operator: "<=", Value: circulation.MaxRenewals},
		}),
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				rec, err := target.Circulation.Borrow(ctx, patronID, res.ID)
				if err != nil {
					return fmt.Errorf("borrow storm loan: %w", err)
				}
				loanID.Store(rec.ID)

				var wg sync.WaitGroup
				start := make(chan struct{})
				for i := 0; i < target.Concurrency; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := target.Circulation.Renew(ctx, patronID, rec.ID)
						switch {
						case err == nil:
							renewed.Add(1)
						case unexpected(err, circulation.ErrRenewalLimitExceeded):
							failures.Add(1)
						}
					}()
				}
				close(start)
				wg.Wait()

				if n := failures.Load(); n > 0 {
					return fmt.Errorf("%d renewals failed with an unexpected error", n)
				}
				return nil
			},
		}},
		Rollback: []Action{{
			Type:   "return-loan",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				if id := loanID.Load(); id > 0 {
					_, err := target.Circulation.Return(ctx, patronID, id)
					return err
				}
				return nil
			},
		}},
		Validation: append(invariantAssertions(), Assertion{
			Metric:    "successful_renewals",
			Condition: func(v float64) bool { return v == circulation.MaxRenewals },
			Message:   fmt.Sprintf("exactly %d renewals should succeed", circulation.MaxRenewals),
		}),
		Duration: target.Duration,
	}, nil
}
