// internal/chaos/chaos_test.go
package chaos_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuhkszlibrary/internal/catalog"
	"cuhkszlibrary/internal/chaos"
	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/storage"
)

func newTarget(t *testing.T) chaos.Target {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store, err := storage.Open(ctx, storage.DriverSQLite, storage.SQLiteDSN(filepath.Join(t.TempDir(), "chaos.db")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	engine, err := circulation.NewService(store, store, logger)
	require.NoError(t, err)

	return chaos.Target{
		Circulation: engine,
		Catalog:     catalog.NewService(store, engine, logger),
		Probe:       store,
		Concurrency: 8,
		Duration:    10 * time.Second,
	}
}

func TestGameDayHypothesesHold(t *testing.T) {
	ctx := context.Background()
	engine := chaos.NewEngine(zaptest.NewLogger(t), 20*time.Millisecond)
	require.NoError(t, engine.RegisterExperiments(ctx, newTarget(t)))
	require.Len(t, engine.Experiments(), 3)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "test",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	require.NoError(t, err)

	for _, result := range engine.Results() {
		assert.True(t, result.HypothesisHeld, "%s: %v %v", result.ExperimentName, result.FailedAssertions, result.ErrorEvents)
		assert.Empty(t, result.Violations, result.ExperimentName)
	}
	assert.True(t, held)
}

func TestSteadyStateAbortsExperiment(t *testing.T) {
	engine := chaos.NewEngine(zaptest.NewLogger(t), 10*time.Millisecond)
	executed := false

	result, err := engine.RunExperiment(context.Background(), chaos.Experiment{
		Name: "broken",
		SteadyState: []chaos.Metric{{
			Name:      "violations",
			Query:     func(context.Context) (float64, error) { return 3, nil },
			Threshold: chaos.Threshold{Operator: "==", Value: 0},
		}},
		Method: []chaos.Action{{Execute: func(context.Context) error {
			executed = true
			return nil
		}}},
		Duration: time.Second,
	})

	assert.ErrorIs(t, err, chaos.ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, float64(3), result.Violations[0].Actual)
	assert.False(t, executed, "no load is injected when the steady state is broken")
}

func TestViolationsDuringLoadFailHypothesis(t *testing.T) {
	engine := chaos.NewEngine(zaptest.NewLogger(t), 5*time.Millisecond)
	var drift atomic.Int64

	result, err := engine.RunExperiment(context.Background(), chaos.Experiment{
		Name: "drifting",
		SteadyState: []chaos.Metric{{
			Name:      "drift",
			Query:     func(context.Context) (float64, error) { return float64(drift.Load()), nil },
			Threshold: chaos.Threshold{Operator: "<=", Value: 0},
		}},
		Method: []chaos.Action{{
			Target: "drifter",
			Execute: func(context.Context) error {
				drift.Store(1)
				return errors.New("injected")
			},
		}},
		Validation: []chaos.Assertion{{
			Metric:    "drift",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "drift must return to zero",
		}},
		Duration: 50 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"drift must return to zero"}, result.FailedAssertions)
	assert.NotEmpty(t, result.Violations)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "drifter", result.ErrorEvents[0].Component)
}
