package eventstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	aggregate_type TEXT NOT NULL,
	aggregate_id INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE checkpoints (
	name TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func openSQLite(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

type loanPayload struct {
	PatronID int64  `json:"patron_id"`
	Title    string `json:"title"`
}

func appendInTx(t *testing.T, db *sqlx.DB, es *EventStore, events ...Event) {
	t.Helper()
	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, es.Append(context.Background(), tx, events...))
	require.NoError(t, tx.Commit())
}

func newEvent(t *testing.T, aggregateID int64, eventType string, payload loanPayload) Event {
	t.Helper()
	data, err := Encode(payload)
	require.NoError(t, err)
	return Event{
		AggregateType: "borrowing",
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventData:     data,
	}
}

func TestAppendAndStream(t *testing.T) {
	db := openSQLite(t)
	es := NewEventStore(db)
	ctx := context.Background()

	appendInTx(t, db, es,
		newEvent(t, 1, "LoanOpened", loanPayload{PatronID: 5, Title: "Dune"}),
		newEvent(t, 1, "LoanRenewed", loanPayload{PatronID: 5, Title: "Dune"}),
	)
	appendInTx(t, db, es, newEvent(t, 2, "LoanOpened", loanPayload{PatronID: 6, Title: "Emma"}))

	all, err := es.StreamEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "LoanOpened", all[0].EventType)
	assert.Less(t, all[0].ID, all[1].ID)
	assert.NotEqual(t, all[0].EventID, all[1].EventID)

	var payload loanPayload
	require.NoError(t, all[2].Decode(&payload))
	assert.Equal(t, loanPayload{PatronID: 6, Title: "Emma"}, payload)

	rest, err := es.StreamEvents(ctx, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, all[1].ID, rest[0].ID)

	loaded, err := es.LoadEvents(ctx, "borrowing", 1)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	_, err = es.StreamEvents(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	db := openSQLite(t)
	es := NewEventStore(db)
	ctx := context.Background()

	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, es.Append(ctx, tx, newEvent(t, 1, "LoanOpened", loanPayload{PatronID: 1})))
	require.NoError(t, tx.Rollback())

	events, err := es.StreamEvents(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, es.Append(ctx, nil, Event{}), ErrNoTransaction)
}

func TestCorrelationMetadata(t *testing.T) {
	db := openSQLite(t)
	es := NewEventStore(db)
	ctx := WithCorrelationID(context.Background(), "req-123")

	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, es.Append(ctx, tx, newEvent(t, 1, "LoanOpened", loanPayload{PatronID: 1})))
	require.NoError(t, tx.Commit())

	events, err := es.StreamEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "req-123", events[0].Metadata["correlation_id"])
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	db := openSQLite(t)
	es := NewEventStore(db)
	ctx := context.Background()

	pos, err := es.Checkpoint(ctx, "notifications")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	for _, p := range []int64{5, 3, 9} {
		tx, err := db.Beginx()
		require.NoError(t, err)
		require.NoError(t, es.SaveCheckpoint(ctx, tx, "notifications", p))
		require.NoError(t, tx.Commit())
	}

	pos, err = es.Checkpoint(ctx, "notifications")
	require.NoError(t, err)
	assert.Equal(t, int64(9), pos)
}

// setupPostgres connects to PostgreSQL and skips when it is not reachable.
func setupPostgres(b testing.TB) *sqlx.DB {
	b.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		b.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		b.Skipf("skipping: could not connect to postgres: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			aggregate_type TEXT NOT NULL,
			aggregate_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		b.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func TestAppendLockOnlyForPostgres(t *testing.T) {
	assert.Empty(t, appendLock("sqlite"))
	assert.Contains(t, appendLock("postgres"), "pg_advisory_xact_lock")
	assert.Contains(t, appendLock("pgx"), "pg_advisory_xact_lock")
}

func TestConcurrentAppendsCommitInIDOrder(t *testing.T) {
	db := setupPostgres(t)
	defer db.Close()
	es := NewEventStore(db)
	ctx := context.Background()
	data, err := Encode(loanPayload{PatronID: 1, Title: "ordered"})
	require.NoError(t, err)

	first, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, es.Append(ctx, first, Event{AggregateType: "borrowing", AggregateID: 1, EventType: "LoanOpened", EventData: data}))

	appended := make(chan error, 1)
	go func() {
		second, err := db.Beginx()
		if err != nil {
			appended <- err
			return
		}
		if err := es.Append(ctx, second, Event{AggregateType: "borrowing", AggregateID: 2, EventType: "LoanOpened", EventData: data}); err != nil {
			_ = second.Rollback()
			appended <- err
			return
		}
		appended <- second.Commit()
	}()

	select {
	case err := <-appended:
		_ = first.Rollback()
		t.Fatalf("second append completed while the first was uncommitted: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Commit())
	require.NoError(t, <-appended)
}

func BenchmarkAppend(b *testing.B) {
	db := setupPostgres(b)
	defer db.Close()
	es := NewEventStore(db)
	ctx := context.Background()

	data, _ := Encode(loanPayload{PatronID: 1, Title: "bench"})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, err := db.Beginx()
		if err != nil {
			b.Fatal(err)
		}
		err = es.Append(ctx, tx, Event{AggregateType: "borrowing", AggregateID: int64(i), EventType: "LoanOpened", EventData: data})
		if err != nil {
			b.Fatalf("Append failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStream(b *testing.B) {
	db := setupPostgres(b)
	defer db.Close()
	es := NewEventStore(db)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := es.StreamEvents(ctx, 0, 100); err != nil {
			b.Fatalf("StreamEvents failed: %v", err)
		}
	}
}
