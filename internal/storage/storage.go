// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"cuhkszlibrary/internal/circulation"
	"cuhkszlibrary/internal/eventstore"
)

// Dialect is the SQL flavour spoken by the configured driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the relational store behind the engine and its collaborators.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	goqu    goqu.DialectWrapper
	events  *eventstore.EventStore
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Store, error) {
	var dialect Dialect
	switch driver {
	case DriverPostgres, DriverPgx:
		dialect = DialectPostgres
	case DriverSQLite:
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if dialect == DialectSQLite {
		// One writer at a time; transactions queue on the pool.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &Store{
		db:      db,
		dialect: dialect,
		goqu:    goqu.Dialect(string(dialect)),
		events:  eventstore.NewEventStore(db),
		logger:  logger.Named("storage"),
		tracer:  otel.Tracer("cuhkszlibrary/storage"),
		now:     time.Now,
	}, nil
}

// SQLiteDSN builds a modernc sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect reports the SQL flavour of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Events exposes the ledger event log.
func (s *Store) Events() *eventstore.EventStore {
	return s.events
}

// InTx implements circulation.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	return s.withTx(ctx, "storage.circulation_tx", func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, &circulationTx{tx: tx, store: s})
	})
}

// withTx runs fn in a transaction. fn's error is returned unchanged; driver
// errors from begin and commit are classified.
func (s *Store) withTx(ctx context.Context, name string, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", string(s.dialect)),
	))
	defer func() {
		if err != nil && !isBusinessError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction failed")
		}
		span.End()
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func isBusinessError(err error) bool {
	var e *circulation.Error
	return errors.As(err, &e) && e.Kind != circulation.KindStorageFailure
}
