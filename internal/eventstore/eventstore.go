// internal/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNoTransaction = errors.New("eventstore: append requires a transaction")
	ErrInvalidBatch  = errors.New("eventstore: batch size must be positive")
)

// Event is one entry of the append-only ledger log.
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	EventID       uuid.UUID              `json:"event_id" db:"event_id"`
	AggregateType string                 `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   int64                  `json:"aggregate_id" db:"aggregate_id"`
	EventType     string                 `json:"event_type" db:"event_type"`
	EventData     []byte                 `json:"event_data" db:"event_data"`
	Metadata      map[string]interface{} `json:"metadata" db:"-"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.EventType, e.ID, err)
	}
	return nil
}

// Encode marshals a payload for Event.EventData.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

type correlationKey struct{}

// WithCorrelationID tags events appended under ctx with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// appendLockKey names the advisory lock that orders appends on Postgres.
const appendLockKey int64 = 0x6c6564676572

// appendLock returns the statement that makes appending transactions take
// event ids in commit order, or "" when the driver already admits a single
// writer. Without it a sequence id can become visible after a higher one and
// an id cursor would skip it.
func appendLock(driver string) string {
	switch driver {
	case "postgres", "pgx":
		return "SELECT pg_advisory_xact_lock(?)"
	default:
		return ""
	}
}

// EventStore appends ledger events inside the caller's transaction and
// streams them to projections by id cursor.
type EventStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewEventStore creates an event store over db.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("cuhkszlibrary/eventstore"),
	}
}

// Append inserts events within tx, so they commit or roll back together with
// the state change they describe. On Postgres the transaction holds the
// append lock until it ends; callers append after their other writes.
func (es *EventStore) Append(ctx context.Context, tx *sqlx.Tx, events ...Event) error {
	if tx == nil {
		return ErrNoTransaction
	}
	if len(events) == 0 {
		return nil
	}

	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	if stmt := appendLock(tx.DriverName()); stmt != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), appendLockKey); err != nil {
			return fmt.Errorf("lock event log: %w", err)
		}
	}

	query := tx.Rebind(`
		INSERT INTO events (event_id, aggregate_type, aggregate_id, event_type, event_data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	correlationID := CorrelationID(ctx)
	for i, event := range events {
		if event.EventID == uuid.Nil {
			event.EventID = uuid.New()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now()
		}
		if correlationID != "" {
			if event.Metadata == nil {
				event.Metadata = map[string]interface{}{}
			}
			event.Metadata["correlation_id"] = correlationID
		}

		metadataJSON := "{}"
		if len(event.Metadata) > 0 {
			raw, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata of event %d: %w", i, err)
			}
			metadataJSON = string(raw)
		}

		var id int64
		err := tx.QueryRowxContext(ctx, query,
			event.EventID,
			event.AggregateType,
			event.AggregateID,
			event.EventType,
			string(event.EventData),
			metadataJSON,
			event.CreatedAt.UTC(),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.String("event.type", event.EventType),
		))
	}

	return nil
}

type eventRow struct {
	ID            int64     `db:"id"`
	EventID       uuid.UUID `db:"event_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   int64     `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

// StreamEvents returns up to batchSize events with id greater than fromID, in id order.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatch
	}

	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	var rows []eventRow
	err := es.db.SelectContext(ctx, &rows, es.db.Rebind(`
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, event_data, metadata, created_at
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`), fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event := Event{
			ID:            row.ID,
			EventID:       row.EventID,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			EventType:     row.EventType,
			EventData:     row.EventData,
			CreatedAt:     row.CreatedAt.UTC(),
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", row.ID, err)
			}
		}
		events = append(events, event)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// LoadEvents returns the events of one aggregate in append order.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateType string, aggregateID int64) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.Int64("aggregate.id", aggregateID),
		),
	)
	defer span.End()

	var rows []eventRow
	err := es.db.SelectContext(ctx, &rows, es.db.Rebind(`
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, event_data, metadata, created_at
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ?
		ORDER BY id ASC
	`), aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, Event{
			ID:            row.ID,
			EventID:       row.EventID,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			EventType:     row.EventType,
			EventData:     row.EventData,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Checkpoint returns the last event id processed by the named projection, or 0.
func (es *EventStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load_checkpoint",
		trace.WithAttributes(attribute.String("projection", name)),
	)
	defer span.End()

	var position int64
	err := es.db.GetContext(ctx, &position, es.db.Rebind(`
		SELECT position FROM checkpoints WHERE name = ?
	`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return position, nil
}

// SaveCheckpoint records position for the named projection within tx. The
// stored position never moves backwards.
func (es *EventStore) SaveCheckpoint(ctx context.Context, tx *sqlx.Tx, name string, position int64) error {
	if tx == nil {
		return ErrNoTransaction
	}

	ctx, span := es.tracer.Start(ctx, "eventstore.save_checkpoint",
		trace.WithAttributes(
			attribute.String("projection", name),
			attribute.Int64("position", position),
		),
	)
	defer span.End()

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO checkpoints (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET position = excluded.position,
		    updated_at = excluded.updated_at
		WHERE checkpoints.position < excluded.position
	`), name, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}
