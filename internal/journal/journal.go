// Package journal is the append-only record of committed lending changes. Entries are
// versioned per aggregate and are written through the caller's transaction, so an entry
// exists exactly when the change it describes was committed.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")

// Record is an entry to be appended.
type Record struct {
	AggregateID   uuid.UUID
	AggregateType string
	EventType     string
	Data          any
	OccurredAt    time.Time
}

// Entry is a stored journal entry.
type Entry struct {
	ID            int64          `json:"id"`
	AggregateID   uuid.UUID      `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Data          map[string]any `json:"data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
}

type row struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Metadata      []byte    `db:"metadata"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

type Journal struct {
	tracer trace.Tracer
}

func New() *Journal {
	return &Journal{tracer: otel.Tracer("campuslib/journal")}
}

// Append writes rec at the next version of its aggregate. Appends to one aggregate are
// serialized by a transaction-scoped advisory lock; a racing writer that still collides on
// (aggregate_id, version) gets ErrConcurrencyConflict.
func (j *Journal) Append(ctx context.Context, q sqlx.ExtContext, rec Record) (Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", rec.AggregateID.String()),
			attribute.String("aggregate.type", rec.AggregateType),
			attribute.String("event.type", rec.EventType),
		),
	)
	defer span.End()

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", rec.EventType, err)
	}
	if string(payload) == "null" {
		payload = []byte("{}")
	}
	metadata := map[string]any{}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		metadata["trace_id"] = sc.TraceID().String()
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.AggregateID.String()); err != nil {
		return Entry{}, fmt.Errorf("lock aggregate stream: %w", err)
	}

	var current int
	err = sqlx.GetContext(ctx, q, &current, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, rec.AggregateID)
	if err != nil {
		return Entry{}, fmt.Errorf("query current version: %w", err)
	}

	createdAt := rec.OccurredAt.UTC()
	if rec.OccurredAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	entry := Entry{
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		EventType:     rec.EventType,
		Metadata:      metadata,
		Version:       current + 1,
		CreatedAt:     createdAt,
	}
	err = sqlx.GetContext(ctx, q, &entry.ID, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, rec.AggregateID, rec.AggregateType, rec.EventType, payload, metadataJSON, entry.Version, createdAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return Entry{}, ErrConcurrencyConflict
		}
		return Entry{}, fmt.Errorf("insert event: %w", err)
	}
	if err := json.Unmarshal(payload, &entry.Data); err != nil {
		return Entry{}, fmt.Errorf("decode %s payload: %w", rec.EventType, err)
	}

	span.SetAttributes(
		attribute.Int64("event.id", entry.ID),
		attribute.Int("event.version", entry.Version),
	)
	return entry, nil
}

// Load returns every entry of an aggregate in version order.
func (j *Journal) Load(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var rows []row
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query events: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:            r.ID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			Version:       r.Version,
			CreatedAt:     r.CreatedAt,
		}
		if err := json.Unmarshal(r.EventData, &e.Data); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", r.ID, err)
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event %d metadata: %w", r.ID, err)
			}
		}
		entries = append(entries, e)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(entries)))
	return entries, nil
}
