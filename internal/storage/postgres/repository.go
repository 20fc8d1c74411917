package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"campuslib/internal/journal"
	"campuslib/internal/lending"
)

var dialect = goqu.Dialect("postgres")

// Repository implements lending.Repository. Every method runs on the transaction carried by
// ctx when there is one.
type Repository struct {
	db      *sqlx.DB
	journal *journal.Journal
}

var _ lending.Repository = (*Repository)(nil)

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db, journal: journal.New()}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

func (r *Repository) q(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

// get scans one row into dest, mapping a missing row to notFound.
func (r *Repository) get(ctx context.Context, notFound error, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, r.q(ctx), dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

// exec runs a single-row statement, mapping zero affected rows to notFound.
func (r *Repository) exec(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := r.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (r *Repository) selectDataset(ctx context.Context, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, r.q(ctx), dest, query, args...)
}

func (r *Repository) AppendEvent(ctx context.Context, event lending.Event) error {
	_, err := r.journal.Append(ctx, r.q(ctx), journal.Record{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Data:          event.Data,
		OccurredAt:    event.OccurredAt,
	})
	return err
}

func (r *Repository) LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]lending.Event, error) {
	entries, err := r.journal.Load(ctx, r.q(ctx), aggregateID)
	if err != nil {
		return nil, err
	}
	events := make([]lending.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, lending.Event{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     e.EventType,
			Data:          e.Data,
			Version:       e.Version,
			OccurredAt:    e.CreatedAt,
		})
	}
	return events, nil
}
