package repository

import (
	"context"
	"database/sql"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository defines persistence for the append-only events table.
// Events are immutable and never deleted.
type EventsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e model.Event) error
	Get(ctx context.Context, id string) (*model.Event, error)
}

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func (r *EventsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *EventsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.Event) error {
	const q = `
		INSERT INTO events
		    (id, type, source, occurred_at, data, metadata, payload, created_at)
		VALUES
		    (?,  ?,    ?,      ?,           ?,    ?,        ?,       ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			e.ID, e.Type, e.Source, e.OccurredAt, []byte(e.Data), e.Metadata, e.Payload, e.CreatedAt,
		)
		return err
	})
}

func (r *EventsRepositoryImpl) Get(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := r.db.GetContext(ctx, &e, `
		SELECT id, type, source, occurred_at, data, metadata, payload, created_at
		  FROM events
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
