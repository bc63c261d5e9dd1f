package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// SubscriptionsRepository defines persistence for the subscriptions table.
// Mutations report whether a row was touched so the registry can translate
// misses into not-found errors.
type SubscriptionsRepository interface {
	Insert(ctx context.Context, s model.Subscription) error
	Get(ctx context.Context, id string) (*model.Subscription, error)
	List(ctx context.Context, activeOnly bool) ([]model.Subscription, error)
	Update(ctx context.Context, s model.Subscription) (bool, error)
	UpdateSecret(ctx context.Context, id, secret string, now time.Time) (bool, error)
	SetActive(ctx context.Context, tx *sqlx.Tx, id string, active bool, retiredAt *time.Time, now time.Time) (bool, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id string) (bool, error)
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

func (r *SubscriptionsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

const subscriptionColumns = `id, name, url, secret, events, filters, rate_limit, active, created_at, updated_at, retired_at`

func (r *SubscriptionsRepositoryImpl) Insert(ctx context.Context, s model.Subscription) error {
	const q = `
		INSERT INTO subscriptions
		    (id, name, url, secret, events, filters, rate_limit, active, created_at, updated_at)
		VALUES
		    (?,  ?,    ?,   ?,      ?,      ?,       ?,          ?,      ?,          ?)
	`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.Name, s.URL, s.Secret, s.Events, s.Filters, s.RateLimit, s.Active,
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (r *SubscriptionsRepositoryImpl) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var s model.Subscription
	err := r.db.GetContext(ctx, &s, `
		SELECT `+subscriptionColumns+`
		  FROM subscriptions
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionsRepositoryImpl) List(ctx context.Context, activeOnly bool) ([]model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at DESC`

	var rows []model.Subscription
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	return rows, nil
}

// Update mutates everything except the secret; rotation has its own path.
func (r *SubscriptionsRepositoryImpl) Update(ctx context.Context, s model.Subscription) (bool, error) {
	const q = `
		UPDATE subscriptions
		   SET name = ?, url = ?, events = ?, filters = ?, rate_limit = ?, updated_at = ?
		 WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, q,
		s.Name, s.URL, s.Events, s.Filters, s.RateLimit, s.UpdatedAt, s.ID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SubscriptionsRepositoryImpl) UpdateSecret(ctx context.Context, id, secret string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET secret = ?, updated_at = ? WHERE id = ?
	`, secret, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SubscriptionsRepositoryImpl) SetActive(ctx context.Context, tx *sqlx.Tx, id string, active bool, retiredAt *time.Time, now time.Time) (bool, error) {
	var touched bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET active = ?, retired_at = ?, updated_at = ? WHERE id = ?
		`, active, retiredAt, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		touched = n > 0
		return err
	})
	return touched, err
}

func (r *SubscriptionsRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	var touched bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		touched = n > 0
		return err
	})
	return touched, err
}
