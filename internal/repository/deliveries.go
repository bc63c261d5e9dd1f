package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveriesRepository defines persistence for the deliveries table. Every
// state transition is a conditional UPDATE on the current status, so
// concurrent workers, scheduler instances, and registry cancellations can
// race without double-sending or resurrecting terminal rows.
type DeliveriesRepository interface {
	InsertBatch(ctx context.Context, tx *sqlx.Tx, rows []model.Delivery) error
	Get(ctx context.Context, id string) (*model.Delivery, error)

	// Claim flips a due pending/retrying row to sending. Exactly one caller
	// wins per attempt; duplicate envelopes lose here.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Release returns a claimed row to its prior status without counting an
	// attempt (rate-limit deferral).
	Release(ctx context.Context, id string, backTo model.DeliveryStatus, nextRetryAt, now time.Time) (bool, error)
	// RecordOutcome finalizes one performed attempt: attempt counter, status,
	// HTTP result, and retry schedule, conditioned on the row still being in
	// sending.
	RecordOutcome(ctx context.Context, d model.Delivery) (bool, error)

	// CancelOne cancels a single not-yet-claimed row (stale envelope for a
	// deleted or deactivated subscription).
	CancelOne(ctx context.Context, id string, now time.Time) (bool, error)
	// CancelBySubscription cancels every row of the subscription currently in
	// one of the given states; returns the number cancelled.
	CancelBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, from []model.DeliveryStatus, now time.Time) (int64, error)

	// ListDue returns rows whose next attempt is due, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	// ReclaimStuck returns rows abandoned in sending (crashed worker) to
	// retrying, immediately due.
	ReclaimStuck(ctx context.Context, abandonedBefore, now time.Time) (int64, error)
	// ResetForRetry is the manual operator path: any state except sending
	// back to pending with exactly one more permitted attempt.
	ResetForRetry(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) (bool, error)

	List(ctx context.Context, subscriptionID string, status model.DeliveryStatus, limit int) ([]model.Delivery, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
	CountByEventType(ctx context.Context, limit int) ([]EventTypeCount, error)
}

type StatusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"cnt"`
}

type EventTypeCount struct {
	EventType string `db:"event_type"`
	Count     int64  `db:"cnt"`
}

type DeliveriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeliveriesRepository(db *sqlx.DB) *DeliveriesRepositoryImpl {
	return &DeliveriesRepositoryImpl{db: db}
}

var _ DeliveriesRepository = (*DeliveriesRepositoryImpl)(nil)

func (r *DeliveriesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

const deliveryColumns = `id, event_id, subscription_id, event_type, attempt_number, max_attempts,
	status, http_status, error, error_kind, scheduled_at, attempted_at, next_retry_at, latency_ms,
	created_at, updated_at`

func (r *DeliveriesRepositoryImpl) InsertBatch(ctx context.Context, tx *sqlx.Tx, rows []model.Delivery) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `
		INSERT INTO deliveries
		    (id, event_id, subscription_id, event_type, attempt_number, max_attempts,
		     status, scheduled_at, next_retry_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		for _, d := range rows {
			if _, err := tx.ExecContext(ctx, q,
				d.ID, d.EventID, d.SubscriptionID, d.EventType, d.AttemptNumber, d.MaxAttempts,
				d.Status, d.ScheduledAt, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *DeliveriesRepositoryImpl) Get(ctx context.Context, id string) (*model.Delivery, error) {
	var d model.Delivery
	err := r.db.GetContext(ctx, &d, `
		SELECT `+deliveryColumns+`
		  FROM deliveries
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeliveriesRepositoryImpl) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'sending', updated_at = ?
		 WHERE id = ?
		   AND status IN ('pending', 'retrying')
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
	`, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveriesRepositoryImpl) Release(ctx context.Context, id string, backTo model.DeliveryStatus, nextRetryAt, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'sending'
	`, backTo, nextRetryAt, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveriesRepositoryImpl) RecordOutcome(ctx context.Context, d model.Delivery) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET attempt_number = ?, status = ?, http_status = ?, error = ?, error_kind = ?,
		       attempted_at = ?, next_retry_at = ?, latency_ms = ?, updated_at = ?
		 WHERE id = ? AND status = 'sending'
	`, d.AttemptNumber, d.Status, d.HTTPStatus, d.Error, d.ErrorKind,
		d.AttemptedAt, d.NextRetryAt, d.LatencyMs, d.UpdatedAt, d.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveriesRepositoryImpl) CancelOne(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'cancelled', next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'retrying')
	`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveriesRepositoryImpl) CancelBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, from []model.DeliveryStatus, now time.Time) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	const base = `
		UPDATE deliveries
		   SET status = 'cancelled', next_retry_at = NULL, updated_at = ?
		 WHERE subscription_id = ? AND status IN (?)
	`
	query, args, err := sqlx.In(base, now, subscriptionID, from)
	if err != nil {
		return 0, err
	}
	query = r.db.Rebind(query)

	var cancelled int64
	err = r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		cancelled, err = res.RowsAffected()
		return err
	})
	return cancelled, err
}

func (r *DeliveriesRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Delivery
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM deliveries
		 WHERE status IN ('pending', 'retrying')
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeliveriesRepositoryImpl) ReclaimStuck(ctx context.Context, abandonedBefore, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		   SET status = 'retrying', next_retry_at = ?, updated_at = ?
		 WHERE status = 'sending' AND updated_at < ?
	`, now, now, abandonedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *DeliveriesRepositoryImpl) ResetForRetry(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) (bool, error) {
	var touched bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deliveries
			   SET status = 'pending', next_retry_at = ?, max_attempts = attempt_number + 1, updated_at = ?
			 WHERE id = ? AND status <> 'sending'
		`, now, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		touched = n > 0
		return err
	})
	return touched, err
}

func (r *DeliveriesRepositoryImpl) List(ctx context.Context, subscriptionID string, status model.DeliveryStatus, limit int) ([]model.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE 1 = 1`
	args := []any{}

	if subscriptionID != "" {
		q += ` AND subscription_id = ?`
		args = append(args, subscriptionID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status.String())
	}

	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []model.Delivery
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDueRetries is the operator "pending retries" view: failed at least
// once, scheduled, and overdue.
func (r *DeliveriesRepositoryImpl) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var rows []model.Delivery
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM deliveries
		 WHERE status = 'retrying'
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC
		 LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeliveriesRepositoryImpl) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS cnt FROM deliveries GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeliveriesRepositoryImpl) CountByEventType(ctx context.Context, limit int) ([]EventTypeCount, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []EventTypeCount
	err := r.db.SelectContext(ctx, &rows, `
		SELECT event_type, COUNT(*) AS cnt
		  FROM deliveries
		 GROUP BY event_type
		 ORDER BY cnt DESC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
