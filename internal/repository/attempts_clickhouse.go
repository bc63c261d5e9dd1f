package repository

import (
	"context"
	"strings"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// AttemptsRepository is the append-only delivery-attempt ledger in
// ClickHouse: one row per performed HTTP attempt, written in batches by the
// deliverer, read back for per-delivery history and aggregate stats.
type AttemptsRepository interface {
	InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error
	ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]model.DeliveryAttempt, error)
	Stats(ctx context.Context) (*AttemptStats, error)
}

// AttemptStats aggregates the whole ledger.
type AttemptStats struct {
	Total        int64            `json:"total"`
	Outcomes     map[string]int64 `json:"outcomes"`
	SuccessRate  float64          `json:"success_rate"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

type attemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAttemptsRepository(ch *sqlx.DB) AttemptsRepository {
	return &attemptsRepository{ch: ch}
}

func (r *attemptsRepository) InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*12)

	sb.WriteString(`INSERT INTO whgw.delivery_attempts
		(delivery_id, event_id, subscription_id, event_type, attempt_number, outcome,
		 http_status, error, error_kind, response_body, latency_ms, attempted_at) VALUES `)
	for i, a := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			a.DeliveryID, a.EventID, a.SubscriptionID, a.EventType, a.AttemptNumber, a.Outcome,
			a.HTTPStatus, a.Error, a.ErrorKind, a.ResponseBody, a.LatencyMs, a.AttemptedAt,
		)
	}

	_, err := r.ch.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *attemptsRepository) ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows []model.DeliveryAttempt
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT delivery_id, event_id, subscription_id, event_type, attempt_number, outcome,
		       http_status, error, error_kind, response_body, latency_ms, attempted_at
		FROM whgw.delivery_attempts
		WHERE delivery_id = ?
		ORDER BY attempt_number ASC
		LIMIT ?
	`, deliveryID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *attemptsRepository) Stats(ctx context.Context) (*AttemptStats, error) {
	var rows []struct {
		Outcome      string  `db:"outcome"`
		Count        int64   `db:"cnt"`
		AvgLatencyMs float64 `db:"avg_ms"`
	}
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT outcome, count() AS cnt, avg(latency_ms) AS avg_ms
		FROM whgw.delivery_attempts
		GROUP BY outcome
	`)
	if err != nil {
		return nil, err
	}

	stats := &AttemptStats{Outcomes: make(map[string]int64, len(rows))}
	var latencySum float64
	for _, row := range rows {
		stats.Outcomes[row.Outcome] = row.Count
		stats.Total += row.Count
		latencySum += row.AvgLatencyMs * float64(row.Count)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Outcomes["success"]) / float64(stats.Total)
		stats.AvgLatencyMs = latencySum / float64(stats.Total)
	}
	return stats, nil
}
