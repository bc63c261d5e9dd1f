package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/kafka"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// Publisher is the producing side of the envelope topic.
type Publisher interface {
	PublishMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay drains the transactional outbox into Kafka. Rows are marked
// published only after the producer accepts them, so a crash between the
// two steps republishes: at-least-once, deduplicated downstream by the
// engine's conditional claim.
type Relay struct {
	Outbox   repository.OutboxRepository
	Producer Publisher

	PollInterval time.Duration // default 200ms
	BatchSize    int           // default 200
}

// NewRelay builds a relay with sane defaults.
func NewRelay(outbox repository.OutboxRepository, producer Publisher) *Relay {
	return &Relay{
		Outbox:       outbox,
		Producer:     producer,
		PollInterval: 200 * time.Millisecond,
		BatchSize:    200,
	}
}

// Run polls the outbox until ctx is cancelled.
func (w *Relay) Run(ctx context.Context) error {
	if w.PollInterval <= 0 {
		w.PollInterval = 200 * time.Millisecond
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}

	tick := time.NewTicker(w.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := w.relayOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Log.Error("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// relayOnce publishes one batch of unpublished rows.
func (w *Relay) relayOnce(ctx context.Context) error {
	rows, err := w.Outbox.ListUnpublished(ctx, w.BatchSize)
	if err != nil {
		return fmt.Errorf("list unpublished: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, kafka.Message{
			Topic: row.Topic,
			Key:   []byte(row.AggregateID), // partition affinity per delivery
			Value: row.Payload,
		})
		ids = append(ids, row.ID)
	}

	if err := w.Producer.PublishMessages(ctx, msgs...); err != nil {
		if ierr := w.Outbox.IncrementAttempts(ctx, ids); ierr != nil {
			logger.Log.Error("outbox attempts update failed", zap.Error(ierr))
		}
		return fmt.Errorf("publish batch: %w", err)
	}

	if err := w.Outbox.MarkPublished(ctx, ids, time.Now().UTC()); err != nil {
		// Rows republish on the next pass; consumers dedup via the claim.
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}
