package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/kafka"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// Scheduler is a stateless periodic scan over due deliveries. It only reads
// and republishes envelopes; the engine's conditional claim is the single
// point deciding who actually sends, so any number of scheduler instances
// can run concurrently. Every ReclaimEvery ticks it also returns rows
// abandoned in sending (crashed worker) to retrying.
type Scheduler struct {
	Deliveries repository.DeliveriesRepository
	Producer   Publisher

	Topic        string
	Tick         time.Duration // default 1s
	BatchSize    int           // default 500
	ReclaimEvery int           // reclaim pass every N ticks, default 30
	ReclaimAfter time.Duration // sending older than this is abandoned, default 90s

	now func() time.Time
}

// NewScheduler builds a scheduler with sane defaults.
func NewScheduler(devs repository.DeliveriesRepository, producer Publisher, topic string) *Scheduler {
	return &Scheduler{
		Deliveries:   devs,
		Producer:     producer,
		Topic:        topic,
		Tick:         time.Second,
		BatchSize:    500,
		ReclaimEvery: 30,
		ReclaimAfter: 90 * time.Second,
		now:          time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (w *Scheduler) Run(ctx context.Context) error {
	if w.Tick <= 0 {
		w.Tick = time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.ReclaimEvery <= 0 {
		w.ReclaimEvery = 30
	}
	if w.ReclaimAfter <= 0 {
		w.ReclaimAfter = 90 * time.Second
	}

	tick := time.NewTicker(w.Tick)
	defer tick.Stop()

	var ticks int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := w.scanOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Log.Error("scheduler scan failed", zap.Error(err))
			}
			ticks++
			if ticks%w.ReclaimEvery == 0 {
				if err := w.reclaimOnce(ctx); err != nil && ctx.Err() == nil {
					logger.Log.Error("reclaim pass failed", zap.Error(err))
				}
			}
		}
	}
}

// scanOnce republishes an envelope for every due delivery.
func (w *Scheduler) scanOnce(ctx context.Context) error {
	rows, err := w.Deliveries.ListDue(ctx, w.now().UTC(), w.BatchSize)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(rows))
	for _, d := range rows {
		payload, err := json.Marshal(model.Envelope{
			DeliveryID:     d.ID,
			EventID:        d.EventID,
			SubscriptionID: d.SubscriptionID,
			EventType:      d.EventType,
		})
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: w.Topic,
			Key:   []byte(d.ID),
			Value: payload,
		})
	}

	if err := w.Producer.PublishMessages(ctx, msgs...); err != nil {
		// Rows stay due; the next tick retries them.
		return fmt.Errorf("publish due batch: %w", err)
	}
	return nil
}

// reclaimOnce recovers rows a crashed worker left in sending.
func (w *Scheduler) reclaimOnce(ctx context.Context) error {
	now := w.now().UTC()
	n, err := w.Deliveries.ReclaimStuck(ctx, now.Add(-w.ReclaimAfter), now)
	if err != nil {
		return fmt.Errorf("reclaim stuck: %w", err)
	}
	if n > 0 {
		logger.Log.Warn("reclaimed deliveries stuck in sending", zap.Int64("count", n))
	}
	return nil
}
