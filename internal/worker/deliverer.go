// Package worker holds the delivery-plane loops: the outbox relay, the
// retry scheduler, and the deliverer that consumes envelopes and performs
// attempts. All three run under one signal-scoped context.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/kafka"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/metrics"
	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// MessageSource is the consuming side of the envelope topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Processor performs one delivery attempt. A nil attempt means the envelope
// was stale, lost the claim, or was deferred.
type Processor interface {
	Process(ctx context.Context, deliveryID string) (*model.DeliveryAttempt, error)
}

// Deliverer:
// - fetches delivery envelopes from Kafka,
// - runs each through the delivery engine on a bounded processor pool,
// - batches attempt rows into the ClickHouse ledger (size/time flush).
//
// Envelopes are committed unconditionally: MySQL is the source of truth and
// the scheduler scan re-finds anything a crashed attempt left behind.
type Deliverer struct {
	Consumer MessageSource
	Engine   Processor
	Attempts repository.AttemptsRepository

	Workers   int           // processor goroutines
	BatchSize int           // max buffered ledger rows per flush
	BatchWait time.Duration // max time to wait before flush
}

// NewDeliverer builds a deliverer with sane defaults.
func NewDeliverer(consumer MessageSource, engine Processor, attempts repository.AttemptsRepository) *Deliverer {
	return &Deliverer{
		Consumer:  consumer,
		Engine:    engine,
		Attempts:  attempts,
		Workers:   32,
		BatchSize: 200,
		BatchWait: 300 * time.Millisecond,
	}
}

// Run starts the deliverer and blocks until ctx is cancelled. On shutdown
// the processor pool drains and the ledger writer flushes what it holds.
func (w *Deliverer) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 32
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}

	// Processor results → ledger batch writer.
	ledgerCh := make(chan model.DeliveryAttempt, w.BatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(ctx, ledgerCh)
	}()

	// Fetch loop → fan-out to processors.
	msgCh := make(chan kafka.Message, w.Workers*2)
	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Error("kafka fetch failed", zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m, ledgerCh)
			}
		}()
	}

	wg.Wait()
	close(ledgerCh)
	<-writerDone
	return nil
}

// processOne parses the envelope, runs the attempt, emits the ledger row,
// and commits the message.
func (w *Deliverer) processOne(ctx context.Context, m kafka.Message, out chan<- model.DeliveryAttempt) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.DeliveryID == "" {
		_ = w.Consumer.Commit(ctx, m) // poison → commit, skip
		if err != nil {
			logger.Log.Warn("bad envelope json", zap.Error(err))
		} else {
			logger.Log.Warn("envelope missing delivery_id")
		}
		return
	}

	attempt, err := w.Engine.Process(ctx, env.DeliveryID)
	if err != nil && ctx.Err() == nil {
		// The row is either unclaimed or stuck in sending; the scheduler
		// scan or the reclaim pass picks it back up.
		logger.Log.Error("delivery attempt failed",
			zap.String("delivery_id", env.DeliveryID), zap.Error(err))
	}
	if attempt != nil {
		out <- *attempt
	}

	if err := w.Consumer.Commit(ctx, m); err != nil && ctx.Err() == nil {
		logger.Log.Error("kafka commit failed", zap.Error(err))
	}
}

// runBatchWriter flushes attempt rows to ClickHouse on size/time triggers.
// A failed flush drops the rows: the ledger is an observability surface,
// MySQL delivery state stays authoritative, and a degraded ClickHouse must
// never block delivery.
func (w *Deliverer) runBatchWriter(ctx context.Context, in <-chan model.DeliveryAttempt) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	batch := make([]model.DeliveryAttempt, 0, w.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Detached from ctx so the shutdown flush still lands.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := w.Attempts.InsertBatch(fctx, batch); err != nil {
			metrics.LedgerFlushTotal.WithLabelValues("error").Inc()
			logger.Log.Error("attempt ledger flush failed, dropping rows",
				zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			metrics.LedgerFlushTotal.WithLabelValues("ok").Inc()
		}
		batch = batch[:0]
	}

	for {
		select {
		case a, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, a)
			if len(batch) >= w.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
