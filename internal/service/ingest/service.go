// Package ingest is the publish side of the gateway: it validates incoming
// events, freezes their canonical wire bytes, and fans them out into one
// pending delivery per matching subscription. Event, deliveries, and outbox
// rows land in a single transaction, so a crash can never publish an event
// without its deliveries or vice versa. Publishing never waits on delivery.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/metrics"
	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/IKRedHat/webhook-gateway/internal/service/ingest")

var (
	// ErrSignatureComputation means the canonical payload could not be
	// rendered. The event row is persisted for audit, no deliveries are
	// created, and the publish call fails.
	ErrSignatureComputation = errors.New("canonical payload computation failed")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionInactive = errors.New("subscription is inactive")

	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrDeliveryInFlight = errors.New("delivery is in flight")
)

// ValidationError rejects malformed publish input. It is returned
// synchronously, never persisted, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Service persists events and fans them out to matching subscriptions.
type Service struct {
	db     *sqlx.DB
	subs   repository.SubscriptionsRepository
	events repository.EventsRepository
	devs   repository.DeliveriesRepository
	outbox repository.OutboxRepository

	topic       string
	maxAttempts int
	now         func() time.Time
}

// New constructs the ingest service. topic is the Kafka topic envelopes are
// relayed to; maxAttempts caps each created delivery. db may be nil in tests
// backed by repository fakes.
func New(
	db *sqlx.DB,
	subs repository.SubscriptionsRepository,
	events repository.EventsRepository,
	devs repository.DeliveriesRepository,
	outbox repository.OutboxRepository,
	topic string,
	maxAttempts int,
) *Service {
	return &Service{
		db:          db,
		subs:        subs,
		events:      events,
		devs:        devs,
		outbox:      outbox,
		topic:       topic,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.db == nil {
		return fn(nil)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// PublishInput is one event as submitted by a producer. ID and OccurredAt
// are optional; the gateway assigns them when absent.
type PublishInput struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	OccurredAt *time.Time      `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	Metadata   model.Tags      `json:"metadata"`
}

func (s *Service) buildEvent(in PublishInput) (model.Event, error) {
	if !model.ValidEventType(in.Type) {
		return model.Event{}, &ValidationError{Field: "type", Reason: "must have the category.action shape"}
	}
	if in.Source == "" {
		return model.Event{}, &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return model.Event{}, &ValidationError{Field: "id", Reason: "must be a UUID"}
	}

	now := s.now().UTC()
	occurred := now
	if in.OccurredAt != nil && !in.OccurredAt.IsZero() {
		occurred = in.OccurredAt.UTC()
	}

	return model.Event{
		ID:         id,
		Type:       in.Type,
		Source:     in.Source,
		OccurredAt: occurred,
		Data:       in.Data,
		Metadata:   in.Metadata,
		CreatedAt:  now,
	}, nil
}

// Publish validates the input, persists the event with its canonical
// payload, and creates one pending delivery plus one outbox row per matching
// active subscription, all atomically. Returns the event id. Zero matches is
// a valid outcome.
func (s *Service) Publish(ctx context.Context, in PublishInput) (string, error) {
	ctx, span := tracer.Start(ctx, "event.publish",
		trace.WithAttributes(attribute.String("event.type", in.Type)))
	defer span.End()

	event, err := s.buildEvent(in)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("invalid").Inc()
		return "", err
	}
	span.SetAttributes(attribute.String("event.id", event.ID))

	payload, err := event.CanonicalPayload()
	if err != nil {
		// Keep the event for audit, create no deliveries.
		if insErr := s.events.Insert(ctx, nil, event); insErr != nil {
			return "", fmt.Errorf("insert event: %w", insErr)
		}
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", ErrSignatureComputation, err)
	}
	event.Payload = payload

	subs, err := s.subs.List(ctx, true)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}

	now := s.now().UTC()
	var deliveries []model.Delivery
	for _, sub := range subs {
		if !sub.Matches(event.Type, event.Metadata) {
			continue
		}
		deliveries = append(deliveries, s.newDelivery(event, sub.ID, now))
	}

	if err := s.persistFanOut(ctx, event, deliveries); err != nil {
		return "", err
	}

	metrics.EventsPublishedTotal.WithLabelValues("accepted").Inc()
	metrics.DeliveriesCreatedTotal.Add(float64(len(deliveries)))
	span.SetAttributes(attribute.Int("event.deliveries", len(deliveries)))
	return event.ID, nil
}

func (s *Service) newDelivery(event model.Event, subscriptionID string, now time.Time) model.Delivery {
	return model.Delivery{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		SubscriptionID: subscriptionID,
		EventType:      event.Type,
		MaxAttempts:    s.maxAttempts,
		Status:         model.DeliveryPending,
		ScheduledAt:    now,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) persistFanOut(ctx context.Context, event model.Event, deliveries []model.Delivery) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.events.Insert(ctx, tx, event); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if err := s.devs.InsertBatch(ctx, tx, deliveries); err != nil {
			return fmt.Errorf("insert deliveries: %w", err)
		}
		for _, d := range deliveries {
			env, err := json.Marshal(model.Envelope{
				DeliveryID:     d.ID,
				EventID:        d.EventID,
				SubscriptionID: d.SubscriptionID,
				EventType:      d.EventType,
			})
			if err != nil {
				return fmt.Errorf("marshal envelope: %w", err)
			}
			if err := s.outbox.Insert(ctx, tx, "delivery", d.ID, s.topic, env); err != nil {
				return fmt.Errorf("insert outbox: %w", err)
			}
		}
		return nil
	})
}

// BatchResult is the outcome of one item of PublishBatch.
type BatchResult struct {
	Index   int
	EventID string
	Err     error
}

// PublishBatch publishes each item independently, one transaction per item;
// a malformed item fails alone and aborts nothing else. Results are returned
// in input order.
func (s *Service) PublishBatch(ctx context.Context, items []PublishInput) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, in := range items {
		id, err := s.Publish(ctx, in)
		results[i] = BatchResult{Index: i, EventID: id, Err: err}
	}
	return results
}

// TestDelivery synthesizes a subscription.test event and enqueues exactly
// one delivery for the given subscription, bypassing the matcher. Returns
// the event and delivery ids.
func (s *Service) TestDelivery(ctx context.Context, subscriptionID string) (eventID, deliveryID string, err error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return "", "", fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return "", "", ErrSubscriptionNotFound
	}
	if !sub.Active {
		return "", "", ErrSubscriptionInactive
	}

	now := s.now().UTC()
	data, _ := json.Marshal(map[string]string{"subscription_id": sub.ID, "name": sub.Name})
	event := model.Event{
		ID:         uuid.NewString(),
		Type:       "subscription.test",
		Source:     "webhook-gateway",
		OccurredAt: now,
		Data:       data,
		CreatedAt:  now,
	}
	payload, err := event.CanonicalPayload()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSignatureComputation, err)
	}
	event.Payload = payload

	delivery := s.newDelivery(event, sub.ID, now)
	if err := s.persistFanOut(ctx, event, []model.Delivery{delivery}); err != nil {
		return "", "", err
	}
	metrics.DeliveriesCreatedTotal.Inc()
	return event.ID, delivery.ID, nil
}

// RetryDelivery grants one more attempt to a delivery that is not in
// flight: the row returns to pending with max_attempts = attempt_number+1,
// due immediately, and a fresh envelope goes out through the outbox. Works
// on any state except sending, terminal ones included.
func (s *Service) RetryDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := s.devs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	if d == nil {
		return nil, ErrDeliveryNotFound
	}
	if d.Status == model.DeliverySending {
		return nil, ErrDeliveryInFlight
	}

	env, err := json.Marshal(model.Envelope{
		DeliveryID:     d.ID,
		EventID:        d.EventID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	now := s.now().UTC()
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.devs.ResetForRetry(ctx, tx, id, now)
		if err != nil {
			return fmt.Errorf("reset delivery %s: %w", id, err)
		}
		if !ok {
			// Claimed between the read above and now.
			return ErrDeliveryInFlight
		}
		if err := s.outbox.Insert(ctx, tx, "delivery", d.ID, s.topic, env); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.devs.Get(ctx, id)
}
