package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/metrics"
	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/ratelimit"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/IKRedHat/webhook-gateway/internal/delivery")

// Engine performs one delivery attempt end to end: claim, rate limit, send,
// decide, record. It is the single place a delivery transitions out of
// pending/retrying, so duplicate envelopes from the outbox relay and the
// scheduler collapse into exactly one attempt.
type Engine struct {
	subs   repository.SubscriptionsRepository
	events repository.EventsRepository
	devs   repository.DeliveriesRepository

	limiter  *ratelimit.Limiter
	inflight *ratelimit.InFlight
	breakers *BreakerSet
	sender   *Sender

	// deferFor is how far a rate-limited attempt is pushed out. One
	// scheduler tick keeps deferred rows hot without busy-looping.
	deferFor time.Duration

	now func() time.Time
}

// NewEngine wires the delivery engine.
func NewEngine(
	subs repository.SubscriptionsRepository,
	events repository.EventsRepository,
	devs repository.DeliveriesRepository,
	limiter *ratelimit.Limiter,
	inflight *ratelimit.InFlight,
	breakers *BreakerSet,
	sender *Sender,
	deferFor time.Duration,
) *Engine {
	if deferFor <= 0 {
		deferFor = time.Second
	}
	return &Engine{
		subs:     subs,
		events:   events,
		devs:     devs,
		limiter:  limiter,
		inflight: inflight,
		breakers: breakers,
		sender:   sender,
		deferFor: deferFor,
		now:      time.Now,
	}
}

// Process runs one attempt for the delivery. It returns the ledger row for
// a performed attempt, or nil when the envelope was stale, lost the claim,
// or was deferred by a limiter or an open endpoint breaker. A non-nil error
// means infrastructure failure; the delivery row itself is left for the
// reclaim pass.
func (e *Engine) Process(ctx context.Context, deliveryID string) (*model.DeliveryAttempt, error) {
	d, err := e.devs.Get(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	if d == nil || d.Status.Terminal() {
		return nil, nil // stale envelope
	}

	sub, err := e.subs.Get(ctx, d.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || !sub.Active {
		// The subscription went away after fan-out; retire the row before
		// it is ever claimed.
		if _, err := e.devs.CancelOne(ctx, d.ID, e.now().UTC()); err != nil {
			return nil, fmt.Errorf("cancel delivery: %w", err)
		}
		if sub == nil {
			e.limiter.Remove(d.SubscriptionID)
			e.breakers.Remove(d.SubscriptionID)
		}
		logger.Log.Info("delivery cancelled, subscription unavailable",
			zap.String("delivery_id", d.ID),
			zap.String("subscription_id", d.SubscriptionID))
		return nil, nil
	}

	event, err := e.events.Get(ctx, d.EventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if event == nil {
		return nil, fmt.Errorf("event %s missing for delivery %s", d.EventID, d.ID)
	}

	claimedAt := e.now().UTC()
	won, err := e.devs.Claim(ctx, d.ID, claimedAt)
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if !won {
		return nil, nil // another worker owns this attempt, or it is not due yet
	}
	priorStatus := d.Status

	// Global slot first: it is returnable, a consumed token is not.
	if !e.inflight.TryAcquire() {
		metrics.RateLimitDeferralsTotal.WithLabelValues("global").Inc()
		return nil, e.deferAttempt(ctx, d.ID, priorStatus)
	}
	defer e.inflight.Release()

	if !e.limiter.Allow(sub.ID, sub.RateLimitPerMinute()) {
		metrics.RateLimitDeferralsTotal.WithLabelValues("subscription").Inc()
		return nil, e.deferAttempt(ctx, d.ID, priorStatus)
	}

	if !e.breakers.TryAcquire(sub.ID) {
		metrics.RateLimitDeferralsTotal.WithLabelValues("breaker").Inc()
		return nil, e.deferAttempt(ctx, d.ID, priorStatus)
	}

	return e.attempt(ctx, d, sub, event)
}

// deferAttempt returns a claimed row to its prior status without counting
// an attempt. Rate limiting is not a failure.
func (e *Engine) deferAttempt(ctx context.Context, id string, backTo model.DeliveryStatus) error {
	now := e.now().UTC()
	if _, err := e.devs.Release(ctx, id, backTo, now.Add(e.deferFor), now); err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// attempt performs the HTTP call against a claimed row and finalizes it.
func (e *Engine) attempt(ctx context.Context, d *model.Delivery, sub *model.Subscription, event *model.Event) (*model.DeliveryAttempt, error) {
	attemptNo := d.AttemptNumber + 1

	ctx, span := tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("delivery.id", d.ID),
		attribute.String("event.id", d.EventID),
		attribute.String("subscription.id", d.SubscriptionID),
		attribute.Int("delivery.attempt", attemptNo),
	))
	defer span.End()

	res := e.sender.Send(ctx, sub, event, d)
	now := e.now().UTC()

	status, errMsg, errKind := e.decide(ctx, d, sub.ID, res, attemptNo)
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.String("delivery.outcome", status.String()),
	)

	// A receiver fault still proves the endpoint is up; only transient
	// failures count against its breaker.
	if errKind == model.ErrorKindTransient.String() {
		e.breakers.OnFailure(sub.ID)
	} else {
		e.breakers.OnSuccess(sub.ID)
	}

	d.AttemptNumber = attemptNo
	d.Status = status
	d.HTTPStatus = res.StatusCode
	d.Error = errMsg
	d.ErrorKind = errKind
	d.AttemptedAt = &now
	d.LatencyMs = res.LatencyMs
	d.UpdatedAt = now
	d.NextRetryAt = nil
	if status == model.DeliveryRetrying {
		next := NextRetryAt(now, attemptNo+1)
		d.NextRetryAt = &next
	}

	if _, err := e.devs.RecordOutcome(ctx, *d); err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	metrics.DeliveryAttemptsTotal.WithLabelValues(status.String(), errKind).Inc()
	metrics.DeliveryLatencySeconds.Observe(float64(res.LatencyMs) / 1000.0)

	if status == model.DeliveryDead {
		logger.Log.Warn("delivery exhausted",
			zap.String("delivery_id", d.ID),
			zap.String("subscription_id", d.SubscriptionID),
			zap.Int("attempts", attemptNo),
			zap.Int("http_status", res.StatusCode),
			zap.String("error", errMsg))
	}

	return &model.DeliveryAttempt{
		DeliveryID:     d.ID,
		EventID:        d.EventID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		AttemptNumber:  attemptNo,
		Outcome:        status.String(),
		HTTPStatus:     res.StatusCode,
		Error:          errMsg,
		ErrorKind:      errKind,
		ResponseBody:   res.Body,
		LatencyMs:      res.LatencyMs,
		AttemptedAt:    now,
	}, nil
}

const maxErrorLen = 1024

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

// decide maps an HTTP result onto the next delivery state.
func (e *Engine) decide(ctx context.Context, d *model.Delivery, subID string, res Result, attemptNo int) (model.DeliveryStatus, string, string) {
	if res.Err == nil && res.StatusCode >= 200 && res.StatusCode < 300 {
		return model.DeliverySuccess, "", ""
	}

	var errMsg string
	var kind model.ErrorKind
	switch {
	case res.Err != nil:
		// net/http errors embed the full URL; the error column holds 1024.
		errMsg = truncateError(res.Err.Error())
		kind = model.ErrorKindTransient
	case res.StatusCode >= 500 || res.StatusCode == 429:
		errMsg = fmt.Sprintf("endpoint returned %d", res.StatusCode)
		kind = model.ErrorKindTransient
	default:
		errMsg = fmt.Sprintf("endpoint returned %d", res.StatusCode)
		kind = model.ErrorKindReceiver
	}

	// A subscription deactivated or deleted while the request was in
	// flight: finish this attempt but do not schedule another.
	if cur, err := e.subs.Get(ctx, subID); err == nil && (cur == nil || !cur.Active) {
		return model.DeliveryCancelled, errMsg, kind.String()
	}

	if attemptNo >= d.MaxAttempts {
		return model.DeliveryDead, errMsg, kind.String()
	}
	return model.DeliveryRetrying, errMsg, kind.String()
}
