// Package repotest provides in-memory fakes of the repository interfaces
// for unit tests. Each fake mirrors the SQL semantics of its real
// counterpart (conditional transitions, ordering, limits) without a
// database. Tx arguments are accepted and ignored; tests needing a failing
// repository embed a fake and override the method.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

// FakeSubscriptions is an in-memory repository.SubscriptionsRepository.
type FakeSubscriptions struct {
	mu   sync.Mutex
	rows map[string]model.Subscription
}

var _ repository.SubscriptionsRepository = (*FakeSubscriptions)(nil)

func NewFakeSubscriptions() *FakeSubscriptions {
	return &FakeSubscriptions{rows: make(map[string]model.Subscription)}
}

func (f *FakeSubscriptions) Insert(_ context.Context, s model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID] = s
	return nil
}

func (f *FakeSubscriptions) Get(_ context.Context, id string) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *FakeSubscriptions) List(_ context.Context, activeOnly bool) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Subscription, 0, len(f.rows))
	for _, s := range f.rows {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeSubscriptions) Update(_ context.Context, s model.Subscription) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[s.ID]
	if !ok {
		return false, nil
	}
	s.Secret = cur.Secret // never updated through this path
	s.Active = cur.Active
	s.RetiredAt = cur.RetiredAt
	s.CreatedAt = cur.CreatedAt
	f.rows[s.ID] = s
	return true, nil
}

func (f *FakeSubscriptions) UpdateSecret(_ context.Context, id, secret string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	s.Secret = secret
	s.UpdatedAt = now
	f.rows[id] = s
	return true, nil
}

func (f *FakeSubscriptions) SetActive(_ context.Context, _ *sqlx.Tx, id string, active bool, retiredAt *time.Time, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	s.Active = active
	s.RetiredAt = retiredAt
	s.UpdatedAt = now
	f.rows[id] = s
	return true, nil
}

func (f *FakeSubscriptions) Delete(_ context.Context, _ *sqlx.Tx, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

// FakeEvents is an in-memory repository.EventsRepository.
type FakeEvents struct {
	mu   sync.Mutex
	rows map[string]model.Event
}

var _ repository.EventsRepository = (*FakeEvents)(nil)

func NewFakeEvents() *FakeEvents {
	return &FakeEvents{rows: make(map[string]model.Event)}
}

func (f *FakeEvents) Insert(_ context.Context, _ *sqlx.Tx, e model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = e
	return nil
}

func (f *FakeEvents) Get(_ context.Context, id string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Len reports how many events are stored.
func (f *FakeEvents) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// FakeDeliveries is an in-memory repository.DeliveriesRepository. The
// conditional transitions (Claim, Release, RecordOutcome, the cancel paths)
// behave exactly like their UPDATE ... WHERE status = ... counterparts.
type FakeDeliveries struct {
	mu   sync.Mutex
	rows map[string]model.Delivery
}

var _ repository.DeliveriesRepository = (*FakeDeliveries)(nil)

func NewFakeDeliveries() *FakeDeliveries {
	return &FakeDeliveries{rows: make(map[string]model.Delivery)}
}

// Put seeds or overwrites a row directly.
func (f *FakeDeliveries) Put(d model.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[d.ID] = d
}

// All returns a snapshot of every row.
func (f *FakeDeliveries) All() []model.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Delivery, 0, len(f.rows))
	for _, d := range f.rows {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeDeliveries) InsertBatch(_ context.Context, _ *sqlx.Tx, rows []model.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range rows {
		f.rows[d.ID] = d
	}
	return nil
}

func (f *FakeDeliveries) Get(_ context.Context, id string) (*model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *FakeDeliveries) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	if d.Status != model.DeliveryPending && d.Status != model.DeliveryRetrying {
		return false, nil
	}
	if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
		return false, nil
	}
	d.Status = model.DeliverySending
	d.UpdatedAt = now
	f.rows[id] = d
	return true, nil
}

func (f *FakeDeliveries) Release(_ context.Context, id string, backTo model.DeliveryStatus, nextRetryAt, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.Status != model.DeliverySending {
		return false, nil
	}
	d.Status = backTo
	d.NextRetryAt = &nextRetryAt
	d.UpdatedAt = now
	f.rows[id] = d
	return true, nil
}

func (f *FakeDeliveries) RecordOutcome(_ context.Context, in model.Delivery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[in.ID]
	if !ok || d.Status != model.DeliverySending {
		return false, nil
	}
	d.AttemptNumber = in.AttemptNumber
	d.Status = in.Status
	d.HTTPStatus = in.HTTPStatus
	d.Error = in.Error
	d.ErrorKind = in.ErrorKind
	d.AttemptedAt = in.AttemptedAt
	d.NextRetryAt = in.NextRetryAt
	d.LatencyMs = in.LatencyMs
	d.UpdatedAt = in.UpdatedAt
	f.rows[in.ID] = d
	return true, nil
}

func (f *FakeDeliveries) CancelOne(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	if d.Status != model.DeliveryPending && d.Status != model.DeliveryRetrying {
		return false, nil
	}
	d.Status = model.DeliveryCancelled
	d.NextRetryAt = nil
	d.UpdatedAt = now
	f.rows[id] = d
	return true, nil
}

func (f *FakeDeliveries) CancelBySubscription(_ context.Context, _ *sqlx.Tx, subscriptionID string, from []model.DeliveryStatus, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.rows {
		if d.SubscriptionID != subscriptionID {
			continue
		}
		match := false
		for _, s := range from {
			if d.Status == s {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		d.Status = model.DeliveryCancelled
		d.NextRetryAt = nil
		d.UpdatedAt = now
		f.rows[id] = d
		n++
	}
	return n, nil
}

func (f *FakeDeliveries) ListDue(_ context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []model.Delivery
	for _, d := range f.rows {
		if d.Status != model.DeliveryPending && d.Status != model.DeliveryRetrying {
			continue
		}
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeDeliveries) ReclaimStuck(_ context.Context, abandonedBefore, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.rows {
		if d.Status != model.DeliverySending || !d.UpdatedAt.Before(abandonedBefore) {
			continue
		}
		d.Status = model.DeliveryRetrying
		d.NextRetryAt = &now
		d.UpdatedAt = now
		f.rows[id] = d
		n++
	}
	return n, nil
}

func (f *FakeDeliveries) ResetForRetry(_ context.Context, _ *sqlx.Tx, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.Status == model.DeliverySending {
		return false, nil
	}
	d.Status = model.DeliveryPending
	d.NextRetryAt = &now
	d.MaxAttempts = d.AttemptNumber + 1
	d.UpdatedAt = now
	f.rows[id] = d
	return true, nil
}

func (f *FakeDeliveries) List(_ context.Context, subscriptionID string, status model.DeliveryStatus, limit int) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var out []model.Delivery
	for _, d := range f.rows {
		if subscriptionID != "" && d.SubscriptionID != subscriptionID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeDeliveries) ListDueRetries(_ context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var out []model.Delivery
	for _, d := range f.rows {
		if d.Status != model.DeliveryRetrying {
			continue
		}
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeDeliveries) CountByStatus(_ context.Context) ([]repository.StatusCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int64{}
	for _, d := range f.rows {
		counts[d.Status.String()]++
	}
	out := make([]repository.StatusCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, repository.StatusCount{Status: s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (f *FakeDeliveries) CountByEventType(_ context.Context, limit int) ([]repository.EventTypeCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	counts := map[string]int64{}
	for _, d := range f.rows {
		counts[d.EventType]++
	}
	out := make([]repository.EventTypeCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, repository.EventTypeCount{EventType: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FakeOutbox is an in-memory repository.OutboxRepository.
type FakeOutbox struct {
	mu     sync.Mutex
	nextID int64
	rows   []model.OutboxEvent
}

var _ repository.OutboxRepository = (*FakeOutbox)(nil)

func NewFakeOutbox() *FakeOutbox {
	return &FakeOutbox{nextID: 1}
}

// All returns a snapshot of every row.
func (f *FakeOutbox) All() []model.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OutboxEvent, len(f.rows))
	copy(out, f.rows)
	return out
}

func (f *FakeOutbox) Insert(_ context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.rows = append(f.rows, model.OutboxEvent{
		ID:          f.nextID,
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Topic:       topic,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	f.nextID++
	return nil
}

func (f *FakeOutbox) ListUnpublished(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []model.OutboxEvent
	for _, row := range f.rows {
		if row.PublishedAt != nil {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FakeOutbox) MarkPublished(_ context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		for _, id := range ids {
			if f.rows[i].ID == id {
				t := at
				f.rows[i].PublishedAt = &t
				f.rows[i].UpdatedAt = at
			}
		}
	}
	return nil
}

func (f *FakeOutbox) IncrementAttempts(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		for _, id := range ids {
			if f.rows[i].ID == id {
				f.rows[i].Attempts++
			}
		}
	}
	return nil
}

// FakeAttempts is an in-memory repository.AttemptsRepository.
type FakeAttempts struct {
	mu   sync.Mutex
	rows []model.DeliveryAttempt
}

var _ repository.AttemptsRepository = (*FakeAttempts)(nil)

func NewFakeAttempts() *FakeAttempts {
	return &FakeAttempts{}
}

// All returns a snapshot of every ledger row.
func (f *FakeAttempts) All() []model.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DeliveryAttempt, len(f.rows))
	copy(out, f.rows)
	return out
}

func (f *FakeAttempts) InsertBatch(_ context.Context, rows []model.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *FakeAttempts) ListByDelivery(_ context.Context, deliveryID string, limit int) ([]model.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []model.DeliveryAttempt
	for _, a := range f.rows {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeAttempts) Stats(_ context.Context) (*repository.AttemptStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &repository.AttemptStats{Outcomes: map[string]int64{}}
	var latencySum float64
	for _, a := range f.rows {
		stats.Outcomes[a.Outcome]++
		stats.Total++
		latencySum += float64(a.LatencyMs)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Outcomes["success"]) / float64(stats.Total)
		stats.AvgLatencyMs = latencySum / float64(stats.Total)
	}
	return stats, nil
}
