// Package registry owns the subscription lifecycle: create, update, secret
// rotation, activation toggling, and deletion. The two destructive paths
// (deactivate, delete) cancel the subscription's outstanding deliveries in
// the same transaction so no orphaned retry can fire afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/IKRedHat/webhook-gateway/internal/signature"
	"github.com/IKRedHat/webhook-gateway/internal/util"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound            = errors.New("subscription not found")
	ErrInvalidURL          = errors.New("url must be absolute with scheme and host")
	ErrInvalidEventPattern = errors.New("events must contain at least one valid pattern")
)

// Service mutates subscriptions and keeps delivery state consistent with
// them.
type Service struct {
	db   *sqlx.DB
	subs repository.SubscriptionsRepository
	devs repository.DeliveriesRepository

	now func() time.Time
}

// New constructs the registry service. db may be nil in tests backed by
// repository fakes; transactional methods then call the repositories with a
// nil tx.
func New(db *sqlx.DB, subs repository.SubscriptionsRepository, devs repository.DeliveriesRepository) *Service {
	return &Service{
		db:   db,
		subs: subs,
		devs: devs,
		now:  time.Now,
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

// CreateInput carries the fields accepted at subscription creation.
type CreateInput struct {
	Name      string
	URL       string
	Events    []string
	Filters   model.Tags
	RateLimit *int
}

// UpdateInput carries a partial update; nil fields are left untouched. An
// explicit RateLimit <= 0 clears the budget (unlimited). The secret is not
// updatable here; use RotateSecret.
type UpdateInput struct {
	Name      *string
	URL       *string
	Events    *[]string
	Filters   *model.Tags
	RateLimit *int
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func validatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return ErrInvalidEventPattern
	}
	for _, p := range patterns {
		if !model.ValidEventPattern(p) {
			return fmt.Errorf("%w: %q", ErrInvalidEventPattern, p)
		}
	}
	return nil
}

func normalizeRateLimit(rl *int) *int {
	if rl == nil || *rl <= 0 {
		return nil
	}
	return rl
}

// Create validates and persists a new active subscription. The returned
// value carries the generated secret; this is the only code path besides
// RotateSecret where the secret leaves the service.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Subscription, error) {
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validatePatterns(in.Events); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := model.Subscription{
		ID:        util.New(),
		Name:      in.Name,
		URL:       in.URL,
		Secret:    signature.GenerateSecret(),
		Events:    in.Events,
		Filters:   in.Filters,
		RateLimit: normalizeRateLimit(in.RateLimit),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subs.Insert(ctx, sub); err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	return &sub, nil
}

// Get returns one subscription or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// List returns subscriptions, optionally restricted to active ones and to
// those whose patterns match eventType. The pattern filter runs in-process:
// patterns live in a JSON column and the list is registry-sized, not
// delivery-sized.
func (s *Service) List(ctx context.Context, activeOnly bool, eventType string) ([]model.Subscription, error) {
	subs, err := s.subs.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if eventType == "" {
		return subs, nil
	}

	filtered := subs[:0]
	for _, sub := range subs {
		for _, p := range sub.Events {
			if model.PatternMatches(p, eventType) {
				filtered = append(filtered, sub)
				break
			}
		}
	}
	return filtered, nil
}

// Update applies a partial mutation. Everything except the secret and the
// active flag is updatable here.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		sub.Name = *in.Name
	}
	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		sub.URL = *in.URL
	}
	if in.Events != nil {
		if err := validatePatterns(*in.Events); err != nil {
			return nil, err
		}
		sub.Events = *in.Events
	}
	if in.Filters != nil {
		sub.Filters = *in.Filters
	}
	if in.RateLimit != nil {
		sub.RateLimit = normalizeRateLimit(in.RateLimit)
	}
	sub.UpdatedAt = s.now().UTC()

	ok, err := s.subs.Update(ctx, *sub)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// RotateSecret replaces the signing secret and returns the subscription
// with the new secret set. The old secret is invalid immediately; retries
// re-read the subscription per attempt and re-sign with the new one.
func (s *Service) RotateSecret(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	secret := signature.GenerateSecret()
	now := s.now().UTC()
	ok, err := s.subs.UpdateSecret(ctx, id, secret, now)
	if err != nil {
		return nil, fmt.Errorf("rotate secret: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	sub.Secret = secret
	sub.UpdatedAt = now
	return sub, nil
}

// Toggle flips the active flag. Deactivation stamps retired_at and cancels
// the subscription's pending and retrying deliveries in the same
// transaction; attempts already in sending are finalized by the engine.
// Re-activation clears retired_at and resurrects nothing. Returns the
// updated subscription and the number of deliveries cancelled.
func (s *Service) Toggle(ctx context.Context, id string) (*model.Subscription, int64, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	now := s.now().UTC()
	active := !sub.Active

	var retiredAt *time.Time
	if !active {
		retiredAt = &now
	}

	var cancelled int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.subs.SetActive(ctx, tx, id, active, retiredAt, now)
		if err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if !active {
			cancelled, err = s.devs.CancelBySubscription(ctx, tx, id,
				[]model.DeliveryStatus{model.DeliveryPending, model.DeliveryRetrying}, now)
			if err != nil {
				return fmt.Errorf("cancel deliveries: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sub.Active = active
	sub.RetiredAt = retiredAt
	sub.UpdatedAt = now
	return sub, cancelled, nil
}

// Delete cancels every non-terminal delivery for the subscription and
// hard-deletes the row, atomically. Returns the number cancelled.
func (s *Service) Delete(ctx context.Context, id string) (int64, error) {
	now := s.now().UTC()

	var cancelled int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		cancelled, err = s.devs.CancelBySubscription(ctx, tx, id,
			[]model.DeliveryStatus{model.DeliveryPending, model.DeliverySending, model.DeliveryRetrying}, now)
		if err != nil {
			return fmt.Errorf("cancel deliveries: %w", err)
		}

		ok, err := s.subs.Delete(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}
