package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intptr(i int) *int { return &i }

func newTestService() (*Service, *repotest.FakeSubscriptions, *repotest.FakeDeliveries) {
	subs := repotest.NewFakeSubscriptions()
	devs := repotest.NewFakeDeliveries()
	svc := New(nil, subs, devs)
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }
	return svc, subs, devs
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:   "ci-bot",
		URL:    "https://hooks.example.com/ci",
		Events: []string{"build.*", "deploy.completed"},
		Filters: model.Tags{
			"project": "gateway",
		},
		RateLimit: intptr(120),
	})
	require.NoError(t, err)

	assert.Len(t, sub.ID, 26) // ULID
	assert.True(t, strings.HasPrefix(sub.Secret, "whsec_"))
	assert.True(t, sub.Active)
	assert.Nil(t, sub.RetiredAt)
	require.NotNil(t, sub.RateLimit)
	assert.Equal(t, 120, *sub.RateLimit)

	// The stored row carries the same secret the caller saw.
	stored, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Secret, stored.Secret)
}

func TestCreateNormalizesRateLimit(t *testing.T) {
	svc, _, _ := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:      "unlimited",
		URL:       "https://hooks.example.com",
		Events:    []string{"build.completed"},
		RateLimit: intptr(0),
	})
	require.NoError(t, err)
	assert.Nil(t, sub.RateLimit)
	assert.Equal(t, 0, sub.RateLimitPerMinute())
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"relative url", CreateInput{URL: "/hooks", Events: []string{"build.completed"}}, ErrInvalidURL},
		{"no host", CreateInput{URL: "https://", Events: []string{"build.completed"}}, ErrInvalidURL},
		{"no scheme", CreateInput{URL: "hooks.example.com/ci", Events: []string{"build.completed"}}, ErrInvalidURL},
		{"no events", CreateInput{URL: "https://hooks.example.com"}, ErrInvalidEventPattern},
		{"bare star", CreateInput{URL: "https://hooks.example.com", Events: []string{"*"}}, ErrInvalidEventPattern},
		{"one segment", CreateInput{URL: "https://hooks.example.com", Events: []string{"build"}}, ErrInvalidEventPattern},
		{"one bad among good", CreateInput{URL: "https://hooks.example.com", Events: []string{"build.completed", "x y.z"}}, ErrInvalidEventPattern},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Get(context.Background(), "01J0000000000000000000000X")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePartial(t *testing.T) {
	svc, _, _ := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:   "ci-bot",
		URL:    "https://hooks.example.com/ci",
		Events: []string{"build.*"},
	})
	require.NoError(t, err)

	name := "ci-bot-v2"
	updated, err := svc.Update(context.Background(), sub.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "ci-bot-v2", updated.Name)
	assert.Equal(t, sub.URL, updated.URL)
	assert.Equal(t, sub.Events, updated.Events)

	// The secret survives any update.
	stored, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Secret, stored.Secret)

	badURL := "not-a-url"
	_, err = svc.Update(context.Background(), sub.ID, UpdateInput{URL: &badURL})
	assert.ErrorIs(t, err, ErrInvalidURL)

	badEvents := []string{"nodots"}
	_, err = svc.Update(context.Background(), sub.ID, UpdateInput{Events: &badEvents})
	assert.ErrorIs(t, err, ErrInvalidEventPattern)

	_, err = svc.Update(context.Background(), "missing", UpdateInput{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateClearsRateLimit(t *testing.T) {
	svc, _, _ := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:      "throttled",
		URL:       "https://hooks.example.com",
		Events:    []string{"build.completed"},
		RateLimit: intptr(60),
	})
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), sub.ID, UpdateInput{RateLimit: intptr(0)})
	require.NoError(t, err)
	assert.Nil(t, updated.RateLimit)
}

func TestRotateSecret(t *testing.T) {
	svc, _, _ := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:   "rotate-me",
		URL:    "https://hooks.example.com",
		Events: []string{"build.completed"},
	})
	require.NoError(t, err)

	rotated, err := svc.RotateSecret(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rotated.Secret, "whsec_"))
	assert.NotEqual(t, sub.Secret, rotated.Secret)

	stored, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, rotated.Secret, stored.Secret)

	_, err = svc.RotateSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func seedDelivery(devs *repotest.FakeDeliveries, id, subID string, status model.DeliveryStatus, next *time.Time) {
	devs.Put(model.Delivery{
		ID:             id,
		EventID:        "evt-1",
		SubscriptionID: subID,
		EventType:      "build.completed",
		MaxAttempts:    5,
		Status:         status,
		NextRetryAt:    next,
	})
}

func TestToggleDeactivateCancelsScheduledDeliveries(t *testing.T) {
	svc, _, devs := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:   "flappy",
		URL:    "https://hooks.example.com",
		Events: []string{"build.*"},
	})
	require.NoError(t, err)

	due := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	seedDelivery(devs, "d-pending", sub.ID, model.DeliveryPending, &due)
	seedDelivery(devs, "d-retrying", sub.ID, model.DeliveryRetrying, &due)
	seedDelivery(devs, "d-sending", sub.ID, model.DeliverySending, nil)
	seedDelivery(devs, "d-done", sub.ID, model.DeliverySuccess, nil)
	seedDelivery(devs, "d-other", "other-sub", model.DeliveryPending, &due)

	toggled, cancelled, err := svc.Toggle(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Active)
	require.NotNil(t, toggled.RetiredAt)
	assert.EqualValues(t, 2, cancelled)

	byID := map[string]model.DeliveryStatus{}
	for _, d := range devs.All() {
		byID[d.ID] = d.Status
	}
	assert.Equal(t, model.DeliveryCancelled, byID["d-pending"])
	assert.Equal(t, model.DeliveryCancelled, byID["d-retrying"])
	assert.Equal(t, model.DeliverySending, byID["d-sending"]) // finishes its attempt
	assert.Equal(t, model.DeliverySuccess, byID["d-done"])
	assert.Equal(t, model.DeliveryPending, byID["d-other"])

	// Re-activation clears retired_at and resurrects nothing.
	toggled, cancelled, err = svc.Toggle(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, toggled.Active)
	assert.Nil(t, toggled.RetiredAt)
	assert.Zero(t, cancelled)

	after, err := devs.Get(context.Background(), "d-pending")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, after.Status)
}

func TestDeleteCancelsAllNonTerminal(t *testing.T) {
	svc, _, devs := newTestService()

	sub, err := svc.Create(context.Background(), CreateInput{
		Name:   "doomed",
		URL:    "https://hooks.example.com",
		Events: []string{"build.*"},
	})
	require.NoError(t, err)

	due := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	seedDelivery(devs, "d-pending", sub.ID, model.DeliveryPending, &due)
	seedDelivery(devs, "d-sending", sub.ID, model.DeliverySending, nil)
	seedDelivery(devs, "d-retrying", sub.ID, model.DeliveryRetrying, &due)
	seedDelivery(devs, "d-dead", sub.ID, model.DeliveryDead, nil)

	cancelled, err := svc.Delete(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cancelled)

	_, err = svc.Get(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	byID := map[string]model.DeliveryStatus{}
	for _, d := range devs.All() {
		byID[d.ID] = d.Status
	}
	assert.Equal(t, model.DeliveryCancelled, byID["d-pending"])
	assert.Equal(t, model.DeliveryCancelled, byID["d-sending"])
	assert.Equal(t, model.DeliveryCancelled, byID["d-retrying"])
	assert.Equal(t, model.DeliveryDead, byID["d-dead"])

	_, err = svc.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilters(t *testing.T) {
	svc, _, _ := newTestService()

	mk := func(name string, events []string) *model.Subscription {
		sub, err := svc.Create(context.Background(), CreateInput{
			Name:   name,
			URL:    "https://hooks.example.com/" + name,
			Events: events,
		})
		require.NoError(t, err)
		return sub
	}
	builds := mk("builds", []string{"build.*"})
	deploys := mk("deploys", []string{"deploy.completed"})
	inactive := mk("inactive", []string{"build.completed"})
	_, _, err := svc.Toggle(context.Background(), inactive.ID)
	require.NoError(t, err)

	all, err := svc.List(context.Background(), false, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := svc.List(context.Background(), true, "")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	matching, err := svc.List(context.Background(), false, "build.completed")
	require.NoError(t, err)
	ids := make([]string, 0, len(matching))
	for _, s := range matching {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, builds.ID)
	assert.Contains(t, ids, inactive.ID) // pattern filter, not activity filter
	assert.NotContains(t, ids, deploys.ID)
}
