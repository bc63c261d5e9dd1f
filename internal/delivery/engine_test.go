package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/ratelimit"
	"github.com/IKRedHat/webhook-gateway/internal/repository/repotest"
	"github.com/IKRedHat/webhook-gateway/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineStart = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

type engineDeps struct {
	subs     *repotest.FakeSubscriptions
	events   *repotest.FakeEvents
	devs     *repotest.FakeDeliveries
	inflight *ratelimit.InFlight
}

func newTestEngine(t *testing.T, maxInFlight int) (*Engine, engineDeps, *time.Time) {
	t.Helper()
	deps := engineDeps{
		subs:     repotest.NewFakeSubscriptions(),
		events:   repotest.NewFakeEvents(),
		devs:     repotest.NewFakeDeliveries(),
		inflight: ratelimit.NewInFlight(maxInFlight),
	}
	eng := NewEngine(deps.subs, deps.events, deps.devs,
		ratelimit.New(), deps.inflight, NewBreakerSet(10, 30*time.Second),
		NewSender(2*time.Second, "webhook-gateway/1.0"), time.Second)

	current := engineStart
	eng.now = func() time.Time { return current }
	eng.breakers.now = eng.now
	return eng, deps, &current
}

func seedSubscription(t *testing.T, deps engineDeps, id, url string, rateLimit *int, active bool) *model.Subscription {
	t.Helper()
	sub := model.Subscription{
		ID:        id,
		Name:      id,
		URL:       url,
		Secret:    "whsec_live_" + id,
		Events:    []string{"build.*"},
		RateLimit: rateLimit,
		Active:    active,
	}
	require.NoError(t, deps.subs.Insert(context.Background(), sub))
	return &sub
}

func seedEvent(t *testing.T, deps engineDeps, id string) *model.Event {
	t.Helper()
	e := model.Event{
		ID:         id,
		Type:       "build.completed",
		Source:     "ci",
		OccurredAt: engineStart,
		Data:       []byte(`{"job":"x"}`),
	}
	payload, err := e.CanonicalPayload()
	require.NoError(t, err)
	e.Payload = payload
	require.NoError(t, deps.events.Insert(context.Background(), nil, e))
	return &e
}

func seedDue(deps engineDeps, id, eventID, subID string, status model.DeliveryStatus, attemptNumber, maxAttempts int, due time.Time) {
	deps.devs.Put(model.Delivery{
		ID:             id,
		EventID:        eventID,
		SubscriptionID: subID,
		EventType:      "build.completed",
		AttemptNumber:  attemptNumber,
		MaxAttempts:    maxAttempts,
		Status:         status,
		ScheduledAt:    due,
		NextRetryAt:    &due,
	})
}

// capturingReceiver is an httptest handler that replays a scripted status
// sequence and records every request it sees.
type capturingReceiver struct {
	mu       sync.Mutex
	statuses []int
	hits     int
	headers  []http.Header
	bodies   [][]byte
}

func (r *capturingReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	status := http.StatusOK
	if r.hits < len(r.statuses) {
		status = r.statuses[r.hits]
	}
	r.hits++
	r.headers = append(r.headers, req.Header.Clone())
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *capturingReceiver) hitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

func TestProcessDeliversSignedRequest(t *testing.T) {
	receiver := &capturingReceiver{statuses: []int{200}}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, _ := newTestEngine(t, 0)
	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.NotNil(t, attempt)

	assert.Equal(t, 1, receiver.hitCount())
	assert.Equal(t, "success", attempt.Outcome)
	assert.Equal(t, 200, attempt.HTTPStatus)
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Empty(t, attempt.Error)

	// Wire contract: the body is the stored canonical payload and the
	// signature verifies against the subscription secret.
	hdr := receiver.headers[0]
	body := receiver.bodies[0]
	assert.Equal(t, event.Payload, body)
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, "webhook-gateway/1.0", hdr.Get("User-Agent"))
	assert.Equal(t, "dlv-1", hdr.Get("X-Delivery-Id"))
	assert.Equal(t, "build.completed", hdr.Get("X-Event-Type"))

	ts := hdr.Get("X-Timestamp")
	require.NotEmpty(t, ts)
	require.NoError(t, signature.Verify(sub.Secret, ts, body, hdr.Get("X-Signature-256"), time.Now()))

	d, err := deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
	assert.Equal(t, 200, d.HTTPStatus)
	assert.Nil(t, d.NextRetryAt)
	require.NotNil(t, d.AttemptedAt)
}

func TestProcessSkipsStaleEnvelopes(t *testing.T) {
	eng, deps, _ := newTestEngine(t, 0)

	// Unknown delivery id.
	attempt, err := eng.Process(context.Background(), "dlv-missing")
	require.NoError(t, err)
	assert.Nil(t, attempt)

	// Terminal row.
	deps.devs.Put(model.Delivery{ID: "dlv-done", Status: model.DeliverySuccess})
	attempt, err = eng.Process(context.Background(), "dlv-done")
	require.NoError(t, err)
	assert.Nil(t, attempt)
}

func TestProcessSkipsNotDueAndClaimed(t *testing.T) {
	eng, deps, _ := newTestEngine(t, 0)
	sub := seedSubscription(t, deps, "sub-1", "https://hooks.example.com", nil, true)
	event := seedEvent(t, deps, "evt-1")

	// Not yet due: an early envelope must not trigger a premature send.
	future := engineStart.Add(time.Minute)
	seedDue(deps, "dlv-early", event.ID, sub.ID, model.DeliveryRetrying, 1, 5, future)
	attempt, err := eng.Process(context.Background(), "dlv-early")
	require.NoError(t, err)
	assert.Nil(t, attempt)

	d, err := deps.devs.Get(context.Background(), "dlv-early")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRetrying, d.Status)

	// Already claimed by another worker.
	deps.devs.Put(model.Delivery{
		ID: "dlv-claimed", EventID: event.ID, SubscriptionID: sub.ID,
		EventType: "build.completed", Status: model.DeliverySending, MaxAttempts: 5,
	})
	attempt, err = eng.Process(context.Background(), "dlv-claimed")
	require.NoError(t, err)
	assert.Nil(t, attempt)
}

func TestProcessCancelsWhenSubscriptionUnavailable(t *testing.T) {
	eng, deps, _ := newTestEngine(t, 0)
	event := seedEvent(t, deps, "evt-1")

	// Deleted subscription.
	seedDue(deps, "dlv-orphan", event.ID, "sub-gone", model.DeliveryPending, 0, 5, engineStart)
	attempt, err := eng.Process(context.Background(), "dlv-orphan")
	require.NoError(t, err)
	assert.Nil(t, attempt)

	d, err := deps.devs.Get(context.Background(), "dlv-orphan")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, d.Status)

	// Deactivated subscription.
	seedSubscription(t, deps, "sub-off", "https://hooks.example.com", nil, false)
	seedDue(deps, "dlv-off", event.ID, "sub-off", model.DeliveryRetrying, 2, 5, engineStart)
	attempt, err = eng.Process(context.Background(), "dlv-off")
	require.NoError(t, err)
	assert.Nil(t, attempt)

	d, err = deps.devs.Get(context.Background(), "dlv-off")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, d.Status)
}

func TestProcessRetrySchedule(t *testing.T) {
	receiver := &capturingReceiver{statuses: []int{500, 500, 500, 200}}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, current := newTestEngine(t, 0)
	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)

	wantGaps := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	var outcomes []string

	for i := 0; i < 3; i++ {
		attempt, err := eng.Process(context.Background(), "dlv-1")
		require.NoError(t, err)
		require.NotNil(t, attempt)
		outcomes = append(outcomes, attempt.Outcome)
		assert.Equal(t, i+1, attempt.AttemptNumber)
		assert.Equal(t, 500, attempt.HTTPStatus)
		assert.Equal(t, "transient", attempt.ErrorKind)

		d, err := deps.devs.Get(context.Background(), "dlv-1")
		require.NoError(t, err)
		require.Equal(t, model.DeliveryRetrying, d.Status)
		require.NotNil(t, d.NextRetryAt)
		assert.Equal(t, wantGaps[i], d.NextRetryAt.Sub(*current), "gap after attempt %d", i+1)

		*current = *d.NextRetryAt // jump the clock to the due time
	}

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	outcomes = append(outcomes, attempt.Outcome)

	assert.Equal(t, []string{"retrying", "retrying", "retrying", "success"}, outcomes)
	assert.Equal(t, 4, receiver.hitCount())

	d, err := deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, d.Status)
	assert.Equal(t, 4, d.AttemptNumber)
}

func TestProcessDeadAfterMaxAttempts(t *testing.T) {
	receiver := &capturingReceiver{statuses: []int{500, 500, 500, 500, 500}}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, current := newTestEngine(t, 0)
	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 2, engineStart)

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.Equal(t, "retrying", attempt.Outcome)

	d, err := deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	*current = *d.NextRetryAt

	attempt, err = eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.Equal(t, "dead", attempt.Outcome)
	assert.Equal(t, 2, attempt.AttemptNumber)

	d, err = deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDead, d.Status)
	assert.Nil(t, d.NextRetryAt)

	// A dead row never sends again, no matter how often it is offered.
	*current = current.Add(24 * time.Hour)
	attempt, err = eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Nil(t, attempt)
	assert.Equal(t, 2, receiver.hitCount())
}

func TestProcessDefersOnSubscriptionBudget(t *testing.T) {
	receiver := &capturingReceiver{}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, _ := newTestEngine(t, 0)
	one := 1
	sub := seedSubscription(t, deps, "sub-1", srv.URL, &one, true) // 1 delivery/minute
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)
	seedDue(deps, "dlv-2", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.NotNil(t, attempt)

	// The budget is spent: the second delivery is deferred, not attempted.
	attempt, err = eng.Process(context.Background(), "dlv-2")
	require.NoError(t, err)
	assert.Nil(t, attempt)
	assert.Equal(t, 1, receiver.hitCount())

	d, err := deps.devs.Get(context.Background(), "dlv-2")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d.Status, "deferral restores the prior status")
	assert.Equal(t, 0, d.AttemptNumber, "a deferral is not an attempt")
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, engineStart.Add(time.Second), *d.NextRetryAt)
}

func TestProcessDefersOnGlobalInFlightCap(t *testing.T) {
	receiver := &capturingReceiver{}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, _ := newTestEngine(t, 1)
	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryRetrying, 1, 5, engineStart)

	// Occupy the only slot, as a concurrent HTTP call would.
	require.True(t, deps.inflight.TryAcquire())
	defer deps.inflight.Release()

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Nil(t, attempt)
	assert.Zero(t, receiver.hitCount())

	d, err := deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRetrying, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
}

func TestProcessDefersWhenEndpointBreakerOpen(t *testing.T) {
	receiver := &capturingReceiver{statuses: []int{500, 500, 200}}
	srv := httptest.NewServer(receiver)
	defer srv.Close()

	eng, deps, current := newTestEngine(t, 0)
	eng.breakers.threshold = 2
	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)
	seedDue(deps, "dlv-2", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)
	seedDue(deps, "dlv-3", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)

	for _, id := range []string{"dlv-1", "dlv-2"} {
		attempt, err := eng.Process(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, attempt)
		assert.Equal(t, "retrying", attempt.Outcome)
	}

	// Two consecutive transient failures opened the breaker: the third
	// delivery is deferred without touching the endpoint.
	attempt, err := eng.Process(context.Background(), "dlv-3")
	require.NoError(t, err)
	assert.Nil(t, attempt)
	assert.Equal(t, 2, receiver.hitCount())

	d, err := deps.devs.Get(context.Background(), "dlv-3")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d.Status, "deferral restores the prior status")
	assert.Equal(t, 0, d.AttemptNumber, "a breaker deferral is not an attempt")

	// Once the open window elapses a probe goes through; its success
	// closes the breaker.
	*current = current.Add(31 * time.Second)
	attempt, err = eng.Process(context.Background(), "dlv-3")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, "success", attempt.Outcome)
	assert.Equal(t, 3, receiver.hitCount())
}

func TestProcessFinalizesCancelledOnMidFlightDeactivation(t *testing.T) {
	eng, deps, _ := newTestEngine(t, 0)

	// The receiver deactivates the subscription while handling the request,
	// then fails it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		_, err := deps.subs.SetActive(r.Context(), nil, "sub-1", false, &now, now)
		if err != nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := seedSubscription(t, deps, "sub-1", srv.URL, nil, true)
	event := seedEvent(t, deps, "evt-1")
	seedDue(deps, "dlv-1", event.ID, sub.ID, model.DeliveryPending, 0, 5, engineStart)

	attempt, err := eng.Process(context.Background(), "dlv-1")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, "cancelled", attempt.Outcome)
	assert.Equal(t, 500, attempt.HTTPStatus)

	d, err := deps.devs.Get(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCancelled, d.Status)
	assert.Nil(t, d.NextRetryAt, "no retry is scheduled for a cancelled row")
}

func TestDecideClassification(t *testing.T) {
	eng, deps, _ := newTestEngine(t, 0)
	seedSubscription(t, deps, "sub-1", "https://hooks.example.com", nil, true)
	d := &model.Delivery{ID: "dlv-1", MaxAttempts: 5}

	cases := []struct {
		name       string
		res        Result
		wantStatus model.DeliveryStatus
		wantKind   string
	}{
		{"2xx", Result{StatusCode: 204}, model.DeliverySuccess, ""},
		{"network error", Result{Err: errors.New("connection refused")}, model.DeliveryRetrying, "transient"},
		{"500", Result{StatusCode: 500}, model.DeliveryRetrying, "transient"},
		{"503", Result{StatusCode: 503}, model.DeliveryRetrying, "transient"},
		{"429", Result{StatusCode: 429}, model.DeliveryRetrying, "transient"},
		{"400", Result{StatusCode: 400}, model.DeliveryRetrying, "receiver"},
		{"404", Result{StatusCode: 404}, model.DeliveryRetrying, "receiver"},
		{"410", Result{StatusCode: 410}, model.DeliveryRetrying, "receiver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _, kind := eng.decide(context.Background(), d, "sub-1", tc.res, 1)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantKind, kind)
		})
	}

	// The final permitted attempt turns any failure terminal.
	status, _, _ := eng.decide(context.Background(), d, "sub-1", Result{StatusCode: 500}, 5)
	assert.Equal(t, model.DeliveryDead, status)
}

func TestSenderCapsResponseBody(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	sub := &model.Subscription{URL: srv.URL, Secret: "whsec_x"}
	event := &model.Event{Type: "build.completed", Payload: []byte(`{}`)}
	d := &model.Delivery{ID: "dlv-1"}

	res := NewSender(2*time.Second, "webhook-gateway/1.0").Send(context.Background(), sub, event, d)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Len(t, res.Body, 1024)
}
