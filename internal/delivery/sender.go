package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/signature"
)

// maxResponseBody caps how much of the subscriber's response is kept for the
// attempts ledger.
const maxResponseBody = 1024

// Result is the raw outcome of one HTTP POST to a subscriber.
type Result struct {
	StatusCode int // 0 on network error
	Body       string
	Err        error
	LatencyMs  int
}

// Sender signs and performs the outbound webhook request. The payload bytes
// are sent exactly as signed; the sender never re-serializes them.
type Sender struct {
	client    *http.Client
	userAgent string

	now func() time.Time
}

// NewSender builds a sender with the given request timeout.
func NewSender(timeout time.Duration, userAgent string) *Sender {
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		now:       time.Now,
	}
}

// Send posts the event's canonical payload to the subscription URL with the
// signature headers. A non-nil Result.Err means the request never completed
// (network failure or timeout); otherwise StatusCode carries the verdict.
func (s *Sender) Send(ctx context.Context, sub *model.Subscription, event *model.Event, d *model.Delivery) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return Result{Err: err}
	}

	timestamp := s.now().UTC().Format(time.RFC3339)
	sig := signature.Sign(sub.Secret, timestamp, event.Payload)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Signature-256", signature.HeaderPrefix+sig)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Delivery-Id", d.ID)
	req.Header.Set("X-Event-Type", event.Type)

	start := s.now()
	resp, err := s.client.Do(req)
	latency := int(s.now().Sub(start).Milliseconds())

	if err != nil {
		return Result{Err: err, LatencyMs: latency}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return Result{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		LatencyMs:  latency,
	}
}
