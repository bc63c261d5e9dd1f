package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySuccess   DeliveryStatus = "success"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDead      DeliveryStatus = "dead"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySending, DeliverySuccess,
		DeliveryRetrying, DeliveryDead, DeliveryCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further automatic
// transitions. A manual operator retry is the only way out of a terminal
// state.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryDead || s == DeliveryCancelled
}

// ErrorKind classifies a failed attempt for triage: transient faults
// (network, timeout, 5xx, 429) versus receiver faults (other 4xx). Both are
// retried; receiver faults are flagged so operators can spot broken
// endpoints before the delivery goes dead.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindReceiver  ErrorKind = "receiver"
)

func (k ErrorKind) String() string { return string(k) }

// Delivery is the fan-out unit for one (event, subscription) pair.
// AttemptNumber counts performed attempts: 0 until the first send, then
// strictly monotonic. MaxAttempts is per-row so a manual retry can grant
// exactly one more attempt.
type Delivery struct {
	ID             string         `db:"id"              json:"id"`
	EventID        string         `db:"event_id"        json:"event_id"`
	SubscriptionID string         `db:"subscription_id" json:"subscription_id"`
	EventType      string         `db:"event_type"      json:"event_type"`
	AttemptNumber  int            `db:"attempt_number"  json:"attempt_number"`
	MaxAttempts    int            `db:"max_attempts"    json:"max_attempts"`
	Status         DeliveryStatus `db:"status"          json:"status"`
	HTTPStatus     int            `db:"http_status"     json:"http_status,omitempty"`
	Error          string         `db:"error"           json:"error,omitempty"`
	ErrorKind      string         `db:"error_kind"      json:"error_kind,omitempty"`
	ScheduledAt    time.Time      `db:"scheduled_at"    json:"scheduled_at"`
	AttemptedAt    *time.Time     `db:"attempted_at"    json:"attempted_at,omitempty"`
	NextRetryAt    *time.Time     `db:"next_retry_at"   json:"next_retry_at,omitempty"`
	LatencyMs      int            `db:"latency_ms"      json:"latency_ms,omitempty"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"      json:"updated_at"`
}

// DeliveryAttempt is one append-only ledger row per performed HTTP attempt.
type DeliveryAttempt struct {
	DeliveryID     string    `db:"delivery_id"     json:"delivery_id"`
	EventID        string    `db:"event_id"        json:"event_id"`
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	EventType      string    `db:"event_type"      json:"event_type"`
	AttemptNumber  int       `db:"attempt_number"  json:"attempt_number"`
	Outcome        string    `db:"outcome"         json:"outcome"` // success | retrying | dead | cancelled
	HTTPStatus     int       `db:"http_status"     json:"http_status,omitempty"`
	Error          string    `db:"error"           json:"error,omitempty"`
	ErrorKind      string    `db:"error_kind"      json:"error_kind,omitempty"`
	ResponseBody   string    `db:"response_body"   json:"response_body,omitempty"`
	LatencyMs      int       `db:"latency_ms"      json:"latency_ms"`
	AttemptedAt    time.Time `db:"attempted_at"    json:"attempted_at"`
}
