package model

// Envelope is the Kafka message body produced by the outbox relay and the
// retry scheduler. It carries ids only; the consumer re-reads the delivery,
// subscription, and event rows so a stale envelope can never override
// current state.
type Envelope struct {
	DeliveryID     string `json:"delivery_id"`
	EventID        string `json:"event_id"`
	SubscriptionID string `json:"subscription_id"`
	EventType      string `json:"event_type"`
}
