package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms
}

// Producer is a thin wrapper around segmentio/kafka-go Writer. Messages are
// keyed so all envelopes of one delivery land on one partition; the topic is
// carried per message because it comes from the outbox row.
type Producer struct {
	w *kafka.Writer
}

func NewProducerFromConfig(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{w: w}
}

// Publish writes a single keyed message.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
}

// PublishMessages writes a batch in one round trip.
func (p *Producer) PublishMessages(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
