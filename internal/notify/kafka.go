package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes messages to a topic consumed by the mailer. Messages
// are keyed by scope so one order's notifications stay ordered.
type KafkaNotifier struct {
	w messageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		w: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}),
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	const op = "notify.KafkaNotifier.Notify"

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	err = n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ScopeID.String()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(msg.Template)},
		},
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.w.Close()
}
