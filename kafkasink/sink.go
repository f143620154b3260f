// Package kafkasink forwards bus events to Kafka so external services can
// consume them. Register its Handler for the event types that should leave
// the process; the topic name equals the event type.
package kafkasink

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventbus"
	"github.com/md-rashed-zaman/eventbus/libs/kafkax"
)

type Sink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func New(brokers []string, logger *slog.Logger) *Sink {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
	return &Sink{writer: writer, logger: logger}
}

// Handler is the HandlerFunc to register with the bus. It is safe to mark
// idempotent: re-forwarding is suppressed by the processing log, and
// downstream consumers deduplicate on the event_id header regardless.
func (s *Sink) Handler() eventbus.HandlerFunc {
	return func(ctx context.Context, evt *eventbus.Event) error {
		msg := kafka.Message{
			Topic: evt.Type.String(),
			Key:   []byte(evt.AggregateID),
			Value: evt.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(evt.ID)},
				{Key: "event_type", Value: []byte(evt.Type)},
				{Key: "correlation_id", Value: []byte(evt.CorrelationID)},
			},
		}
		if evt.TenantID != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "tenant_id", Value: []byte(evt.TenantID)})
		}
		msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)

		if err := s.writer.WriteMessages(ctx, msg); err != nil {
			return err
		}
		s.logger.Debug("event forwarded to kafka", "topic", msg.Topic, "event_id", evt.ID)
		return nil
	}
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
