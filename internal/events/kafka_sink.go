package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/labtasker/internal/domain"
)

// KafkaSink forwards every bus event to a Kafka topic for external
// consumers (dashboards, audit pipelines). Delivery is best-effort,
// matching the advisory nature of the bus.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects a producer to the brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.kafka: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.kafka: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

// Attach registers the sink as a tap on the bus.
func (s *KafkaSink) Attach(b *Bus) {
	b.Tap(s.send)
}

// send produces asynchronously; a tap must never block Publish.
func (s *KafkaSink) send(ev domain.Event) {
	payload, err := json.Marshal(toWireEvent(ev))
	if err != nil {
		slog.Error("kafka sink marshal failed", slog.Any("error", err))
		return
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(ev.QueueID),
		Value: payload,
	}
	s.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("kafka sink produce failed",
				slog.Uint64("event_id", ev.ID),
				slog.Any("error", err))
		}
	})
}

// Close flushes pending records and releases the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	if err := s.client.Flush(ctx); err != nil {
		s.client.Close()
		return fmt.Errorf("op=events.kafka: flush: %w", err)
	}
	s.client.Close()
	return nil
}

// wireEvent is the serialized form shared by the Kafka sink and the
// Redis relay.
type wireEvent struct {
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`
	QueueID   string `json:"queue_id"`
	Entity    string `json:"entity"`
	EntityID  string `json:"entity_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	Metadata  any    `json:"metadata,omitempty"`
	Overflow  bool   `json:"overflow,omitempty"`
}

func toWireEvent(ev domain.Event) wireEvent {
	return wireEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		QueueID:   ev.QueueID,
		Entity:    string(ev.Entity),
		EntityID:  ev.EntityID,
		OldStatus: ev.OldStatus,
		NewStatus: ev.NewStatus,
		Metadata:  ev.Metadata.ToAny(),
		Overflow:  ev.Overflow,
	}
}
