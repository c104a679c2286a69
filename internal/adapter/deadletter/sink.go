// Package deadletter implements domain.DeadLetterSink: durable bookkeeping
// of workload rows that could not be decoded, plus an optional fan-out
// publish to Kafka/Redpanda for external tooling, grounded on the teacher's
// internal/adapter/queue/redpanda producer (SPEC_FULL.md §9).
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// event is the payload published to the Kafka dead-letter topic. It mirrors
// the row written to Postgres so external consumers never need to query the
// database to see what failed.
type event struct {
	GroupID    int64  `json:"group_id"`
	WorkID     int64  `json:"work_id"`
	Mode       string `json:"mode"`
	Reason     string `json:"reason"`
	RecordedAt int64  `json:"recorded_at_unix"`
}

// Store is the durable half of the sink, satisfied by
// postgres.WorkloadStore.RecordDeadLetter.
type Store interface {
	RecordDeadLetter(ctx context.Context, groupID, workID int64, mode, reason string) error
}

// Sink implements domain.DeadLetterSink. Publishing to Kafka is best-effort:
// a broker outage never blocks the canonical Postgres write, since the row
// in dead_letters is the source of truth and the topic is a convenience
// mirror for external alerting.
type Sink struct {
	store  Store
	client *kgo.Client
	topic  string
}

// New constructs a Sink backed by store. client may be nil, in which case
// Record only performs the Postgres write.
func New(store Store, client *kgo.Client, topic string) *Sink {
	return &Sink{store: store, client: client, topic: topic}
}

// NewKafkaClient dials a best-effort Kafka/Redpanda producer for dead-letter
// mirroring. An empty brokers list disables publishing and NewKafkaClient
// returns (nil, nil).
func NewKafkaClient(brokers []string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("dead letter kafka client: %w", err)
	}
	return client, nil
}

// Record persists a dead-letter row and, if a Kafka client is configured,
// mirrors it to the dead-letter topic.
func (s *Sink) Record(ctx context.Context, groupID, workID int64, mode, reason string) error {
	if err := s.store.RecordDeadLetter(ctx, groupID, workID, mode, reason); err != nil {
		return fmt.Errorf("deadletter: record: %w", err)
	}
	observability.RecordDeadLetter(fmt.Sprintf("%d", groupID), reason)

	if s.client == nil {
		return nil
	}
	s.publish(ctx, groupID, workID, mode, reason)
	return nil
}

func (s *Sink) publish(ctx context.Context, groupID, workID int64, mode, reason string) {
	payload, err := json.Marshal(event{
		GroupID:    groupID,
		WorkID:     workID,
		Mode:       mode,
		Reason:     reason,
		RecordedAt: time.Now().UTC().Unix(),
	})
	if err != nil {
		slog.Warn("dead letter event marshal failed", slog.Any("error", err))
		return
	}

	record := &kgo.Record{
		Key:   []byte(fmt.Sprintf("%d-%d", groupID, workID)),
		Value: payload,
		Topic: s.topic,
	}
	result := s.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		slog.Warn("dead letter kafka publish failed, postgres row already durable",
			slog.Int64("work_id", workID), slog.Any("error", err))
	}
}

// Close releases the underlying Kafka client, if any.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
