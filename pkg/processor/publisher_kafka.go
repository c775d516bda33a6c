package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"tidemark/pkg/dcb"
)

// kafkaEnvelope is the published message body.
type kafkaEnvelope struct {
	Type       string          `json:"type"`
	Tags       []string        `json:"tags"`
	Data       json.RawMessage `json:"data"`
	Position   int64           `json:"position"`
	OccurredAt string          `json:"occurred_at"`
}

// KafkaPublisher emits events to a Kafka topic. Delivery is at-least-once:
// the whole batch is produced synchronously before progress advances, and a
// redelivered batch publishes duplicates keyed by position for downstream
// dedup.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher wraps an existing franz-go client.
func NewKafkaPublisher(client *kgo.Client, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic}
}

func (p *KafkaPublisher) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(kafkaEnvelope{
			Type:       event.Type,
			Tags:       dcb.TagsToArray(event.Tags),
			Data:       event.Data,
			Position:   event.Position,
			OccurredAt: event.OccurredAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		})
		if err != nil {
			return 0, fmt.Errorf("marshal event %d: %w", event.Position, err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(strconv.FormatInt(event.Position, 10)),
			Value: value,
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return 0, fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	return len(events), nil
}
