package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"tidemark/pkg/dcb"
)

// RedisStreamPublisher emits events to a Redis stream via XADD. Entries carry
// the store position so consumers can deduplicate redeliveries.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	stream string
}

// NewRedisStreamPublisher wraps an existing go-redis client.
func NewRedisStreamPublisher(client redis.UniversalClient, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream}
}

func (p *RedisStreamPublisher) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	for _, event := range events {
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{
				"type":        event.Type,
				"tags":        strings.Join(dcb.TagsToArray(event.Tags), ","),
				"data":        string(event.Data),
				"position":    event.Position,
				"occurred_at": event.OccurredAt.UTC().Format("2006-01-02T15:04:05.999999999Z"),
			},
		}).Err()
		if err != nil {
			return 0, fmt.Errorf("xadd to %s at position %d: %w", p.stream, event.Position, err)
		}
	}
	return len(events), nil
}
