package processor

import (
	"context"
	"fmt"

	"tidemark/pkg/dcb"
)

// EventFetcher reads batches of events matching a processor's subscription,
// starting strictly after its progress position. Read-only; may run against a
// read replica through the store's read pool.
type EventFetcher struct {
	store         dcb.EventStore
	subscriptions map[string]Subscription
}

// NewEventFetcher creates a fetcher over the given subscriptions keyed by
// processor id.
func NewEventFetcher(store dcb.EventStore, subscriptions map[string]Subscription) *EventFetcher {
	return &EventFetcher{store: store, subscriptions: subscriptions}
}

// FetchEvents returns up to batchSize events for the processor in position
// order, plus the position of the last row scanned. The scanned position can
// run ahead of the last returned event when the post-fetch predicate drops
// rows; the scheduler advances to it so a batch of non-matching events cannot
// stall the processor.
func (f *EventFetcher) FetchEvents(ctx context.Context, processorID string, lastPosition int64, batchSize int) ([]dcb.Event, int64, error) {
	sub, ok := f.subscriptions[processorID]
	if !ok {
		return nil, 0, fmt.Errorf("unknown processor: %s", processorID)
	}

	var after *dcb.Cursor
	if lastPosition > 0 {
		after = &dcb.Cursor{Position: lastPosition}
	}

	batch, err := f.store.QueryLimited(ctx, sub.Query(), after, batchSize)
	if err != nil {
		return nil, 0, err
	}
	if len(batch) == 0 {
		return nil, lastPosition, nil
	}

	scanned := batch[len(batch)-1].Position
	events := make([]dcb.Event, 0, len(batch))
	for _, event := range batch {
		if sub.Matches(event) {
			events = append(events, event)
		}
	}
	return events, scanned, nil
}
