package dcb

import (
	"fmt"
	"strings"
)

// validateQueryTags validates the query tags and returns a ValidationError if invalid
func validateQueryTags(query Query) error {
	// Empty query is valid (matches all events on read, none as a guard)
	if len(query.getItems()) == 0 {
		return nil
	}

	for itemIndex, item := range query.getItems() {
		for i, t := range item.getTags() {
			if t.GetKey() == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty tag key in item %d", itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
				}
			}
			if strings.Contains(t.GetKey(), "=") {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("tag key %q in item %d contains '='", t.GetKey(), itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
					Value: t.GetKey(),
				}
			}
		}

		for i, eventType := range item.getEventTypes() {
			if eventType == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty event type at index %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i),
				}
			}
		}
	}

	return nil
}

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	if e.GetType() == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	for i, t := range e.GetTags() {
		if t.GetKey() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("event at index %d has tag with empty key", index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, i),
			}
		}
		// '=' is the storage separator; a key containing it would corrupt
		// containment matching.
		if strings.Contains(t.GetKey(), "=") {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("event at index %d has tag key %q containing '='", index, t.GetKey()),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, i),
				Value: t.GetKey(),
			}
		}
	}

	return nil
}

// validateBatchSize enforces the configured maximum batch size
func (es *eventStore) validateBatchSize(events []InputEvent, op string) error {
	if len(events) > es.config.MaxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(events), es.config.MaxBatchSize),
			},
			Field: "events",
			Value: fmt.Sprintf("count:%d", len(events)),
		}
	}
	return nil
}
