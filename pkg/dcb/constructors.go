package dcb

import (
	"fmt"
	"strings"
)

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return &tag{
		key:   key,
		value: value,
	}
}

// NewTags creates a slice of tags from key-value pairs.
// Validation is performed when the tags are used in EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		// Return empty tags instead of panicking - validation will happen
		// in EventStore operations
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// TagsToArray flattens tags to their stored "key=value" form.
func TagsToArray(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.GetKey() + "=" + t.GetValue()
	}
	return out
}

// ParseTagsArray converts stored "key=value" strings back to tags.
// Malformed entries (no separator) become a tag with an empty value.
func ParseTagsArray(arr []string) []Tag {
	if len(arr) == 0 {
		return nil
	}
	tags := make([]Tag, len(arr))
	for i, s := range arr {
		key, value, _ := strings.Cut(s, "=")
		tags[i] = NewTag(key, value)
	}
	return tags
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return &inputEvent{
		eventType: eventType,
		tags:      tags,
		data:      data,
	}
}

// NewEventBatch creates a slice of events from the given InputEvents.
// This is a convenience function for appending multiple related events in a
// single operation.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a new Query with a single item matching the given tags and
// event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{
		Items: []QueryItem{
			NewQueryItem(eventTypes, tags),
		},
	}
}

// NewQueryEmpty creates a new empty query. An empty query matches all events
// when used for reading and no events when used as an append guard.
func NewQueryEmpty() Query {
	return &query{Items: []QueryItem{}}
}

// NewQueryFromItems creates a new query from a list of query items.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{Items: items}
}

// NewQueryAll creates a query with one unconstrained item, matching all events.
func NewQueryAll() Query {
	return &query{
		Items: []QueryItem{
			NewQueryItem([]string{}, []Tag{}),
		},
	}
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return &queryItem{
		EventTypes: types,
		Tags:       tags,
	}
}

// NewQItemKV creates a new QueryItem with a single event type and key-value
// tags. This is the most concise way to build a QueryItem.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}

// QueryString renders a query for diagnostics and error messages.
func QueryString(q Query) string {
	if q == nil {
		return "<nil>"
	}
	items := q.getItems()
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("{types=%v tags=%v}", item.getEventTypes(), TagsToArray(item.getTags()))
	}
	return "[" + strings.Join(parts, " OR ") + "]"
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates a new AppendCondition guarding on the given
// query with no cursor (the whole log is inspected).
func NewAppendCondition(failIfEventsMatch Query) AppendCondition {
	var q *query
	if failIfEventsMatch != nil {
		q = failIfEventsMatch.(*query)
	}
	return &appendCondition{
		FailIfEventsMatch: q,
	}
}

// NewAppendConditionAfter creates a new AppendCondition guarding on the given
// query for events past the cursor.
func NewAppendConditionAfter(failIfEventsMatch Query, after *Cursor) AppendCondition {
	var q *query
	if failIfEventsMatch != nil {
		q = failIfEventsMatch.(*query)
	}
	return &appendCondition{
		FailIfEventsMatch: q,
		AfterCursor:       after,
	}
}
