package dcb

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag represents a key-value pair for event categorization.
// This is an opaque type: construct only via NewTag / NewTags
// and access fields only via methods.
type Tag interface {
	isTag()
	GetKey() string
	GetValue() string
}

// InputEvent represents an event to be appended to the store.
// This is an opaque type: construct only via NewInputEvent
// and access fields only via methods.
type InputEvent interface {
	isInputEvent()
	GetType() string
	GetTags() []Tag
	GetData() []byte
}

// Event represents a single stored event. Position and TransactionID are
// assigned by the store at commit; OccurredAt is the server commit timestamp.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Cursor represents a position in the event stream. Reads resume EXCLUSIVE of
// this position. Ordering is by Position alone; TransactionID and OccurredAt
// are carried for cross-replica visibility.
type Cursor struct {
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CursorFromEvent builds the cursor pointing at a stored event.
func CursorFromEvent(e Event) Cursor {
	return Cursor{
		Position:      e.Position,
		TransactionID: e.TransactionID,
		OccurredAt:    e.OccurredAt,
	}
}

// Query represents a composite filter whose items combine with OR logic.
// This is opaque to consumers - construct it via the New* helpers.
type Query interface {
	isQuery()
	getItems() []QueryItem
}

// QueryItem represents a single atomic query condition: the conjunction of an
// event-type set and a tag-equality set.
// This is opaque to consumers - construct it via the New* helpers.
type QueryItem interface {
	isQueryItem()
	getEventTypes() []string
	getTags() []Tag
}

// AppendCondition represents the optimistic concurrency guard for AppendIf.
// This is opaque to consumers - construct it via the New* helpers.
type AppendCondition interface {
	isAppendCondition()
	setAfterCursor(cursor *Cursor)
	getFailIfEventsMatch() *query
	getAfterCursor() *Cursor
}

// IsolationLevel represents PostgreSQL transaction isolation levels as a
// type-safe enum.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig contains configuration for EventStore behavior.
type EventStoreConfig struct {
	MaxBatchSize           int            `json:"max_batch_size"`
	QueryTimeout           int            `json:"query_timeout"`  // milliseconds
	AppendTimeout          int            `json:"append_timeout"` // milliseconds
	DefaultAppendIsolation IsolationLevel `json:"default_append_isolation"`
	CommandMaxRetries      int            `json:"command_max_retries"` // bounded retries on concurrency conflicts
}

// DefaultEventStoreConfig returns the configuration used when none is given.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		QueryTimeout:           15000,
		AppendTimeout:          10000,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		CommandMaxRetries:      3,
	}
}

// =============================================================================
// INTERNAL IMPLEMENTATIONS (Private)
// =============================================================================

type tag struct {
	key   string
	value string
}

func (t *tag) isTag()           {}
func (t *tag) GetKey() string   { return t.key }
func (t *tag) GetValue() string { return t.value }

// MarshalJSON ensures Tag is marshaled as {"key":..., "value":...}
func (t *tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{
		Key:   t.key,
		Value: t.value,
	})
}

type inputEvent struct {
	eventType string
	tags      []Tag
	data      []byte
}

func (e *inputEvent) isInputEvent()   {}
func (e *inputEvent) GetType() string { return e.eventType }
func (e *inputEvent) GetTags() []Tag  { return e.tags }
func (e *inputEvent) GetData() []byte { return e.data }

type query struct {
	Items []QueryItem `json:"items"`
}

func (q *query) isQuery()              {}
func (q *query) getItems() []QueryItem { return q.Items }

type queryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

func (qi *queryItem) isQueryItem()            {}
func (qi *queryItem) getEventTypes() []string { return qi.EventTypes }
func (qi *queryItem) getTags() []Tag          { return qi.Tags }

type appendCondition struct {
	FailIfEventsMatch *query  `json:"fail_if_events_match"`
	AfterCursor       *Cursor `json:"after_cursor"`
}

func (ac *appendCondition) isAppendCondition()            {}
func (ac *appendCondition) setAfterCursor(cursor *Cursor) { ac.AfterCursor = cursor }
func (ac *appendCondition) getFailIfEventsMatch() *query  { return ac.FailIfEventsMatch }
func (ac *appendCondition) getAfterCursor() *Cursor       { return ac.AfterCursor }

// conditionWire is the JSON shape handed to append_events_with_condition.
// Tags flatten to "key=value" strings so the SQL guard can use array
// containment directly.
type conditionWire struct {
	FailIfEventsMatch *queryWire `json:"fail_if_events_match,omitempty"`
	AfterCursor       *Cursor    `json:"after_cursor,omitempty"`
}

type queryWire struct {
	Items []queryItemWire `json:"items"`
}

type queryItemWire struct {
	EventTypes []string `json:"event_types"`
	Tags       []string `json:"tags"`
}

func (ac *appendCondition) wire() conditionWire {
	w := conditionWire{AfterCursor: ac.AfterCursor}
	if ac.FailIfEventsMatch != nil {
		qw := &queryWire{Items: make([]queryItemWire, 0, len(ac.FailIfEventsMatch.Items))}
		for _, item := range ac.FailIfEventsMatch.Items {
			qw.Items = append(qw.Items, queryItemWire{
				EventTypes: item.getEventTypes(),
				Tags:       TagsToArray(item.getTags()),
			})
		}
		w.FailIfEventsMatch = qw
	}
	return w
}
