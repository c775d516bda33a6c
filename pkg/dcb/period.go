package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Period event types emitted by the resolver.
const (
	EventTypePeriodOpened = "PeriodOpened"
	EventTypePeriodClosed = "PeriodClosed"
)

// Tag keys used on period events.
const (
	TagPeriodID  = "period_id"
	TagPeriodKey = "period_key"
)

// PeriodType selects the time-bucket granularity for period events.
type PeriodType int

const (
	PeriodMonthly PeriodType = iota
	PeriodDaily
	PeriodHourly
)

func (p PeriodType) String() string {
	switch p {
	case PeriodMonthly:
		return "MONTHLY"
	case PeriodDaily:
		return "DAILY"
	case PeriodHourly:
		return "HOURLY"
	default:
		return "UNKNOWN"
	}
}

// bucket formats the time bucket containing t, in UTC.
func (p PeriodType) bucket(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodDaily:
		return t.Format("2006-01-02")
	case PeriodHourly:
		return t.Format("2006-01-02T15")
	default:
		return t.Format("2006-01")
	}
}

// previous returns a time inside the bucket preceding the one containing t.
func (p PeriodType) previous(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodDaily:
		return t.AddDate(0, 0, -1)
	case PeriodHourly:
		return t.Add(-time.Hour)
	default:
		// Normalize to the first of the month so AddDate never skips a
		// short month
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0)
	}
}

// PeriodID builds the period identifier for a key at a point in time,
// e.g. "wallet:w1:2025-01" for monthly periods.
func PeriodID(key string, periodType PeriodType, at time.Time) string {
	return key + ":" + periodType.bucket(at)
}

// PeriodBalanceFn computes the closing balance of a period by projecting over
// that period's slice. The returned value is JSON-encoded into the
// PeriodClosed / PeriodOpened payloads. A nil function carries a zero balance.
type PeriodBalanceFn func(ctx context.Context, store EventStore, periodID string) (any, error)

// periodPayload is the payload of PeriodOpened and PeriodClosed events.
type periodPayload struct {
	PeriodID string          `json:"period_id"`
	Balance  json.RawMessage `json:"balance,omitempty"`
}

// PeriodResolver lazily opens and closes time-bucketed period events so
// per-key state stays bounded: command handlers scope their queries by the
// active period tag instead of the key's full history.
type PeriodResolver struct {
	store EventStore
	clock func() time.Time
}

// NewPeriodResolver creates a resolver using the wall clock.
func NewPeriodResolver(store EventStore) *PeriodResolver {
	return &PeriodResolver{store: store, clock: time.Now}
}

// NewPeriodResolverWithClock creates a resolver with an injected clock,
// intended for tests.
func NewPeriodResolverWithClock(store EventStore, clock func() time.Time) *PeriodResolver {
	return &PeriodResolver{store: store, clock: clock}
}

// ResolveActivePeriod returns the current period id for the key, opening it
// first if needed. Opening closes the previous period with its closing
// balance and opens the current one with the same value as opening balance;
// both appends carry idempotency guards, and losing the race to a concurrent
// opener counts as success.
func (r *PeriodResolver) ResolveActivePeriod(ctx context.Context, key string, periodType PeriodType, balance PeriodBalanceFn) (string, error) {
	if key == "" {
		return "", &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "resolveActivePeriod",
				Err: fmt.Errorf("key cannot be empty"),
			},
			Field: "key",
			Value: "empty",
		}
	}

	now := r.clock()
	current := PeriodID(key, periodType, now)

	opened, err := r.store.QueryLimited(ctx,
		NewQuery(NewTags(TagPeriodID, current), EventTypePeriodOpened), nil, 1)
	if err != nil {
		return "", err
	}
	if len(opened) > 0 {
		return current, nil
	}

	prev := PeriodID(key, periodType, periodType.previous(now))

	var closing json.RawMessage
	if balance != nil {
		value, err := balance(ctx, r.store, prev)
		if err != nil {
			return "", err
		}
		closing, err = json.Marshal(value)
		if err != nil {
			return "", &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "resolveActivePeriod",
					Err: fmt.Errorf("failed to marshal closing balance: %w", err),
				},
				Resource: "json",
			}
		}
	}

	if err := r.appendIdempotent(ctx, EventTypePeriodClosed, key, prev, closing); err != nil {
		return "", err
	}
	if err := r.appendIdempotent(ctx, EventTypePeriodOpened, key, current, closing); err != nil {
		return "", err
	}

	return current, nil
}

// appendIdempotent appends a period event guarded on its own (type, period_id)
// pair. A ConcurrencyError means a concurrent opener won the race and is
// swallowed as success.
func (r *PeriodResolver) appendIdempotent(ctx context.Context, eventType, key, periodID string, balance json.RawMessage) error {
	payload, err := json.Marshal(periodPayload{PeriodID: periodID, Balance: balance})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "resolveActivePeriod",
				Err: fmt.Errorf("failed to marshal period payload: %w", err),
			},
			Resource: "json",
		}
	}

	event := NewInputEvent(eventType, NewTags(TagPeriodID, periodID, TagPeriodKey, key), payload)
	guard := NewQuery(NewTags(TagPeriodID, periodID), eventType)

	_, err = r.store.AppendIf(ctx, []InputEvent{event}, NewAppendCondition(guard))
	if err != nil && !IsConcurrencyError(err) {
		return err
	}
	return nil
}
