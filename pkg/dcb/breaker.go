package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the circuit breaker wrapped around an EventStore.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns defaults tuned for a database-backed store.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		OpenTimeout: 10 * time.Second,
	}
}

// breakerStore wraps an EventStore with a circuit breaker so a struggling
// database sheds load instead of piling up timed-out calls. Validation and
// concurrency errors count as successes: they are the store working as
// intended, not a sign of trouble.
type breakerStore struct {
	inner   EventStore
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps the store with a circuit breaker.
func NewBreakerStore(inner EventStore, cfg BreakerConfig) EventStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "eventstore",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return IsValidationError(err) || IsConcurrencyError(err)
		},
	})

	return &breakerStore{inner: inner, breaker: cb}
}

// breakerOpenError maps the breaker's rejection into the store's error
// taxonomy.
func breakerOpenError(op string, err error) error {
	return &ResourceError{
		EventStoreError: EventStoreError{
			Op:  op,
			Err: fmt.Errorf("circuit breaker: %w", err),
		},
		Resource: "database",
	}
}

func (bs *breakerStore) Query(ctx context.Context, query Query, after *Cursor) ([]Event, error) {
	result, err := bs.breaker.Execute(func() (interface{}, error) {
		return bs.inner.Query(ctx, query, after)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, breakerOpenError("query", err)
		}
		return nil, err
	}
	return result.([]Event), nil
}

func (bs *breakerStore) QueryLimited(ctx context.Context, query Query, after *Cursor, limit int) ([]Event, error) {
	result, err := bs.breaker.Execute(func() (interface{}, error) {
		return bs.inner.QueryLimited(ctx, query, after, limit)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, breakerOpenError("query", err)
		}
		return nil, err
	}
	return result.([]Event), nil
}

// QueryStream bypasses the breaker: the call only opens the cursor, and the
// failures that matter happen while the consumer drains the channel.
func (bs *breakerStore) QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error) {
	return bs.inner.QueryStream(ctx, query, after)
}

func (bs *breakerStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	result, err := bs.breaker.Execute(func() (interface{}, error) {
		return bs.inner.Append(ctx, events)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Cursor{}, breakerOpenError("append", err)
		}
		return Cursor{}, err
	}
	return result.(Cursor), nil
}

func (bs *breakerStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error) {
	result, err := bs.breaker.Execute(func() (interface{}, error) {
		return bs.inner.AppendIf(ctx, events, condition)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Cursor{}, breakerOpenError("appendIf", err)
		}
		return Cursor{}, err
	}
	return result.(Cursor), nil
}

func (bs *breakerStore) Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	type projectResult struct {
		states    map[string]any
		condition AppendCondition
	}
	result, err := bs.breaker.Execute(func() (interface{}, error) {
		states, condition, err := bs.inner.Project(ctx, projectors, after)
		if err != nil {
			return nil, err
		}
		return projectResult{states: states, condition: condition}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, nil, breakerOpenError("project", err)
		}
		return nil, nil, err
	}
	pr := result.(projectResult)
	return pr.states, pr.condition, nil
}

func (bs *breakerStore) GetConfig() EventStoreConfig {
	return bs.inner.GetConfig()
}
