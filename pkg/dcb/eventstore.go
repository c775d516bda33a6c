package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the core interface for appending and reading events.
type EventStore interface {
	// Query reads events matching the query after the cursor, in ascending
	// position order. A nil cursor reads from the beginning of the log.
	Query(ctx context.Context, query Query, after *Cursor) ([]Event, error)

	// QueryLimited reads up to limit events matching the query after the
	// cursor. This is the batched read path used by event processors.
	QueryLimited(ctx context.Context, query Query, after *Cursor, limit int) ([]Event, error)

	// QueryStream creates a channel-based stream of events matching the
	// query after the cursor. The channel closes when the stream ends or
	// the context is cancelled.
	QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error)

	// Append appends events to the store without any concurrency checks and
	// returns the cursor of the last appended event.
	Append(ctx context.Context, events []InputEvent) (Cursor, error)

	// AppendIf appends events only if no event past the condition's cursor
	// matches the condition's guard query. On violation it returns a
	// ConcurrencyError and persists nothing.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error)

	// Project folds the supplied projectors over the filtered event stream
	// and returns the final states plus the append condition that guards a
	// subsequent AppendIf with the same slice of history.
	Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error)

	// GetConfig returns the current EventStore configuration.
	GetConfig() EventStoreConfig
}

// eventStore implements EventStore on PostgreSQL. writePool targets the
// primary; readPool may target a read replica and defaults to writePool.
type eventStore struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool
	config    EventStoreConfig
}

func newEventStore(ctx context.Context, writePool, readPool *pgxpool.Pool, config EventStoreConfig) (*eventStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := writePool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	if readPool == nil {
		readPool = writePool
	}
	return &eventStore{
		writePool: writePool,
		readPool:  readPool,
		config:    config,
	}, nil
}

// NewEventStore creates a new EventStore using the provided PostgreSQL
// connection pool for both reads and writes.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return newEventStore(ctx, pool, nil, DefaultEventStoreConfig())
}

// NewEventStoreWithConfig creates a new EventStore with an explicit read pool
// (nil to reuse the write pool) and configuration.
func NewEventStoreWithConfig(ctx context.Context, writePool, readPool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultEventStoreConfig().MaxBatchSize
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultEventStoreConfig().QueryTimeout
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = DefaultEventStoreConfig().AppendTimeout
	}
	if config.CommandMaxRetries <= 0 {
		config.CommandMaxRetries = DefaultEventStoreConfig().CommandMaxRetries
	}
	return newEventStore(ctx, writePool, readPool, config)
}

// GetConfig returns the current EventStore configuration.
func (es *eventStore) GetConfig() EventStoreConfig {
	return es.config
}

// withTimeout creates a new context with timeout, respecting the caller's
// deadline if set, otherwise applying the configured default.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}
