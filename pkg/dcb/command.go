package dcb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Command represents a command that triggers event generation.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]interface{}
}

// command is the internal implementation
type command struct {
	commandType string
	data        []byte
	metadata    map[string]interface{}
}

func (c *command) GetType() string                     { return c.commandType }
func (c *command) GetData() []byte                     { return c.data }
func (c *command) GetMetadata() map[string]interface{} { return c.metadata }

// NewCommand creates a new Command with the given type, data, and metadata.
func NewCommand(commandType string, data []byte, metadata map[string]interface{}) Command {
	return &command{
		commandType: commandType,
		data:        data,
		metadata:    metadata,
	}
}

// CommandHandler declares the decision boundary of a command: the exact slice
// of history it inspects (Projectors) and the pure decision over the
// resulting states (Decide). Decide must not perform I/O.
type CommandHandler interface {
	// Projectors returns the projectors whose combined query is both the
	// read filter and the append guard for this command.
	Projectors(cmd Command) []BatchProjector

	// Decide turns projected states and the command into new events.
	Decide(states map[string]any, cmd Command) ([]InputEvent, error)
}

// CommandExecutor runs the project -> decide -> appendIf cycle under the
// dynamic consistency boundary contract: the guard query is the same query
// that produced the decision state. On a concurrency conflict it re-reads and
// retries up to the configured bound.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command, handler CommandHandler) ([]InputEvent, Cursor, error)
}

type commandExecutor struct {
	eventStore    EventStore
	storeCommands bool // opt-in command audit records
}

// NewCommandExecutor creates an executor that appends events only.
func NewCommandExecutor(eventStore EventStore) CommandExecutor {
	return &commandExecutor{eventStore: eventStore}
}

// NewCommandExecutorWithAudit creates an executor that also records each
// command in the commands table, sharing the append's transaction id.
func NewCommandExecutorWithAudit(eventStore EventStore) CommandExecutor {
	return &commandExecutor{eventStore: eventStore, storeCommands: true}
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd Command, handler CommandHandler) ([]InputEvent, Cursor, error) {
	if cmd == nil {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command cannot be nil"),
			},
			Field: "command",
			Value: "nil",
		}
	}
	if handler == nil {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("handler cannot be nil"),
			},
			Field: "handler",
			Value: "nil",
		}
	}

	maxRetries := ce.eventStore.GetConfig().CommandMaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		events, cursor, err := ce.executeOnce(ctx, cmd, handler)
		if err == nil {
			return events, cursor, nil
		}
		if !IsConcurrencyError(err) {
			return nil, Cursor{}, err
		}
		// Concurrent writer invalidated the decision slice; re-read and retry
		lastErr = err
	}

	return nil, Cursor{}, lastErr
}

func (ce *commandExecutor) executeOnce(ctx context.Context, cmd Command, handler CommandHandler) ([]InputEvent, Cursor, error) {
	projectors := handler.Projectors(cmd)
	if len(projectors) == 0 {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("handler declared no projectors"),
			},
			Field: "projectors",
			Value: "empty",
		}
	}

	states, condition, err := ce.eventStore.Project(ctx, projectors, nil)
	if err != nil {
		return nil, Cursor{}, err
	}

	events, err := handler.Decide(states, cmd)
	if err != nil {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: err,
			},
			Field: "handler",
			Value: "error",
		}
	}
	if len(events) == 0 {
		return nil, Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("handler generated no events"),
			},
			Field: "events",
			Value: "empty",
		}
	}

	if !ce.storeCommands {
		cursor, err := ce.eventStore.AppendIf(ctx, events, condition)
		if err != nil {
			return nil, Cursor{}, err
		}
		return events, cursor, nil
	}

	cursor, err := ce.appendWithCommandRecord(ctx, cmd, events, condition)
	if err != nil {
		return nil, Cursor{}, err
	}
	return events, cursor, nil
}

// appendWithCommandRecord performs the conditional append and the command
// insert in one transaction so both share pg_current_xact_id().
func (ce *commandExecutor) appendWithCommandRecord(ctx context.Context, cmd Command, events []InputEvent, condition AppendCondition) (Cursor, error) {
	// The audit path needs the internal transaction plumbing
	es, ok := ce.eventStore.(*eventStore)
	if !ok {
		return Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command audit requires the PostgreSQL event store"),
			},
			Field: "eventStore",
			Value: fmt.Sprintf("%T", ce.eventStore),
		}
	}

	conditionJSON, err := json.Marshal(condition.(*appendCondition).wire())
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("failed to marshal condition: %w", err),
			},
			Resource: "json",
		}
	}

	var commandMetadata []byte
	if cmd.GetMetadata() != nil {
		commandMetadata, err = json.Marshal(cmd.GetMetadata())
		if err != nil {
			return Cursor{}, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "execute",
					Err: fmt.Errorf("failed to marshal command metadata: %w", err),
				},
				Resource: "json",
			}
		}
	}

	if err := es.validateAppend(events, "execute"); err != nil {
		return Cursor{}, err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.writePool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return Cursor{}, beginTxError("execute", err)
	}
	defer tx.Rollback(ctx)

	cursor, err := es.appendInTx(appendCtx, tx, events, condition, conditionJSON)
	if err != nil {
		return Cursor{}, err
	}

	_, err = tx.Exec(appendCtx, `
		INSERT INTO commands (transaction_id, type, data, metadata)
		VALUES (pg_current_xact_id(), $1, $2, $3)
	`, cmd.GetType(), cmd.GetData(), commandMetadata)
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("failed to store command: %w", err),
			},
			Resource: "database",
		}
	}

	if err := tx.Commit(appendCtx); err != nil {
		return Cursor{}, commitError("execute", err)
	}

	return cursor, nil
}
