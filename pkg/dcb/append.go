package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Append appends events to the store without consistency or concurrency
// checks. Use this only when there are no business rules guarding the append.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	if err := es.validateAppend(events, "append"); err != nil {
		return Cursor{}, err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.writePool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return Cursor{}, beginTxError("append", err)
	}
	defer tx.Rollback(ctx)

	types, tags, data := encodeBatch(events)

	var (
		lastPos    int64
		txID       uint64
		occurredAt time.Time
	)
	err = tx.QueryRow(appendCtx, `
		SELECT append_events_batch($1, $2, $3), pg_current_xact_id(), now()
	`, types, tags, data).Scan(&lastPos, &txID, &occurredAt)
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to append events: %w", err),
			},
			Resource: "database",
		}
	}

	if err := tx.Commit(appendCtx); err != nil {
		return Cursor{}, commitError("append", err)
	}

	return Cursor{Position: lastPos, TransactionID: txID, OccurredAt: occurredAt}, nil
}

// AppendIf appends events under the condition's optimistic concurrency guard.
// The guard and the inserts run in one database transaction; a violation
// rolls everything back and surfaces as a ConcurrencyError.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error) {
	if condition == nil {
		return Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("condition cannot be nil"),
			},
			Field: "condition",
			Value: "nil",
		}
	}

	// Validate and prepare condition FIRST (fail early)
	conditionJSON, err := json.Marshal(condition.(*appendCondition).wire())
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendIf",
				Err: fmt.Errorf("failed to marshal condition: %w", err),
			},
			Resource: "json",
		}
	}

	if err := es.validateAppend(events, "appendIf"); err != nil {
		return Cursor{}, err
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.writePool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return Cursor{}, beginTxError("appendIf", err)
	}
	defer tx.Rollback(ctx)

	cursor, err := es.appendInTx(appendCtx, tx, events, condition, conditionJSON)
	if err != nil {
		return Cursor{}, err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return Cursor{}, commitError("appendIf", err)
	}

	return cursor, nil
}

// appendInTx runs the conditional append inside an existing transaction.
// conditionJSON may be nil when condition is nil (unconditional path).
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition AppendCondition, conditionJSON []byte) (Cursor, error) {
	types, tags, data := encodeBatch(events)

	var (
		txID       uint64
		occurredAt time.Time
	)

	if condition == nil {
		var lastPos int64
		err := tx.QueryRow(ctx, `
			SELECT append_events_batch($1, $2, $3), pg_current_xact_id(), now()
		`, types, tags, data).Scan(&lastPos, &txID, &occurredAt)
		if err != nil {
			return Cursor{}, appendExecError(err)
		}
		return Cursor{Position: lastPos, TransactionID: txID, OccurredAt: occurredAt}, nil
	}

	var result []byte
	err := tx.QueryRow(ctx, `
		SELECT append_events_with_condition($1, $2, $3, $4), pg_current_xact_id(), now()
	`, types, tags, data, conditionJSON).Scan(&result, &txID, &occurredAt)
	if err != nil {
		if isConcurrencySQLState(err) {
			return Cursor{}, es.concurrencyError(condition, "guard raised concurrency violation")
		}
		return Cursor{}, appendExecError(err)
	}

	var parsed struct {
		Success      bool   `json:"success"`
		Message      string `json:"message"`
		LastPosition int64  `json:"last_position"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "appendInTx",
				Err: fmt.Errorf("failed to parse append result: %w", err),
			},
			Resource: "json",
		}
	}

	if !parsed.Success {
		return Cursor{}, es.concurrencyError(condition, parsed.Message)
	}

	return Cursor{Position: parsed.LastPosition, TransactionID: txID, OccurredAt: occurredAt}, nil
}

func (es *eventStore) validateAppend(events []InputEvent, op string) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("events slice cannot be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	if err := es.validateBatchSize(events, op); err != nil {
		return err
	}
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}

func (es *eventStore) concurrencyError(condition AppendCondition, message string) error {
	var failed Query
	if q := condition.(*appendCondition).getFailIfEventsMatch(); q != nil {
		failed = q
	}
	return &ConcurrencyError{
		EventStoreError: EventStoreError{
			Op:  "appendIf",
			Err: fmt.Errorf("append condition violated: %s", message),
		},
		FailedQuery: failed,
		AfterCursor: condition.(*appendCondition).getAfterCursor(),
	}
}

// encodeBatch prepares the parallel arrays handed to the append functions.
func encodeBatch(events []InputEvent) ([]string, []string, [][]byte) {
	types := make([]string, len(events))
	tags := make([]string, len(events))
	data := make([][]byte, len(events))
	for i, event := range events {
		types[i] = event.GetType()
		tags[i] = encodeTagsArrayLiteral(TagsToArray(event.GetTags()))
		data[i] = event.GetData()
	}
	return types, tags, data
}

// encodeTagsArrayLiteral encodes "key=value" strings as a Postgres array
// literal so each batch element can be cast to TEXT[] inside the function.
func encodeTagsArrayLiteral(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		t = strings.ReplaceAll(t, `\`, `\\`)
		t = strings.ReplaceAll(t, `"`, `\"`)
		quoted[i] = `"` + t + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// Helper to convert our IsolationLevel to pgx.TxIsoLevel
func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelReadCommitted:
		return pgx.ReadCommitted
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// isConcurrencySQLState checks for the SQLSTATE reserved for guard failures
// raised inside the append function.
func isConcurrencySQLState(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "DCB01"
	}
	return false
}

func beginTxError(op string, err error) error {
	return &ResourceError{
		EventStoreError: EventStoreError{
			Op:  op,
			Err: fmt.Errorf("failed to begin transaction: %w", err),
		},
		Resource: "database",
	}
}

func commitError(op string, err error) error {
	return &ResourceError{
		EventStoreError: EventStoreError{
			Op:  op,
			Err: fmt.Errorf("failed to commit transaction: %w", err),
		},
		Resource: "database",
	}
}

func appendExecError(err error) error {
	return &ResourceError{
		EventStoreError: EventStoreError{
			Op:  "appendInTx",
			Err: fmt.Errorf("failed to append events: %w", err),
		},
		Resource: "database",
	}
}
