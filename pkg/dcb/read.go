package dcb

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// rowEvent is a helper struct for scanning database rows.
type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	Position      int64
	TransactionID uint64
	OccurredAt    time.Time
}

// convertRowToEvent converts a database row to an Event
func convertRowToEvent(row rowEvent) Event {
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		Position:      row.Position,
		TransactionID: row.TransactionID,
		OccurredAt:    row.OccurredAt,
	}
}

// readOptions carries the optional knobs for buildReadQuerySQL.
type readOptions struct {
	After *Cursor
	Limit *int
}

// buildReadQuerySQL builds the SQL for an ordered log scan. Query items
// combine with OR; within an item, event types use = ANY and tags use array
// containment (@>) for the AND-of-tags match. Cursor comparison is
// position-only.
func (es *eventStore) buildReadQuerySQL(q Query, options readOptions) (string, []interface{}, error) {
	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 4)
	argIndex := 1

	if len(q.getItems()) > 0 {
		orConditions := make([]string, 0, len(q.getItems()))

		for _, item := range q.getItems() {
			andConditions := make([]string, 0, 2)

			if len(item.getEventTypes()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
				args = append(args, item.getEventTypes())
				argIndex++
			}

			if len(item.getTags()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
				args = append(args, TagsToArray(item.getTags()))
				argIndex++
			}

			if len(andConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
			} else {
				// Unconstrained item matches everything
				orConditions = append(orConditions, "TRUE")
			}
		}

		conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
	}

	if options.After != nil {
		conditions = append(conditions, fmt.Sprintf("position > $%d", argIndex))
		args = append(args, options.After.Position)
		argIndex++
	}

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT type, tags, data, position, transaction_id, occurred_at FROM events")

	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}

	sqlQuery.WriteString(" ORDER BY position ASC")

	if options.Limit != nil {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT %d", *options.Limit))
	}

	return sqlQuery.String(), args, nil
}

// Query reads events matching the query after the cursor.
func (es *eventStore) Query(ctx context.Context, q Query, after *Cursor) ([]Event, error) {
	return es.queryWithOptions(ctx, q, readOptions{After: after})
}

// QueryLimited reads up to limit events matching the query after the cursor.
// This is the read path used by processor event fetchers.
func (es *eventStore) QueryLimited(ctx context.Context, q Query, after *Cursor, limit int) ([]Event, error) {
	return es.queryWithOptions(ctx, q, readOptions{After: after, Limit: &limit})
}

func (es *eventStore) queryWithOptions(ctx context.Context, q Query, options readOptions) ([]Event, error) {
	if q == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("query cannot be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	sqlQuery, args, err := es.buildReadQuerySQL(q, options)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	rows, err := es.readPool.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "query",
					Err: fmt.Errorf("failed to scan event row: %w", err),
				},
				Resource: "database",
			}
		}
		events = append(events, convertRowToEvent(row))
	}

	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("error iterating over events: %w", err),
			},
			Resource: "database",
		}
	}

	return events, nil
}

// QueryStream creates a channel-based stream of events matching the query.
// Rows are fetched incrementally, so large histories are not materialized in
// memory at once.
func (es *eventStore) QueryStream(ctx context.Context, q Query, after *Cursor) (<-chan Event, error) {
	if q == nil {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "queryStream",
				Err: fmt.Errorf("query cannot be nil"),
			},
			Field: "query",
			Value: "nil",
		}
	}
	if err := validateQueryTags(q); err != nil {
		return nil, err
	}

	sqlQuery, args, err := es.buildReadQuerySQL(q, readOptions{After: after})
	if err != nil {
		return nil, err
	}

	rows, err := es.readPool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "queryStream",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}

	resultChan := make(chan Event, 100)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("QueryStream panic recovered: %v", r)
			}
			rows.Close()
			close(resultChan)
		}()

		for rows.Next() {
			var row rowEvent
			if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
				log.Printf("QueryStream scan error: %v", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case resultChan <- convertRowToEvent(row):
			}
		}
		if err := rows.Err(); err != nil {
			log.Printf("QueryStream row iteration error: %v", err)
		}
	}()

	return resultChan, nil
}
