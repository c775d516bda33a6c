package dcb

import (
	"context"
	"fmt"
)

// StateProjector defines how to project a state from events.
type StateProjector struct {
	Query        Query                            `json:"query"`
	InitialState any                              `json:"initial_state"`
	TransitionFn func(state any, event Event) any `json:"-"`
}

// BatchProjector combines a state projector with an identifier.
type BatchProjector struct {
	ID             string         `json:"id"`
	StateProjector StateProjector `json:"state_projector"`
}

// combineProjectorQueries merges the query items of all projectors into a
// single OR query. This is the slice of history the projection reads and the
// guard a subsequent AppendIf uses.
func combineProjectorQueries(projectors []BatchProjector) Query {
	var allItems []QueryItem
	for _, bp := range projectors {
		allItems = append(allItems, bp.StateProjector.Query.getItems()...)
	}
	return &query{Items: allItems}
}

// eventMatchesProjector checks if an event matches a projector's query.
// An event matches an item when its type is in the item's type set (or the
// set is empty) and it carries every tag the item requires. Repeated keys in
// the event are fine; each required (key, value) just has to be present.
func eventMatchesProjector(event Event, projector StateProjector) bool {
	items := projector.Query.getItems()
	if len(items) == 0 {
		return true
	}

	for _, item := range items {
		if len(item.getEventTypes()) > 0 {
			typeMatches := false
			for _, eventType := range item.getEventTypes() {
				if event.Type == eventType {
					typeMatches = true
					break
				}
			}
			if !typeMatches {
				continue
			}
		}

		if len(item.getTags()) > 0 {
			present := make(map[string]bool, len(event.Tags))
			for _, t := range event.Tags {
				present[t.GetKey()+"="+t.GetValue()] = true
			}
			allTagsMatch := true
			for _, required := range item.getTags() {
				if !present[required.GetKey()+"="+required.GetValue()] {
					allTagsMatch = false
					break
				}
			}
			if !allTagsMatch {
				continue
			}
		}

		return true
	}

	return false
}

// Project folds the projectors over the filtered event stream starting after
// the cursor. It returns the final state per projector ID and the append
// condition built from the combined query plus the last processed cursor, so
// a command handler can pass it straight to AppendIf.
func (es *eventStore) Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	for _, bp := range projectors {
		if bp.ID == "" {
			return nil, nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector ID cannot be empty"),
				},
				Field: "projector.id",
				Value: "empty",
			}
		}
		if bp.StateProjector.TransitionFn == nil {
			return nil, nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %s has nil transition function", bp.ID),
				},
				Field: "transitionFn",
				Value: "nil",
			}
		}
		if len(bp.StateProjector.Query.getItems()) == 0 {
			return nil, nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("projector %s has empty query", bp.ID),
				},
				Field: "query",
				Value: "empty",
			}
		}
	}

	combined := combineProjectorQueries(projectors)

	sqlQuery, args, err := es.buildReadQuerySQL(combined, readOptions{After: after})
	if err != nil {
		return nil, nil, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	rows, err := es.readPool.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return nil, nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	states := make(map[string]any, len(projectors))
	for _, bp := range projectors {
		states[bp.ID] = bp.StateProjector.InitialState
	}

	var latestCursor *Cursor
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, nil, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "project",
					Err: fmt.Errorf("failed to scan event row: %w", err),
				},
				Resource: "database",
			}
		}

		event := convertRowToEvent(row)
		latestCursor = &Cursor{
			Position:      row.Position,
			TransactionID: row.TransactionID,
			OccurredAt:    row.OccurredAt,
		}

		for _, bp := range projectors {
			if eventMatchesProjector(event, bp.StateProjector) {
				states[bp.ID] = bp.StateProjector.TransitionFn(states[bp.ID], event)
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "project",
				Err: fmt.Errorf("error iterating over events: %w", err),
			},
			Resource: "database",
		}
	}

	condition := NewAppendCondition(combined)
	if latestCursor != nil {
		condition.setAfterCursor(latestCursor)
	} else {
		// Empty stream: guard from the caller's cursor
		condition.setAfterCursor(after)
	}

	return states, condition, nil
}

// ConditionCursor exposes the cursor an append condition guards after. It
// returns nil for conditions built without a cursor.
func ConditionCursor(condition AppendCondition) *Cursor {
	if condition == nil {
		return nil
	}
	return condition.getAfterCursor()
}
