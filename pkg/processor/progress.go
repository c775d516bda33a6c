package processor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Processor statuses.
const (
	StatusActive = "ACTIVE"
	StatusPaused = "PAUSED"
	StatusFailed = "FAILED"
)

// ProcessorState is a row of processor_progress.
type ProcessorState struct {
	ProcessorID  string    `json:"processor_id"`
	LastPosition int64     `json:"last_position"`
	Status       string    `json:"status"`
	ErrorCount   int       `json:"error_count"`
	LastError    *string   `json:"last_error,omitempty"`
	InstanceID   string    `json:"instance_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProgressTracker persists per-processor positions and statuses. Writes go to
// the primary; status and position reads may target the replica, except right
// after registration where the primary is needed for visibility.
type ProgressTracker struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool
}

// NewProgressTracker creates a tracker. readPool may be nil to reuse the
// write pool.
func NewProgressTracker(writePool, readPool *pgxpool.Pool) *ProgressTracker {
	if readPool == nil {
		readPool = writePool
	}
	return &ProgressTracker{writePool: writePool, readPool: readPool}
}

// AutoRegister inserts the processor row if absent. Idempotent.
func (p *ProgressTracker) AutoRegister(ctx context.Context, processorID, instanceID string) error {
	_, err := p.writePool.Exec(ctx, `
		INSERT INTO processor_progress (processor_id, last_position, status, instance_id)
		VALUES ($1, 0, 'ACTIVE', $2)
		ON CONFLICT (processor_id) DO NOTHING
	`, processorID, instanceID)
	return err
}

// GetLastPosition returns the persisted position, 0 if unknown.
func (p *ProgressTracker) GetLastPosition(ctx context.Context, processorID string) (int64, error) {
	var position int64
	err := p.readPool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT last_position FROM processor_progress WHERE processor_id = $1), 0)
	`, processorID).Scan(&position)
	return position, err
}

// UpdateProgress advances the position. It never moves backwards.
func (p *ProgressTracker) UpdateProgress(ctx context.Context, processorID string, position int64) error {
	_, err := p.writePool.Exec(ctx, `
		INSERT INTO processor_progress (processor_id, last_position)
		VALUES ($1, $2)
		ON CONFLICT (processor_id) DO UPDATE
		SET last_position = GREATEST(processor_progress.last_position, EXCLUDED.last_position),
		    updated_at = now()
	`, processorID, position)
	return err
}

// RecordError increments the error counter and stores the message. Reaching
// maxErrors flips the processor to FAILED.
func (p *ProgressTracker) RecordError(ctx context.Context, processorID, message string, maxErrors int) error {
	_, err := p.writePool.Exec(ctx, `
		UPDATE processor_progress
		SET error_count = error_count + 1,
		    last_error = $2,
		    status = CASE WHEN error_count + 1 >= $3 THEN 'FAILED' ELSE status END,
		    updated_at = now()
		WHERE processor_id = $1
	`, processorID, message, maxErrors)
	return err
}

// ResetErrorCount clears errors and returns the processor to ACTIVE.
func (p *ProgressTracker) ResetErrorCount(ctx context.Context, processorID string) error {
	_, err := p.writePool.Exec(ctx, `
		UPDATE processor_progress
		SET error_count = 0, last_error = NULL, status = 'ACTIVE', updated_at = now()
		WHERE processor_id = $1
	`, processorID)
	return err
}

// ResetPosition moves the checkpoint to an explicit position, clears errors
// and reactivates the processor. This is the only supported way to move
// last_position backwards; events past the new position are redelivered.
func (p *ProgressTracker) ResetPosition(ctx context.Context, processorID string, position int64) error {
	_, err := p.writePool.Exec(ctx, `
		UPDATE processor_progress
		SET last_position = $2, error_count = 0, last_error = NULL,
		    status = 'ACTIVE', updated_at = now()
		WHERE processor_id = $1
	`, processorID, position)
	return err
}

// SetStatus transitions the processor directly. PAUSED blocks processing;
// FAILED blocks and requires an explicit reset.
func (p *ProgressTracker) SetStatus(ctx context.Context, processorID, status string) error {
	_, err := p.writePool.Exec(ctx, `
		UPDATE processor_progress SET status = $2, updated_at = now()
		WHERE processor_id = $1
	`, processorID, status)
	return err
}

// GetStatus returns the processor status, ACTIVE when the row is absent.
func (p *ProgressTracker) GetStatus(ctx context.Context, processorID string) (string, error) {
	var status string
	err := p.readPool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT status FROM processor_progress WHERE processor_id = $1), 'ACTIVE')
	`, processorID).Scan(&status)
	return status, err
}

// GetState returns the full row, or (nil, nil) when the processor is unknown.
func (p *ProgressTracker) GetState(ctx context.Context, processorID string) (*ProcessorState, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT processor_id, last_position, status, error_count, last_error, instance_id, updated_at
		FROM processor_progress WHERE processor_id = $1
	`, processorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var state ProcessorState
	if err := rows.Scan(&state.ProcessorID, &state.LastPosition, &state.Status,
		&state.ErrorCount, &state.LastError, &state.InstanceID, &state.UpdatedAt); err != nil {
		return nil, err
	}
	return &state, nil
}

// ListStates returns all registered processors.
func (p *ProgressTracker) ListStates(ctx context.Context) ([]ProcessorState, error) {
	rows, err := p.readPool.Query(ctx, `
		SELECT processor_id, last_position, status, error_count, last_error, instance_id, updated_at
		FROM processor_progress ORDER BY processor_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []ProcessorState
	for rows.Next() {
		var state ProcessorState
		if err := rows.Scan(&state.ProcessorID, &state.LastPosition, &state.Status,
			&state.ErrorCount, &state.LastError, &state.InstanceID, &state.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// GetLag returns how far the processor trails the head of the log.
func (p *ProgressTracker) GetLag(ctx context.Context, processorID string) (int64, error) {
	var lag int64
	err := p.readPool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT max(position) FROM events), 0) -
			COALESCE((SELECT last_position FROM processor_progress WHERE processor_id = $1), 0),
			0)
	`, processorID).Scan(&lag)
	return lag, err
}
