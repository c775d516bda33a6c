package processor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tidemark/pkg/dcb"
)

// ApplyFunc writes one event into a materialized view inside the batch
// transaction. It must be idempotent: a crash between handling and the
// progress checkpoint redelivers the batch.
type ApplyFunc func(ctx context.Context, tx pgx.Tx, event dcb.Event) error

// ViewUpdater maintains a SQL materialized view from a processor's event
// stream. The whole batch applies in one transaction on the write pool, so a
// partial failure leaves the view untouched.
type ViewUpdater struct {
	pool  *pgxpool.Pool
	apply ApplyFunc
}

// NewViewUpdater creates a view updater over the write pool.
func NewViewUpdater(pool *pgxpool.Pool, apply ApplyFunc) *ViewUpdater {
	return &ViewUpdater{pool: pool, apply: apply}
}

func (v *ViewUpdater) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin view transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range events {
		if err := v.apply(ctx, tx, event); err != nil {
			return 0, fmt.Errorf("apply event %d: %w", event.Position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit view transaction: %w", err)
	}
	return len(events), nil
}
