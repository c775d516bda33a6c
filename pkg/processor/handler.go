package processor

import (
	"context"
	"fmt"

	"tidemark/pkg/dcb"
)

// EventHandler consumes a batch of events for a processor and returns the
// count actually handled. Handlers must be idempotent or at-least-once
// tolerant: progress advances only after Handle returns, so a crash in
// between causes redelivery.
type EventHandler interface {
	Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error)
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, processorID string, events []dcb.Event) (int, error)

func (f HandlerFunc) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	return f(ctx, processorID, events)
}

// Router dispatches batches to per-processor handlers.
type Router struct {
	handlers map[string]EventHandler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]EventHandler)}
}

// Route registers the handler for a processor id, replacing any previous one.
func (r *Router) Route(processorID string, handler EventHandler) *Router {
	r.handlers[processorID] = handler
	return r
}

func (r *Router) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	handler, ok := r.handlers[processorID]
	if !ok {
		return 0, fmt.Errorf("no handler registered for processor %s", processorID)
	}
	return handler.Handle(ctx, processorID, events)
}
