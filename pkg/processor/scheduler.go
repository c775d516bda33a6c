package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// leaderRetryCooldown spaces in-tick acquisition attempts by followers.
	leaderRetryCooldown = 30 * time.Second
	// leaderRetryInterval drives the standalone promotion loop, which runs
	// even when every processor is idle.
	leaderRetryInterval = 30 * time.Second
	// readyFallbackDelay separates the ready signal from the first tick so
	// schema DDL settles before processors start polling.
	readyFallbackDelay = 500 * time.Millisecond
)

// RuntimeDeps are the hand-wired collaborators of a Runtime.
type RuntimeDeps struct {
	Logger   *zap.Logger
	Configs  map[string]ProcessorConfig
	Fetcher  *EventFetcher
	Progress *ProgressTracker
	Elector  *LeaderElector
	Handler  EventHandler
	Metrics  *Metrics // optional
}

// Runtime schedules the configured processors. Per processor it runs one
// ticker goroutine with a single in-flight tick; every tick walks the guard
// sequence: shutdown flag, config, leadership, backoff, then
// fetch/handle/advance. All cross-process coordination goes through the
// database.
type Runtime struct {
	logger   *zap.Logger
	configs  map[string]ProcessorConfig
	fetcher  *EventFetcher
	progress *ProgressTracker
	elector  *LeaderElector
	handler  EventHandler
	metrics  *Metrics

	backoffs map[string]*BackoffController

	ready     chan struct{}
	readyOnce sync.Once

	shuttingDown atomic.Bool
	mu           sync.Mutex
	lastRetry    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewRuntime wires a runtime from explicit dependencies. Configs get
// defaulted; disabled processors are kept for the management surface but
// never scheduled.
func NewRuntime(deps RuntimeDeps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	configs := make(map[string]ProcessorConfig, len(deps.Configs))
	backoffs := make(map[string]*BackoffController, len(deps.Configs))
	for id, cfg := range deps.Configs {
		cfg = cfg.withDefaults()
		configs[id] = cfg
		if cfg.BackoffEnabled {
			backoffs[id] = NewBackoffController(
				cfg.BackoffThreshold, cfg.BackoffMultiplier,
				cfg.PollingIntervalMs, cfg.BackoffMaxSeconds)
		}
	}

	return &Runtime{
		logger:   deps.Logger,
		configs:  configs,
		fetcher:  deps.Fetcher,
		progress: deps.Progress,
		elector:  deps.Elector,
		handler:  deps.Handler,
		metrics:  deps.Metrics,
		backoffs: backoffs,
		ready:    make(chan struct{}),
	}
}

// SignalReady marks the database schema as present. Start blocks until this
// fires.
func (r *Runtime) SignalReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Start waits for the ready signal, then registers the per-processor tickers
// and the leader promotion loop. It returns once everything is scheduled.
func (r *Runtime) Start(ctx context.Context) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Let schema DDL settle before the first poll
	select {
	case <-time.After(readyFallbackDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	started := 0
	for id, cfg := range r.configs {
		if !cfg.Enabled {
			r.logger.Info("processor disabled, not scheduling", zap.String("processor", id))
			continue
		}
		r.wg.Add(1)
		go r.runProcessor(runCtx, id, cfg)
		started++
	}

	r.wg.Add(1)
	go r.runLeaderRetry(runCtx)

	r.logger.Info("processor runtime started",
		zap.Int("processors", started),
		zap.String("instance", r.elector.InstanceID()))
	return nil
}

// Stop sets the shutdown flag, cancels all tasks, waits for in-flight ticks
// and releases the leader lock.
func (r *Runtime) Stop(ctx context.Context) error {
	r.shuttingDown.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if err := r.elector.Release(ctx); err != nil && !IsShutdownConnectionError(err) {
		return fmt.Errorf("release leader lock: %w", err)
	}
	r.logger.Info("processor runtime stopped")
	return nil
}

func (r *Runtime) runProcessor(ctx context.Context, id string, cfg ProcessorConfig) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Duration(cfg.PollingIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, id, cfg)
		}
	}
}

// runLeaderRetry promotes a follower on a longer interval even when every
// processor is idle or backing off. For the current leader it doubles as a
// liveness check: a dead lock session demotes so two instances never process
// at once.
func (r *Runtime) runLeaderRetry(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(leaderRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.shuttingDown.Load() {
				continue
			}
			if r.elector.IsLeader() {
				if !r.elector.Verify(ctx) {
					r.logger.Warn("lost leadership, lock session is dead",
						zap.String("instance", r.elector.InstanceID()))
				}
				continue
			}
			acquired, err := r.elector.TryAcquire(ctx)
			if err != nil {
				r.logLeaderError(err)
				continue
			}
			if acquired {
				r.logger.Info("acquired leadership",
					zap.String("instance", r.elector.InstanceID()))
			}
		}
	}
}

// tick is the guarded per-processor sequence. Any guard that falls through
// skips the tick without touching progress.
func (r *Runtime) tick(ctx context.Context, id string, cfg ProcessorConfig) {
	if r.shuttingDown.Load() {
		return
	}

	if !r.elector.IsLeader() {
		if !r.tryLeaderWithCooldown(ctx) {
			return
		}
	}

	if backoff := r.backoffs[id]; backoff != nil && backoff.ShouldSkip() {
		return
	}

	start := time.Now()
	handled, err := r.process(ctx, id, cfg)
	r.metrics.ObserveCycle(id, handled, time.Since(start), err)

	if err != nil {
		if r.shuttingDown.Load() || IsShutdownConnectionError(err) {
			r.logger.Debug("tick error during shutdown",
				zap.String("processor", id), zap.Error(err))
		} else {
			r.logger.Error("tick failed",
				zap.String("processor", id), zap.Error(err))
		}
		// Errors leave the backoff counters alone
		return
	}

	if backoff := r.backoffs[id]; backoff != nil {
		if handled > 0 {
			backoff.RecordSuccess()
		} else {
			backoff.RecordEmpty()
		}
	}

	if lag, lagErr := r.progress.GetLag(ctx, id); lagErr == nil {
		r.metrics.SetLag(id, lag)
	}
}

// tryLeaderWithCooldown makes at most one acquisition attempt per cooldown
// window across all processors. Returns whether this instance leads now.
func (r *Runtime) tryLeaderWithCooldown(ctx context.Context) bool {
	r.mu.Lock()
	if time.Since(r.lastRetry) < leaderRetryCooldown {
		r.mu.Unlock()
		return false
	}
	r.lastRetry = time.Now()
	r.mu.Unlock()

	acquired, err := r.elector.TryAcquire(ctx)
	if err != nil {
		r.logLeaderError(err)
		return false
	}
	if acquired {
		r.logger.Info("acquired leadership",
			zap.String("instance", r.elector.InstanceID()))
	}
	return acquired
}

func (r *Runtime) logLeaderError(err error) {
	if r.shuttingDown.Load() || IsShutdownConnectionError(err) {
		r.logger.Debug("leader acquisition error during shutdown", zap.Error(err))
		return
	}
	r.logger.Error("leader acquisition failed", zap.Error(err))
}

// process runs fetch, handle, advance for one processor and returns the
// handled count.
func (r *Runtime) process(ctx context.Context, id string, cfg ProcessorConfig) (int, error) {
	status, err := r.progress.GetStatus(ctx, id)
	if err != nil {
		if IsSchemaNotReady(err) {
			return 0, nil
		}
		return 0, err
	}
	if status == StatusPaused || status == StatusFailed {
		return 0, nil
	}

	if err := r.progress.AutoRegister(ctx, id, r.elector.InstanceID()); err != nil {
		if IsSchemaNotReady(err) {
			return 0, nil
		}
		return 0, err
	}

	last, err := r.progress.GetLastPosition(ctx, id)
	if err != nil {
		return 0, err
	}

	events, scanned, err := r.fetcher.FetchEvents(ctx, id, last, cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		// The scan may still have advanced past rows the subscription's
		// post-filter dropped; checkpoint them so the batch is not re-read
		if scanned > last {
			if err := r.progress.UpdateProgress(ctx, id, scanned); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	handled, err := r.handler.Handle(ctx, id, events)
	if err != nil {
		handlerErr := &HandlerError{ProcessorID: id, Err: err}
		if recordErr := r.progress.RecordError(ctx, id, err.Error(), cfg.MaxErrors); recordErr != nil {
			r.logger.Error("failed to record handler error",
				zap.String("processor", id), zap.Error(recordErr))
		}
		return 0, handlerErr
	}

	if err := r.progress.UpdateProgress(ctx, id, scanned); err != nil {
		return 0, err
	}
	if err := r.progress.ResetErrorCount(ctx, id); err != nil {
		return 0, err
	}
	return handled, nil
}

// ============================================================================
// Management surface
// ============================================================================

// ProcessorIDs returns the configured processor ids.
func (r *Runtime) ProcessorIDs() []string {
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	return ids
}

// HasProcessor reports whether the id is configured.
func (r *Runtime) HasProcessor(id string) bool {
	_, ok := r.configs[id]
	return ok
}

// States lists the persisted state of all registered processors.
func (r *Runtime) States(ctx context.Context) ([]ProcessorState, error) {
	return r.progress.ListStates(ctx)
}

// State returns one processor's persisted state; nil when never registered.
func (r *Runtime) State(ctx context.Context, id string) (*ProcessorState, error) {
	return r.progress.GetState(ctx, id)
}

// Lag returns the processor's distance from the log head.
func (r *Runtime) Lag(ctx context.Context, id string) (int64, error) {
	return r.progress.GetLag(ctx, id)
}

// Backoff returns the in-memory backoff snapshot. ok is false when backoff
// is disabled for the processor.
func (r *Runtime) Backoff(id string) (BackoffState, bool) {
	backoff, ok := r.backoffs[id]
	if !ok {
		return BackoffState{}, false
	}
	return backoff.State(), true
}

// Pause blocks the processor's processing until Resume.
func (r *Runtime) Pause(ctx context.Context, id string) error {
	return r.progress.SetStatus(ctx, id, StatusPaused)
}

// Resume returns a paused processor to ACTIVE.
func (r *Runtime) Resume(ctx context.Context, id string) error {
	return r.progress.SetStatus(ctx, id, StatusActive)
}

// Reset clears the error counter and reactivates a FAILED processor.
func (r *Runtime) Reset(ctx context.Context, id string) error {
	return r.progress.ResetErrorCount(ctx, id)
}

// ResetPosition rewinds (or advances) the processor's checkpoint and
// reactivates it. Events past the new position are redelivered.
func (r *Runtime) ResetPosition(ctx context.Context, id string, position int64) error {
	return r.progress.ResetPosition(ctx, id, position)
}

// IsLeader reports whether this instance currently leads.
func (r *Runtime) IsLeader() bool {
	return r.elector.IsLeader()
}
