package processor

import "sync"

// BackoffState is a snapshot of a processor's backoff counters.
type BackoffState struct {
	EmptyPollCount     int `json:"empty_poll_count"`
	CurrentSkipCounter int `json:"current_skip_counter"`
}

// BackoffController slows a processor down after consecutive empty polls.
// Past the threshold, the skip counter grows as multiplier^(empties−threshold)−1,
// capped so the total wait never exceeds maxSeconds. A successful poll returns
// the processor to full rate immediately.
type BackoffController struct {
	threshold  int
	multiplier int
	maxSkips   int

	mu                 sync.Mutex
	emptyPollCount     int
	currentSkipCounter int
}

// NewBackoffController derives maxSkips from the cap in seconds and the tick
// period, so the skip counter is bounded in wall-clock terms.
func NewBackoffController(threshold, multiplier, pollingIntervalMs, maxSeconds int) *BackoffController {
	maxSkips := maxSeconds * 1000 / pollingIntervalMs
	if maxSkips < 1 {
		maxSkips = 1
	}
	return &BackoffController{
		threshold:  threshold,
		multiplier: multiplier,
		maxSkips:   maxSkips,
	}
}

// RecordEmpty notes an empty poll and recomputes the skip counter.
func (b *BackoffController) RecordEmpty() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emptyPollCount++
	if b.emptyPollCount <= b.threshold {
		return
	}

	skips := 1
	for i := 0; i < b.emptyPollCount-b.threshold; i++ {
		skips *= b.multiplier
		if skips > b.maxSkips {
			break
		}
	}
	skips--
	if skips > b.maxSkips {
		skips = b.maxSkips
	}
	b.currentSkipCounter = skips
}

// RecordSuccess resets both counters.
func (b *BackoffController) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyPollCount = 0
	b.currentSkipCounter = 0
}

// ShouldSkip consumes one skip credit if available.
func (b *BackoffController) ShouldSkip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentSkipCounter > 0 {
		b.currentSkipCounter--
		return true
	}
	return false
}

// State returns a snapshot for the management API.
func (b *BackoffController) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackoffState{
		EmptyPollCount:     b.emptyPollCount,
		CurrentSkipCounter: b.currentSkipCounter,
	}
}
