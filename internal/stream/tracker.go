package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled marks cancellations issued through the tracker. The reason is
// carried in the wrapping error's message and surfaces via context.Cause.
var ErrCancelled = errors.New("execution cancelled")

type execution struct {
	cancel    context.CancelCauseFunc
	cancelled bool
}

// Tracker holds the in-flight executions so they can be cancelled by key.
// Cancel signals the execution's context but leaves the entry in place; only
// Remove, deferred unconditionally by the orchestrator run, drops it. At most
// one execution exists per target because assistant message ids are freshly
// minted.
type Tracker struct {
	mu      sync.Mutex
	entries map[Target]*execution
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[Target]*execution)}
}

// Register inserts an execution under its target key.
func (t *Tracker) Register(target Target, cancel context.CancelCauseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[target] = &execution{cancel: cancel}
}

// Cancel signals cancellation with a human-readable reason if the target is
// registered and not already cancelled. It reports whether a signal was sent.
func (t *Tracker) Cancel(target Target, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[target]
	if !ok || e.cancelled {
		return false
	}
	e.cancelled = true
	e.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	return true
}

// Remove unconditionally drops the entry for target.
func (t *Tracker) Remove(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, target)
}

// Active reports whether target has a registered execution.
func (t *Tracker) Active(target Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[target]
	return ok
}

// Len returns the number of in-flight executions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
