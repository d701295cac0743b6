package expiringmap

import (
	"sync"

	"go.uber.org/atomic"
)

// ExpirationPolicy controls when an entry's deadline is recomputed.
type ExpirationPolicy int32

const (
	// PolicyCreated resets the deadline only when an entry is first
	// created or its value changes. A Put that rewrites the same value
	// leaves the deadline untouched (the idempotent-put-preserves-deadline
	// rule, spec.md invariant 6).
	PolicyCreated ExpirationPolicy = iota

	// PolicyAccessed resets the deadline on every read as well as every
	// write.
	PolicyAccessed
)

func (p ExpirationPolicy) String() string {
	switch p {
	case PolicyCreated:
		return "CREATED"
	case PolicyAccessed:
		return "ACCESSED"
	default:
		return "UNKNOWN"
	}
}

// scheduleHandle is held by an entry while a firing is pending for it.
// valid is flipped to false by cancel so a firing already queued for the
// scheduler's worker is a no-op when it is dequeued (spec.md invariant
// 5: a cancelled firing must not invoke any listener).
type scheduleHandle struct {
	valid *atomic.Bool
	timer schedTimer
}

// entry is the C2 entry record. value, expectedAt, scheduled and seq
// mutate only while the owning Map's writer lock is held; cancelMu
// additionally serializes attach/cancel against the scheduler goroutine,
// which runs outside the writer lock while invoking listeners.
type entry[K comparable, V any] struct {
	key   K
	value V

	// policyRef/durationRef are shared cells for uniform-expiration
	// entries (the same pointer across every entry in the map) and
	// private per-entry cells for variable expiration.
	policyRef   *atomic.Int32
	durationRef *atomic.Int64

	expectedAt int64 // absolute monotonic deadline, nanoseconds

	cancelMu  sync.Mutex
	handle    *scheduleHandle
	scheduled bool

	seq int64 // insertion sequence; breaks ties in the variable index

	// heapIndex is maintained by the variable-expiration index only;
	// -1 when the entry is not (or no longer) in the heap.
	heapIndex int
}

func newEntry[K comparable, V any](key K, value V, policyRef *atomic.Int32, durationRef *atomic.Int64, seq int64) *entry[K, V] {
	return &entry[K, V]{
		key:         key,
		value:       value,
		policyRef:   policyRef,
		durationRef: durationRef,
		seq:         seq,
		heapIndex:   -1,
	}
}

func (e *entry[K, V]) policy() ExpirationPolicy {
	return ExpirationPolicy(e.policyRef.Load())
}

func (e *entry[K, V]) duration() int64 {
	return e.durationRef.Load()
}

// resetDeadline recomputes expectedAt from the current clock and
// duration cell. Caller must hold the map's writer lock.
func (e *entry[K, V]) resetDeadline(clk Clock) {
	e.expectedAt = clk.Now().UnixNano() + e.duration()
}

// cancel cancels any pending scheduled firing for e, reporting whether
// one was pending, and optionally resets the deadline. Idempotent.
func (e *entry[K, V]) cancel(reset bool, clk Clock) (wasScheduled bool) {
	e.cancelMu.Lock()
	if e.scheduled && e.handle != nil {
		e.handle.valid.Store(false)
		e.handle.timer.Stop()
		wasScheduled = true
	}
	e.handle = nil
	e.scheduled = false
	e.cancelMu.Unlock()

	if reset {
		e.resetDeadline(clk)
	}
	return wasScheduled
}

// attachSchedule records a newly-armed firing for e.
func (e *entry[K, V]) attachSchedule(h *scheduleHandle) {
	e.cancelMu.Lock()
	e.handle = h
	e.scheduled = true
	e.cancelMu.Unlock()
}

func (e *entry[K, V]) isScheduled() bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.scheduled
}
