package expiringmap

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/*
Map is the expiration engine (C6): a thread-safe, generic associative
container whose entries expire after a configurable duration.

ARCHITECTURAL OVERVIEW

Map combines three collaborators, coordinated under a single
reader/writer lock:

1. entryIndex (C3) — either a doubly linked list (uniform expiration,
   O(1) ordering) or a binary heap (variable expiration, O(log n)
   ordering by absolute deadline).

2. scheduler (C4) — a single background worker that runs the earliest
   firing due, re-arming itself for whatever is due next.

3. dispatcher (C5) — delivers each expired entry to every registered
   listener, offloading slow synchronous ones to a shared pool.

CONCURRENCY MODEL

mu.Lock() guards every mutation (Put, Remove, reset, policy/duration
changes, eviction); mu.RLock() guards plain lookups. A lookup that
misses and needs to invoke a loader releases the reader lock, loads
outside any lock, then re-acquires the writer lock to insert — multiple
concurrent misses for the same key are additionally collapsed by
loadGroup so the loader runs at most once per key per miss episode.

Listener dispatch always happens after the writer lock has been
released (spec.md §4.4): every mutating method collects the entries
that must be notified into a slice while holding the lock, then calls
notifyAll after unlocking.
*/
type Map[K comparable, V any] struct {
	mu sync.RWMutex

	idx      entryIndex[K, V]
	variable bool

	// policyRef/durationRef are the map-level default cells. Under the
	// uniform variant every entry shares these pointers directly, so a
	// change here is visible to every existing entry immediately
	// (spec.md §4.6.8). Under the variable variant each entry gets its
	// own copy at creation time instead.
	policyRef   *atomic.Int32
	durationRef *atomic.Int64

	maxSize int

	loader         EntryLoader[K, V]
	expiringLoader ExpiringEntryLoader[K, V]
	loadGroup      singleflight.Group

	dispatcher *dispatcher[K, V]
	sched      *scheduler
	clk        Clock
	logger     *zap.Logger

	seq int64 // monotonically increasing identity, breaks heap ties

	stats internalStats

	closed bool
}

// EntryLoader is invoked by Get on a miss when no expiring loader is
// configured. A non-nil error means nothing is stored and Get reports
// a miss.
type EntryLoader[K comparable, V any] func(key K) (V, error)

// ExpiringEntryLoaderResult is returned by an ExpiringEntryLoader. A
// nil Policy or Duration falls back to the map's current default; if
// Absent is true (or an error is returned) nothing is stored.
type ExpiringEntryLoaderResult[V any] struct {
	Value    V
	Policy   *ExpirationPolicy
	Duration *time.Duration
	Absent   bool
}

// ExpiringEntryLoader is the expiring-entry-loader variant of
// EntryLoader (spec.md §4.6.3); mutually exclusive with EntryLoader.
type ExpiringEntryLoader[K comparable, V any] func(key K) (ExpiringEntryLoaderResult[V], error)

func zeroV[V any]() V {
	var zero V
	return zero
}

// Put inserts or updates k (spec.md §4.6.1). A Put that rewrites an
// existing value with an equal value under the CREATED policy does not
// reset the deadline.
func (m *Map[K, V]) Put(k K, v V) {
	m.mu.Lock()
	notify := m.putLocked(k, v)
	m.mu.Unlock()
	m.notifyAll(notify)
}

func (m *Map[K, V]) putLocked(k K, v V) []*entry[K, V] {
	if existing, ok := m.idx.get(k); ok {
		if existing.policy() == PolicyCreated && reflect.DeepEqual(existing.value, v) {
			return nil
		}
		existing.value = v
		m.resetEntryLocked(existing, false)
		return m.evictLocked()
	}

	m.seq++
	e := m.newEntryLocked(k, v)
	e.resetDeadline(m.clk)
	m.idx.put(e)
	// e may outrank the entry currently armed without that entry's timer
	// being cancelled here, so two timers can be briefly pending at once;
	// fire's isScheduled check keeps this safe (see janitor.go).
	if head, ok := m.idx.first(); ok && head == e {
		m.arm(e)
	}
	return m.evictLocked()
}

func (m *Map[K, V]) newEntryLocked(k K, v V) *entry[K, V] {
	if m.variable {
		return newEntry[K, V](k, v, atomic.NewInt32(m.policyRef.Load()), atomic.NewInt64(m.durationRef.Load()), m.seq)
	}
	return newEntry[K, V](k, v, m.policyRef, m.durationRef, m.seq)
}

// PutWithExpiration inserts or updates k with its own policy and
// duration (spec.md §4.6.2). Requires a Map built with
// WithVariableExpiration.
func (m *Map[K, V]) PutWithExpiration(k K, v V, policy ExpirationPolicy, duration time.Duration) error {
	if !m.variable {
		return ErrVariableExpirationRequired
	}
	m.mu.Lock()
	notify := m.putWithExpirationLocked(k, v, policy, duration)
	m.mu.Unlock()
	m.notifyAll(notify)
	return nil
}

func (m *Map[K, V]) putWithExpirationLocked(k K, v V, policy ExpirationPolicy, duration time.Duration) []*entry[K, V] {
	if existing, ok := m.idx.get(k); ok {
		existing.value = v
		existing.policyRef.Store(int32(policy))
		existing.durationRef.Store(int64(duration))
		// Variable-expiration updates always re-sort, regardless of
		// whether a firing was pending (spec.md §4.6.2).
		m.resetEntryLocked(existing, true)
		return m.evictLocked()
	}

	m.seq++
	e := newEntry[K, V](k, v, atomic.NewInt32(int32(policy)), atomic.NewInt64(int64(duration)), m.seq)
	e.resetDeadline(m.clk)
	m.idx.put(e)
	// See the same note in putLocked: arming a new earlier head doesn't
	// cancel the previously-armed one, so two timers can be transiently
	// pending; fire's isScheduled check keeps this safe.
	if head, ok := m.idx.first(); ok && head == e {
		m.arm(e)
	}
	return m.evictLocked()
}

// Get returns the value for k (spec.md §4.6.3). On a miss, if a loader
// is configured it is invoked at most once per key per miss episode;
// concurrent misses for the same key are collapsed via singleflight and
// an absent-check-and-insert under the writer lock.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	e, ok := m.idx.get(k)
	if ok {
		val := e.value
		accessed := e.policy() == PolicyAccessed
		m.mu.RUnlock()
		m.stats.hits.Inc()
		if accessed {
			m.mu.Lock()
			if e2, ok2 := m.idx.get(k); ok2 && e2 == e {
				m.resetEntryLocked(e, false)
			}
			m.mu.Unlock()
		}
		return val, true
	}
	m.mu.RUnlock()
	m.stats.misses.Inc()

	if m.loader == nil && m.expiringLoader == nil {
		return zeroV[V](), false
	}
	return m.loadAndGet(k)
}

type loadResult[V any] struct {
	value  V
	stored bool
}

func (m *Map[K, V]) loadAndGet(k K) (V, bool) {
	sfKey := fmt.Sprintf("%v", k)
	res, _, _ := m.loadGroup.Do(sfKey, func() (any, error) {
		return m.loadOnce(k)
	})
	lr := res.(loadResult[V])
	if !lr.stored {
		return zeroV[V](), false
	}
	return lr.value, true
}

func (m *Map[K, V]) loadOnce(k K) (loadResult[V], error) {
	m.mu.RLock()
	if e, ok := m.idx.get(k); ok {
		v := e.value
		m.mu.RUnlock()
		return loadResult[V]{value: v, stored: true}, nil
	}
	m.mu.RUnlock()

	if m.loader != nil {
		v, err := m.loader(k)
		if err != nil {
			m.logger.Debug("expiringmap: entry loader failed", zap.Error(err))
			return loadResult[V]{}, nil
		}
		var notify []*entry[K, V]
		m.mu.Lock()
		if _, ok := m.idx.get(k); !ok {
			notify = m.putLocked(k, v)
		}
		m.mu.Unlock()
		m.notifyAll(notify)
		return loadResult[V]{value: v, stored: true}, nil
	}

	res, err := m.expiringLoader(k)
	if err != nil {
		m.logger.Debug("expiringmap: expiring entry loader failed", zap.Error(err))
		return loadResult[V]{}, nil
	}
	if res.Absent {
		return loadResult[V]{}, nil
	}

	policy := ExpirationPolicy(m.policyRef.Load())
	if res.Policy != nil {
		policy = *res.Policy
	}
	duration := time.Duration(m.durationRef.Load())
	if res.Duration != nil {
		duration = *res.Duration
	}

	var notify []*entry[K, V]
	m.mu.Lock()
	if _, ok := m.idx.get(k); !ok {
		if m.variable {
			notify = m.putWithExpirationLocked(k, res.Value, policy, duration)
		} else {
			notify = m.putLocked(k, res.Value)
		}
	}
	m.mu.Unlock()
	m.notifyAll(notify)
	return loadResult[V]{value: res.Value, stored: true}, nil
}

// Remove deletes k and cancels any pending firing for it. No listener
// is invoked (spec.md invariant 5 / testable property 5).
func (m *Map[K, V]) Remove(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idx.get(k)
	if !ok {
		return zeroV[V](), false
	}
	m.removeLocked(e)
	return e.value, true
}

func (m *Map[K, V]) removeLocked(e *entry[K, V]) {
	head, ok := m.idx.first()
	wasHead := ok && head == e

	m.idx.remove(e.key)
	e.cancel(false, m.clk)
	if wasHead {
		if newHead, ok := m.idx.first(); ok {
			m.arm(newHead)
		}
	}
}

// PutIfAbsent inserts v only if k is not already present, returning the
// existing value (and false) if it was.
func (m *Map[K, V]) PutIfAbsent(k K, v V) (V, bool) {
	m.mu.Lock()
	if e, ok := m.idx.get(k); ok {
		val := e.value
		m.mu.Unlock()
		return val, false
	}
	notify := m.putLocked(k, v)
	m.mu.Unlock()
	m.notifyAll(notify)
	return v, true
}

// Replace sets k's value only if k is already present.
func (m *Map[K, V]) Replace(k K, v V) (V, bool) {
	m.mu.Lock()
	if _, ok := m.idx.get(k); !ok {
		m.mu.Unlock()
		return zeroV[V](), false
	}
	notify := m.putLocked(k, v)
	m.mu.Unlock()
	m.notifyAll(notify)
	return v, true
}

// ReplaceMatch sets k's value to newValue only if its current value
// equals oldValue.
func (m *Map[K, V]) ReplaceMatch(k K, oldValue, newValue V) bool {
	m.mu.Lock()
	e, ok := m.idx.get(k)
	if !ok || !reflect.DeepEqual(e.value, oldValue) {
		m.mu.Unlock()
		return false
	}
	notify := m.putLocked(k, newValue)
	m.mu.Unlock()
	m.notifyAll(notify)
	return true
}

// RemoveMatch removes k only if its current value equals value.
func (m *Map[K, V]) RemoveMatch(k K, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idx.get(k)
	if !ok || !reflect.DeepEqual(e.value, value) {
		return false
	}
	m.removeLocked(e)
	return true
}

// ResetExpiration resets k's deadline to now + its effective duration
// without changing its policy or duration (spec.md §4.6.6).
func (m *Map[K, V]) ResetExpiration(k K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idx.get(k)
	if !ok {
		return ErrKeyNotFound
	}
	m.resetEntryLocked(e, false)
	return nil
}

// SetExpiration overrides k's duration and resets its deadline.
// Requires variable expiration (spec.md §4.6.7).
func (m *Map[K, V]) SetExpiration(k K, d time.Duration) error {
	if !m.variable {
		return ErrVariableExpirationRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idx.get(k)
	if !ok {
		return ErrKeyNotFound
	}
	e.durationRef.Store(int64(d))
	m.resetEntryLocked(e, true)
	return nil
}

// SetExpirationPolicy overrides k's policy and resets its deadline.
// Requires variable expiration (spec.md §4.6.7).
func (m *Map[K, V]) SetExpirationPolicy(k K, p ExpirationPolicy) error {
	if !m.variable {
		return ErrVariableExpirationRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idx.get(k)
	if !ok {
		return ErrKeyNotFound
	}
	e.policyRef.Store(int32(p))
	m.resetEntryLocked(e, true)
	return nil
}

// SetDefaultExpiration updates the map-level default duration. Under
// the uniform variant every existing entry shares this cell and
// inherits the new duration immediately; under the variable variant
// only entries created afterward are affected (spec.md §4.6.8).
func (m *Map[K, V]) SetDefaultExpiration(d time.Duration) {
	m.mu.Lock()
	m.durationRef.Store(int64(d))
	m.mu.Unlock()
}

// SetDefaultExpirationPolicy updates the map-level default policy, with
// the same immediate/future-only split as SetDefaultExpiration.
func (m *Map[K, V]) SetDefaultExpirationPolicy(p ExpirationPolicy) {
	m.mu.Lock()
	m.policyRef.Store(int32(p))
	m.mu.Unlock()
}

// GetExpiration returns the duration currently configured for k.
func (m *Map[K, V]) GetExpiration(k K) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.idx.get(k)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return time.Duration(e.duration()), nil
}

// GetExpirationPolicy returns the policy currently configured for k.
func (m *Map[K, V]) GetExpirationPolicy(k K) (ExpirationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.idx.get(k)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return e.policy(), nil
}

// GetExpectedExpiration returns the time remaining until k expires
// (spec.md §4.6.9). If the deadline has already passed but the
// scheduler has not yet swept the entry, the result is negative rather
// than ErrKeyNotFound — see SPEC_FULL.md §12's resolution of the Open
// Question on this point.
func (m *Map[K, V]) GetExpectedExpiration(k K) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.idx.get(k)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return time.Duration(e.expectedAt - m.clk.Now().UnixNano()), nil
}

// Size returns the current number of live entries.
func (m *Map[K, V]) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idx.size()
}

// ContainsKey reports whether k is present (without triggering a
// loader).
func (m *Map[K, V]) ContainsKey(k K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.idx.get(k)
	return ok
}

// Stats returns a snapshot of the map's runtime counters.
func (m *Map[K, V]) Stats() Stats {
	return m.stats.snapshot()
}

// AddExpirationListener registers a synchronous, adaptively-dispatched
// listener at runtime and returns a handle usable with RemoveListener.
func (m *Map[K, V]) AddExpirationListener(fn EntryExpiredListener[K, V]) (ListenerHandle, error) {
	if fn == nil {
		return 0, errNilListener
	}
	return m.dispatcher.addSync(fn), nil
}

// AddAsyncExpirationListener registers a listener always dispatched on
// the shared async pool.
func (m *Map[K, V]) AddAsyncExpirationListener(fn EntryExpiredListener[K, V]) (ListenerHandle, error) {
	if fn == nil {
		return 0, errNilListener
	}
	return m.dispatcher.addAsync(fn), nil
}

// RemoveListener removes a previously-added listener, reporting whether
// it was found.
func (m *Map[K, V]) RemoveListener(h ListenerHandle) bool {
	return m.dispatcher.remove(h)
}

// Close removes every entry, cancelling any pending scheduled firings.
// It does not dispatch removal notifications (consistent with Remove)
// and does not touch the process-wide scheduler or pool, which are
// shared with any other Map in the process.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, k := range m.idx.orderedKeys() {
		if e, ok := m.idx.remove(k); ok {
			e.cancel(false, m.clk)
		}
	}
}

func (m *Map[K, V]) notifyAll(entries []*entry[K, V]) {
	for _, e := range entries {
		m.dispatcher.dispatch(e.key, e.value)
	}
}
