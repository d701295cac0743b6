package expiringmap

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EntryExpiredListener is notified once per expired (or evicted) entry.
type EntryExpiredListener[K comparable, V any] func(key K, value V)

// ListenerHandle identifies a previously-added listener for removal.
type ListenerHandle int64

type listenerPolicy int32

const (
	policyUnknown listenerPolicy = iota
	policyInline
	policyOffload
)

// adaptiveThreshold is the latency above which an "unknown" sync
// listener is promoted to offload (spec.md §4.5).
const adaptiveThreshold = 100 * time.Millisecond

type syncListenerEntry[K comparable, V any] struct {
	id     ListenerHandle
	fn     EntryExpiredListener[K, V]
	policy atomic.Int32
}

type asyncListenerEntry[K comparable, V any] struct {
	id ListenerHandle
	fn EntryExpiredListener[K, V]
}

// dispatcher is the C5 component: two listener lists plus the adaptive
// per-sync-listener policy that moves slow ones to the async pool.
type dispatcher[K comparable, V any] struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	syncs  []*syncListenerEntry[K, V]
	asyncs []*asyncListenerEntry[K, V]
	pool   *errgroup.Group
	logger *zap.Logger
}

func newDispatcher[K comparable, V any](pool *errgroup.Group, logger *zap.Logger) *dispatcher[K, V] {
	return &dispatcher[K, V]{pool: pool, logger: logger}
}

func (d *dispatcher[K, V]) addSync(fn EntryExpiredListener[K, V]) ListenerHandle {
	id := ListenerHandle(d.nextID.Inc())
	d.mu.Lock()
	d.syncs = append(d.syncs, &syncListenerEntry[K, V]{id: id, fn: fn})
	d.mu.Unlock()
	return id
}

func (d *dispatcher[K, V]) addAsync(fn EntryExpiredListener[K, V]) ListenerHandle {
	id := ListenerHandle(d.nextID.Inc())
	d.mu.Lock()
	d.asyncs = append(d.asyncs, &asyncListenerEntry[K, V]{id: id, fn: fn})
	d.mu.Unlock()
	return id
}

func (d *dispatcher[K, V]) remove(h ListenerHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.syncs {
		if s.id == h {
			d.syncs = append(d.syncs[:i:i], d.syncs[i+1:]...)
			return true
		}
	}
	for i, a := range d.asyncs {
		if a.id == h {
			d.asyncs = append(d.asyncs[:i:i], d.asyncs[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch delivers one expired entry to every registered listener.
// Called with the map's writer lock already released (spec.md §4.4
// rationale: listener callbacks must never be able to deadlock on map
// mutations taken from inside the callback).
func (d *dispatcher[K, V]) dispatch(k K, v V) {
	d.mu.RLock()
	asyncs := append([]*asyncListenerEntry[K, V](nil), d.asyncs...)
	syncs := append([]*syncListenerEntry[K, V](nil), d.syncs...)
	d.mu.RUnlock()

	for _, a := range asyncs {
		fn := a.fn
		d.pool.Go(func() error {
			d.safeCall(fn, k, v)
			return nil
		})
	}

	for _, s := range syncs {
		switch listenerPolicy(s.policy.Load()) {
		case policyOffload:
			fn := s.fn
			d.pool.Go(func() error {
				d.safeCall(fn, k, v)
				return nil
			})
		case policyInline:
			d.safeCall(s.fn, k, v)
		default:
			d.runAdaptive(s, k, v)
		}
	}
}

// runAdaptive times the first invocation of a listener whose policy is
// still unknown and commits it to inline or offload for every
// subsequent call. The latency measurement itself is instrumentation,
// not an expiration deadline, so it uses the real wall clock rather
// than the map's pluggable Clock.
func (d *dispatcher[K, V]) runAdaptive(s *syncListenerEntry[K, V], k K, v V) {
	start := time.Now()
	d.safeCall(s.fn, k, v)
	elapsed := time.Since(start)
	if elapsed > adaptiveThreshold {
		s.policy.Store(int32(policyOffload))
		d.logger.Warn("expiringmap: sync listener exceeded latency threshold, moving to async pool",
			zap.Duration("elapsed", elapsed), zap.Duration("threshold", adaptiveThreshold))
	} else {
		s.policy.Store(int32(policyInline))
	}
}

// safeCall recovers a panicking listener so a single bad listener can
// never halt the scheduler or another listener's delivery.
func (d *dispatcher[K, V]) safeCall(fn EntryExpiredListener[K, V], k K, v V) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("expiringmap: expiration listener panicked", zap.Any("recovered", r))
		}
	}()
	fn(k, v)
}
