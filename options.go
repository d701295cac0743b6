package expiringmap

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

/*
Builder assembles a Map via the functional-options pattern (C7).

DESIGN PATTERN

This generalizes the teacher's single-option cache constructor (which
only exposed WithCleanupInterval) into the full configuration surface
spec.md §6 describes, while keeping the same idea: each With* method
returns the builder so calls chain, and Build() does the one-time
validation and wiring.

    m := NewBuilder[string, int]().
        WithExpiration(5 * time.Minute).
        WithExpirationPolicy(PolicyAccessed).
        WithMaxSize(10000).
        Build()

BENEFITS

1. API stability: new options don't change Build's signature.
2. Readability: configuration reads as a sentence.
3. Extensibility: options can be added without breaking callers.
*/
type Builder[K comparable, V any] struct {
	expiration time.Duration
	policy     ExpirationPolicy
	variable   bool
	maxSize    int

	loader         EntryLoader[K, V]
	expiringLoader ExpiringEntryLoader[K, V]

	syncListeners  []EntryExpiredListener[K, V]
	asyncListeners []EntryExpiredListener[K, V]

	clk    Clock
	logger *zap.Logger
}

// NewBuilder returns a Builder seeded with spec.md's defaults: a one
// minute uniform expiration under the CREATED policy, no size cap.
func NewBuilder[K comparable, V any]() *Builder[K, V] {
	return &Builder[K, V]{
		expiration: time.Minute,
		policy:     PolicyCreated,
	}
}

// WithExpiration sets the default entry lifetime.
func (b *Builder[K, V]) WithExpiration(d time.Duration) *Builder[K, V] {
	if d <= 0 {
		panic(errNonPositiveDur)
	}
	b.expiration = d
	return b
}

// WithExpirationPolicy sets the default policy (CREATED or ACCESSED).
func (b *Builder[K, V]) WithExpirationPolicy(p ExpirationPolicy) *Builder[K, V] {
	b.policy = p
	return b
}

// WithVariableExpiration enables per-entry policy/duration and switches
// the index to deadline order.
func (b *Builder[K, V]) WithVariableExpiration() *Builder[K, V] {
	b.variable = true
	return b
}

// WithMaxSize caps the live entry count; over-cap insertion evicts the
// index's head entry.
func (b *Builder[K, V]) WithMaxSize(n int) *Builder[K, V] {
	if n <= 0 {
		panic(errNonPositiveMax)
	}
	b.maxSize = n
	return b
}

// WithEntryLoader installs a synchronous loader invoked by Get on miss.
// Mutually exclusive with WithExpiringEntryLoader.
func (b *Builder[K, V]) WithEntryLoader(fn EntryLoader[K, V]) *Builder[K, V] {
	if fn == nil {
		panic(errNilLoader)
	}
	b.loader = fn
	return b
}

// WithExpiringEntryLoader installs a loader whose result carries
// optional per-entry policy/duration overrides.
func (b *Builder[K, V]) WithExpiringEntryLoader(fn ExpiringEntryLoader[K, V]) *Builder[K, V] {
	if fn == nil {
		panic(errNilLoader)
	}
	b.expiringLoader = fn
	return b
}

// WithExpirationListener adds a synchronous, adaptively-dispatched
// expiration listener.
func (b *Builder[K, V]) WithExpirationListener(fn EntryExpiredListener[K, V]) *Builder[K, V] {
	if fn == nil {
		panic(errNilListener)
	}
	b.syncListeners = append(b.syncListeners, fn)
	return b
}

// WithAsyncExpirationListener adds a listener always dispatched on the
// shared async pool.
func (b *Builder[K, V]) WithAsyncExpirationListener(fn EntryExpiredListener[K, V]) *Builder[K, V] {
	if fn == nil {
		panic(errNilListener)
	}
	b.asyncListeners = append(b.asyncListeners, fn)
	return b
}

// WithClock replaces the time source; intended for tests (clock.NewMock()).
func (b *Builder[K, V]) WithClock(clk Clock) *Builder[K, V] {
	b.clk = clk
	return b
}

// WithLogger sets the structured logger used for scheduling and
// listener-dispatch diagnostics. Defaults to a no-op logger.
func (b *Builder[K, V]) WithLogger(logger *zap.Logger) *Builder[K, V] {
	b.logger = logger
	return b
}

// Build validates the accumulated options and constructs the Map.
// Invalid combinations panic (SPEC_FULL.md §10.2): these are programmer
// errors caught before any goroutine starts, not recoverable runtime
// conditions. The With* methods validate their own arguments the same
// way, panicking as soon as they are called.
func (b *Builder[K, V]) Build() *Map[K, V] {
	if b.loader != nil && b.expiringLoader != nil {
		panic(errBothLoaders)
	}

	clk := b.clk
	if clk == nil {
		clk = NewClock()
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Map[K, V]{
		variable:       b.variable,
		maxSize:        b.maxSize,
		loader:         b.loader,
		expiringLoader: b.expiringLoader,
		clk:            clk,
		logger:         logger,
		sched:          sharedScheduler(clk, logger),
		dispatcher:     newDispatcher[K, V](sharedPool(), logger),
		policyRef:      atomic.NewInt32(int32(b.policy)),
		durationRef:    atomic.NewInt64(int64(b.expiration)),
	}

	if b.variable {
		m.idx = newVariableIndex[K, V]()
	} else {
		m.idx = newUniformIndex[K, V]()
	}

	for _, fn := range b.syncListeners {
		m.dispatcher.addSync(fn)
	}
	for _, fn := range b.asyncListeners {
		m.dispatcher.addAsync(fn)
	}

	return m
}
