package expiringmap

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
map_test.go provides end-to-end validation of the expiration engine
against the concrete scenarios in spec.md §8 (S1-S6), plus its
quantified invariants and a concurrency stress test in the teacher's
style.

Every test calls ResetForTesting and builds its Map with a fresh
clock.Mock so time advances deterministically via mock.Add instead of a
real sleep: go test -race should pass with no flakiness from timing.
*/

func newMockMap[K comparable, V any](t *testing.T, configure func(*Builder[K, V]) *Builder[K, V]) (*Map[K, V], *clock.Mock) {
	t.Helper()
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	mock := clock.NewMock()
	b := NewBuilder[K, V]().WithClock(mock)
	if configure != nil {
		b = configure(b)
	}
	return b.Build(), mock
}

// awaitExpirations blocks until n expiration-listener calls have been
// observed, or fails the test after a generous real-time budget — the
// scheduler's worker goroutine runs concurrently with the test
// goroutine even though the clock itself is mocked.
func awaitExpirations(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for expiration %d/%d", i+1, n)
		}
	}
}

// S1: Basic expiry.
func TestScenarioBasicExpiry(t *testing.T) {
	notified := make(chan struct{}, 8)
	var gotKey string
	var gotVal string
	var mu sync.Mutex

	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(100 * time.Millisecond).
			WithExpirationListener(func(k, v string) {
				mu.Lock()
				gotKey, gotVal = k, v
				mu.Unlock()
				notified <- struct{}{}
			})
	})

	m.Put("a", "1")
	mock.Add(150 * time.Millisecond)
	awaitExpirations(t, notified, 1)

	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Size())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a", gotKey)
	assert.Equal(t, "1", gotVal)
}

// S2: ACCESSED policy resets the deadline on every read.
func TestScenarioAccessedPolicy(t *testing.T) {
	notified := make(chan struct{}, 8)
	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(100 * time.Millisecond).
			WithExpirationPolicy(PolicyAccessed).
			WithExpirationListener(func(k, v string) { notified <- struct{}{} })
	})

	m.Put("a", "1")

	mock.Add(80 * time.Millisecond)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	mock.Add(50 * time.Millisecond) // t=130, deadline was pushed to 180
	v, ok = m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	// That second Get was itself an ACCESSED read, pushing the deadline
	// to 230: the entry must still be live at 200.
	mock.Add(70 * time.Millisecond) // t=200
	assert.True(t, m.ContainsKey("a"))

	mock.Add(40 * time.Millisecond) // t=240, past the 230 deadline
	awaitExpirations(t, notified, 1)
	_, ok = m.Get("a")
	assert.False(t, ok)
}

// S3: variable per-entry expiration, events fire in deadline order.
func TestScenarioVariableExpiration(t *testing.T) {
	var mu sync.Mutex
	var order []string
	notified := make(chan struct{}, 8)

	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithVariableExpiration().
			WithExpirationListener(func(k, v string) {
				mu.Lock()
				order = append(order, k)
				mu.Unlock()
				notified <- struct{}{}
			})
	})

	require.NoError(t, m.PutWithExpiration("a", "1", PolicyCreated, 100*time.Millisecond))
	require.NoError(t, m.PutWithExpiration("b", "2", PolicyCreated, 200*time.Millisecond))

	mock.Add(150 * time.Millisecond)
	awaitExpirations(t, notified, 1)
	_, ok := m.Get("a")
	assert.False(t, ok)
	_, ok = m.Get("b")
	assert.True(t, ok)

	mock.Add(100 * time.Millisecond) // t=250
	awaitExpirations(t, notified, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, order)
}

// S4: max size eviction removes the oldest-inserted entries first and
// still publishes a notification for the evicted entry.
func TestScenarioMaxSizeEviction(t *testing.T) {
	notified := make(chan struct{}, 8)
	var mu sync.Mutex
	var evictedKeys []string

	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(time.Hour).
			WithMaxSize(2).
			WithExpirationListener(func(k string, v int) {
				mu.Lock()
				evictedKeys = append(evictedKeys, k)
				mu.Unlock()
				notified <- struct{}{}
			})
	})

	m.Put("a", 1)
	m.Put("b", 1)
	m.Put("c", 1)

	awaitExpirations(t, notified, 1)

	assert.False(t, m.ContainsKey("a"))
	assert.True(t, m.ContainsKey("b"))
	assert.True(t, m.ContainsKey("c"))
	assert.Equal(t, 2, m.Size())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, evictedKeys)
}

// S5: idempotent Put under CREATED does not reset the deadline.
func TestScenarioIdempotentPutPreservesDeadline(t *testing.T) {
	notified := make(chan struct{}, 8)
	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(100 * time.Millisecond).
			WithExpirationListener(func(k, v string) { notified <- struct{}{} })
	})

	m.Put("k", "v")
	mock.Add(80 * time.Millisecond)
	m.Put("k", "v") // same value: must not reset the deadline

	mock.Add(30 * time.Millisecond) // t=110
	awaitExpirations(t, notified, 1)

	_, ok := m.Get("k")
	assert.False(t, ok)
}

// S6: loader path populates on miss and is not called again on a hit.
func TestScenarioLoader(t *testing.T) {
	var calls int
	var mu sync.Mutex

	m, _ := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(100 * time.Millisecond).
			WithEntryLoader(func(k string) (string, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return k + "!", nil
			})
	})

	v, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, "x!", v)

	v, ok = m.Get("x")
	require.True(t, ok)
	assert.Equal(t, "x!", v)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestPutThenRemoveLeavesIndexEmptyAndSuppressesNotification(t *testing.T) {
	notified := make(chan struct{}, 1)
	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(50 * time.Millisecond).
			WithExpirationListener(func(k, v string) { notified <- struct{}{} })
	})

	m.Put("a", "1")
	v, ok := m.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 0, m.Size())

	mock.Add(100 * time.Millisecond)

	select {
	case <-notified:
		t.Fatal("listener fired for a removed entry")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResetExpirationExtendsDeadline(t *testing.T) {
	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(100 * time.Millisecond)
	})

	m.Put("a", "1")
	mock.Add(80 * time.Millisecond)
	require.NoError(t, m.ResetExpiration("a"))

	remaining, err := m.GetExpectedExpiration("a")
	require.NoError(t, err)
	assert.InDelta(t, 100*time.Millisecond, remaining, float64(5*time.Millisecond))
}

func TestGetExpectedExpirationNotFound(t *testing.T) {
	m, _ := newMockMap[string, string](t, nil)
	_, err := m.GetExpectedExpiration("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestVariableOperationsRequireVariableExpiration(t *testing.T) {
	m, _ := newMockMap[string, string](t, nil)
	m.Put("a", "1")

	assert.ErrorIs(t, m.PutWithExpiration("a", "2", PolicyCreated, time.Second), ErrVariableExpirationRequired)
	assert.ErrorIs(t, m.SetExpiration("a", time.Second), ErrVariableExpirationRequired)
	assert.ErrorIs(t, m.SetExpirationPolicy("a", PolicyAccessed), ErrVariableExpirationRequired)
}

func TestPutIfAbsentAndReplace(t *testing.T) {
	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(time.Minute)
	})

	v, inserted := m.PutIfAbsent("a", 1)
	assert.True(t, inserted)
	assert.Equal(t, 1, v)

	v, inserted = m.PutIfAbsent("a", 2)
	assert.False(t, inserted)
	assert.Equal(t, 1, v)

	_, replaced := m.Replace("b", 3)
	assert.False(t, replaced)

	_, replaced = m.Replace("a", 4)
	assert.True(t, replaced)
	v, _ = m.Get("a")
	assert.Equal(t, 4, v)

	assert.True(t, m.ReplaceMatch("a", 4, 5))
	assert.False(t, m.ReplaceMatch("a", 4, 6))

	assert.False(t, m.RemoveMatch("a", 4))
	assert.True(t, m.RemoveMatch("a", 5))
	assert.False(t, m.ContainsKey("a"))
}

func TestStatsTracksHitsMissesEvictions(t *testing.T) {
	notified := make(chan struct{}, 8)
	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(time.Hour).
			WithMaxSize(1).
			WithExpirationListener(func(k string, v int) { notified <- struct{}{} })
	})

	m.Put("a", 1)
	m.Put("b", 1) // evicts a
	awaitExpirations(t, notified, 1)

	m.Get("b") // hit
	m.Get("z") // miss

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestKeyIteratorDetectsConcurrentModification(t *testing.T) {
	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(time.Minute)
	})
	m.Put("a", 1)
	m.Put("b", 2)

	it := m.Keys()
	m.Put("c", 3)

	require.True(t, it.HasNext())
	_, err := it.Next()
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestKeyIteratorOwnRemoveDoesNotTripDetection(t *testing.T) {
	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(time.Minute)
	})
	m.Put("a", 1)
	m.Put("b", 2)

	it := m.Keys()
	seen := map[string]int{}
	for it.HasNext() {
		k, err := it.Next()
		require.NoError(t, err)
		v, ok := m.Get(k)
		require.True(t, ok)
		seen[k] = v
		it.Remove()
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)
	assert.Equal(t, 0, m.Size())
}

func TestConcurrentPutGetIsRaceFree(t *testing.T) {
	m, _ := newMockMap[string, int](t, func(b *Builder[string, int]) *Builder[string, int] {
		return b.WithExpiration(5 * time.Second)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put("key", i)
			m.Get("key")
		}(i)
	}
	wg.Wait()
}

func TestAddAndRemoveListener(t *testing.T) {
	m, mock := newMockMap[string, string](t, func(b *Builder[string, string]) *Builder[string, string] {
		return b.WithExpiration(50 * time.Millisecond)
	})

	notified := make(chan struct{}, 1)
	handle, err := m.AddExpirationListener(func(k, v string) { notified <- struct{}{} })
	require.NoError(t, err)

	assert.True(t, m.RemoveListener(handle))
	assert.False(t, m.RemoveListener(handle))

	m.Put("a", "1")
	mock.Add(100 * time.Millisecond)

	select {
	case <-notified:
		t.Fatal("removed listener was still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}
