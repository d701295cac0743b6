package expiringmap

// Pair is a key/value snapshot returned by EntryIterator.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// KeyIterator yields a snapshot of a Map's keys in index order (C3
// iteration order), failing fast if the map's size changes before
// iteration completes through any means other than the iterator's own
// Remove (spec.md §5 "Iteration"; §9's migration note on "iterator
// holder classes").
type KeyIterator[K comparable, V any] struct {
	m            *Map[K, V]
	keys         []K
	pos          int
	snapshotSize int
}

// Keys returns an iterator over the map's keys.
func (m *Map[K, V]) Keys() *KeyIterator[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &KeyIterator[K, V]{
		m:            m,
		keys:         m.idx.orderedKeys(),
		snapshotSize: m.idx.size(),
	}
}

// HasNext reports whether Next has more keys to return.
func (it *KeyIterator[K, V]) HasNext() bool {
	return it.pos < len(it.keys)
}

// Next returns the next key, or ErrConcurrentModification if the map's
// size has changed since the iterator was created (or since the last
// call to Remove) through any means other than this iterator's Remove.
func (it *KeyIterator[K, V]) Next() (K, error) {
	it.m.mu.RLock()
	size := it.m.idx.size()
	it.m.mu.RUnlock()
	if size != it.snapshotSize {
		return zeroV[K](), ErrConcurrentModification
	}
	k := it.keys[it.pos]
	it.pos++
	return k, nil
}

// Remove removes the key last returned by Next from the underlying
// map, without tripping this iterator's own concurrent-modification
// check.
func (it *KeyIterator[K, V]) Remove() {
	if it.pos == 0 {
		return
	}
	it.m.Remove(it.keys[it.pos-1])
	it.snapshotSize--
}

// ValueIterator yields a snapshot of a Map's values in index order.
type ValueIterator[K comparable, V any] struct {
	inner *KeyIterator[K, V]
}

// Values returns an iterator over the map's values.
func (m *Map[K, V]) Values() *ValueIterator[K, V] {
	return &ValueIterator[K, V]{inner: m.Keys()}
}

func (it *ValueIterator[K, V]) HasNext() bool { return it.inner.HasNext() }

func (it *ValueIterator[K, V]) Next() (V, error) {
	k, err := it.inner.Next()
	if err != nil {
		return zeroV[V](), err
	}
	it.inner.m.mu.RLock()
	e, ok := it.inner.m.idx.get(k)
	it.inner.m.mu.RUnlock()
	if !ok {
		return zeroV[V](), ErrConcurrentModification
	}
	return e.value, nil
}

func (it *ValueIterator[K, V]) Remove() { it.inner.Remove() }

// EntryIterator yields a snapshot of a Map's key/value pairs in index
// order.
type EntryIterator[K comparable, V any] struct {
	inner *KeyIterator[K, V]
}

// Entries returns an iterator over the map's key/value pairs.
func (m *Map[K, V]) Entries() *EntryIterator[K, V] {
	return &EntryIterator[K, V]{inner: m.Keys()}
}

func (it *EntryIterator[K, V]) HasNext() bool { return it.inner.HasNext() }

func (it *EntryIterator[K, V]) Next() (Pair[K, V], error) {
	k, err := it.inner.Next()
	if err != nil {
		return Pair[K, V]{}, err
	}
	it.inner.m.mu.RLock()
	e, ok := it.inner.m.idx.get(k)
	it.inner.m.mu.RUnlock()
	if !ok {
		return Pair[K, V]{}, ErrConcurrentModification
	}
	return Pair[K, V]{Key: k, Value: e.value}, nil
}

func (it *EntryIterator[K, V]) Remove() { it.inner.Remove() }
