package expiringmap

import (
	"container/heap"
	"sort"
)

// variableHeap implements heap.Interface over entries ordered by
// (expectedAt, seq); seq breaks ties so no two entries ever compare
// equal (spec.md invariant 3: two entries with different keys never
// compare equal even at the same deadline).
type variableHeap[K comparable, V any] []*entry[K, V]

func (h variableHeap[K, V]) Len() int { return len(h) }

func (h variableHeap[K, V]) Less(i, j int) bool {
	if h[i].expectedAt != h[j].expectedAt {
		return h[i].expectedAt < h[j].expectedAt
	}
	return h[i].seq < h[j].seq
}

func (h variableHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *variableHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *variableHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// variableIndex orders entries by absolute deadline (C3 variable
// variant): O(log n) put/remove/reorder via a binary min-heap carrying
// each entry's own heap position, plus a hash lookup by key. This
// mirrors the heap-with-index-map pattern used by priority-queue-backed
// schedulers elsewhere in the reference corpus, with the index kept on
// the entry itself rather than in a side map.
type variableIndex[K comparable, V any] struct {
	byKey map[K]*entry[K, V]
	heap  variableHeap[K, V]
}

func newVariableIndex[K comparable, V any]() *variableIndex[K, V] {
	return &variableIndex[K, V]{
		byKey: make(map[K]*entry[K, V]),
		heap:  make(variableHeap[K, V], 0),
	}
}

func (idx *variableIndex[K, V]) get(k K) (*entry[K, V], bool) {
	e, ok := idx.byKey[k]
	return e, ok
}

func (idx *variableIndex[K, V]) put(e *entry[K, V]) {
	idx.byKey[e.key] = e
	heap.Push(&idx.heap, e)
}

func (idx *variableIndex[K, V]) remove(k K) (*entry[K, V], bool) {
	e, ok := idx.byKey[k]
	if !ok {
		return nil, false
	}
	delete(idx.byKey, k)
	if e.heapIndex >= 0 {
		heap.Remove(&idx.heap, e.heapIndex)
	}
	return e, true
}

func (idx *variableIndex[K, V]) first() (*entry[K, V], bool) {
	if len(idx.heap) == 0 {
		return nil, false
	}
	return idx.heap[0], true
}

func (idx *variableIndex[K, V]) reorder(e *entry[K, V]) {
	if e.heapIndex < 0 {
		return
	}
	heap.Fix(&idx.heap, e.heapIndex)
}

func (idx *variableIndex[K, V]) size() int {
	return len(idx.heap)
}

// orderedKeys snapshots the heap into deadline order without mutating
// any entry's heapIndex (a heap.Pop drain would, since heapIndex lives
// on the shared entry objects rather than in the snapshot).
func (idx *variableIndex[K, V]) orderedKeys() []K {
	cp := make([]*entry[K, V], len(idx.heap))
	copy(cp, idx.heap)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].expectedAt != cp[j].expectedAt {
			return cp[i].expectedAt < cp[j].expectedAt
		}
		return cp[i].seq < cp[j].seq
	})
	keys := make([]K, len(cp))
	for i, e := range cp {
		keys[i] = e.key
	}
	return keys
}
