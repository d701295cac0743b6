package expiringmap

import "container/list"

// uniformIndex orders entries by insertion time (C3 uniform variant):
// O(1) get/put/remove/reorder via a doubly linked list, the same
// structure the teacher used for LRU ordering, repurposed here for
// oldest-first expiration order instead of recency order. reorder
// always moves the entry to the tail, since uniform entries share a
// single duration and therefore always move the furthest-out on reset.
type uniformIndex[K comparable, V any] struct {
	elems map[K]*list.Element
	order *list.List
}

func newUniformIndex[K comparable, V any]() *uniformIndex[K, V] {
	return &uniformIndex[K, V]{
		elems: make(map[K]*list.Element),
		order: list.New(),
	}
}

func (idx *uniformIndex[K, V]) get(k K) (*entry[K, V], bool) {
	elem, ok := idx.elems[k]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry[K, V]), true
}

func (idx *uniformIndex[K, V]) put(e *entry[K, V]) {
	elem := idx.order.PushBack(e)
	idx.elems[e.key] = elem
}

func (idx *uniformIndex[K, V]) remove(k K) (*entry[K, V], bool) {
	elem, ok := idx.elems[k]
	if !ok {
		return nil, false
	}
	idx.order.Remove(elem)
	delete(idx.elems, k)
	return elem.Value.(*entry[K, V]), true
}

func (idx *uniformIndex[K, V]) first() (*entry[K, V], bool) {
	front := idx.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*entry[K, V]), true
}

// reorder moves e to the tail: the oldest-first ordering's equivalent
// of "reschedule on update" (spec.md invariant 4).
func (idx *uniformIndex[K, V]) reorder(e *entry[K, V]) {
	elem, ok := idx.elems[e.key]
	if !ok {
		return
	}
	idx.order.MoveToBack(elem)
}

func (idx *uniformIndex[K, V]) size() int {
	return idx.order.Len()
}

func (idx *uniformIndex[K, V]) orderedKeys() []K {
	keys := make([]K, 0, idx.order.Len())
	for elem := idx.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}
