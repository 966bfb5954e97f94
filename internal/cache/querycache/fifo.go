package querycache

import "container/list"

type fifoEntry[K comparable, V any] struct {
	key   K
	value V
}

// fifo is a bounded map that evicts the oldest-inserted key first. Reads and
// overwrites do not change a key's position. Not safe for concurrent use.
type fifo[K comparable, V any] struct {
	capacity int
	order    *list.List
	items    map[K]*list.Element
}

func newFIFO[K comparable, V any](capacity int) *fifo[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &fifo[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

func (f *fifo[K, V]) get(key K) (V, bool) {
	if el, ok := f.items[key]; ok {
		return el.Value.(*fifoEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// put stores value under key and reports the evicted key, if any.
func (f *fifo[K, V]) put(key K, value V) (evicted K, didEvict bool) {
	if el, ok := f.items[key]; ok {
		el.Value.(*fifoEntry[K, V]).value = value
		return evicted, false
	}

	f.items[key] = f.order.PushBack(&fifoEntry[K, V]{key: key, value: value})
	if f.order.Len() <= f.capacity {
		return evicted, false
	}

	oldest := f.order.Front()
	entry := f.order.Remove(oldest).(*fifoEntry[K, V])
	delete(f.items, entry.key)
	return entry.key, true
}

// each visits entries oldest first until fn returns false.
func (f *fifo[K, V]) each(fn func(key K, value V) bool) {
	for el := f.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*fifoEntry[K, V])
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

func (f *fifo[K, V]) len() int {
	return f.order.Len()
}
