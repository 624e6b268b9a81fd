package monitor

import "container/list"

// recentSet is a bounded LRU of checking ids already dispatched. The
// backend can redeliver a settlement after a reconnect; membership here
// means the event was forwarded once and must not be forwarded again.
// Not thread-safe: only the subscription read loop touches it.
type recentSet struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List

	evictions int64
}

type recentEntry struct {
	key string
}

func newRecentSet(capacity int) *recentSet {
	if capacity < 1 {
		capacity = 1024
	}
	return &recentSet{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key to most recent.
func (rs *recentSet) Contains(key string) bool {
	elem, ok := rs.index[key]
	if ok {
		rs.order.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key, evicting the oldest entry when over capacity.
func (rs *recentSet) Add(key string) {
	if elem, ok := rs.index[key]; ok {
		rs.order.MoveToFront(elem)
		return
	}

	elem := rs.order.PushFront(&recentEntry{key: key})
	rs.index[key] = elem

	if rs.order.Len() > rs.capacity {
		oldest := rs.order.Back()
		if oldest != nil {
			rs.order.Remove(oldest)
			delete(rs.index, oldest.Value.(*recentEntry).key)
			rs.evictions++
		}
	}
}

// Len returns the current number of tracked keys.
func (rs *recentSet) Len() int {
	return rs.order.Len()
}

// Evictions returns total evictions, for observability.
func (rs *recentSet) Evictions() int64 {
	return rs.evictions
}
