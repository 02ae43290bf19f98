package backlog

import "sort"

// #region types

// Item is one unit of deferred heavy work (densification, refinement)
// parked until the pipeline has headroom.
type Item struct {
	ID       string
	FrameID  uint64
	Priority int     // higher is more valuable
	Score    float64 // tie-break within a priority
}

// value orders items: priority first, then score.
func less(a, b Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Score < b.Score
}

// #endregion types

// #region queue

// Queue is a bounded deferred-work backlog with an explicit discard policy:
// on overflow the lowest-value item goes first. Every discard is returned to
// the caller so it can be journaled; nothing is dropped silently.
type Queue struct {
	capacity int
	items    []Item
}

// NewQueue creates a backlog bounded at capacity items.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Len returns the number of parked items.
func (q *Queue) Len() int { return len(q.items) }

// Push parks an item. When the backlog is full, the lowest-value item
// (possibly the incoming one) is discarded and returned.
func (q *Queue) Push(item Item) []Item {
	if len(q.items) < q.capacity {
		q.items = append(q.items, item)
		return nil
	}

	lowest := 0
	for i := 1; i < len(q.items); i++ {
		if less(q.items[i], q.items[lowest]) {
			lowest = i
		}
	}
	if less(item, q.items[lowest]) {
		return []Item{item}
	}
	discarded := q.items[lowest]
	q.items[lowest] = item
	return []Item{discarded}
}

// Pop removes and returns the highest-value item.
func (q *Queue) Pop() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if less(q.items[best], q.items[i]) {
			best = i
		}
	}
	item := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return item, true
}

// Drain returns every parked item, highest value first, emptying the queue.
func (q *Queue) Drain() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	sort.SliceStable(out, func(i, j int) bool { return less(out[j], out[i]) })
	q.items = q.items[:0]
	return out
}

// #endregion queue
