// Package scheduler keeps keyed deadlines in fire-time order and runs a
// loop that hands every due entry to a callback.
package scheduler

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

// Entry is one scheduled fire. Keys are unique within a Queue.
type Entry struct {
	Key string
	At  time.Time
}

type item struct {
	Entry
	seq   uint64
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].At.Equal(h[j].At) {
		return h[i].At.Before(h[j].At)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a min-heap of entries with an index by key, so an entry can be
// replaced or removed without scanning. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	byKey map[string]*item
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*item)}
}

// Upsert schedules key at t, replacing any existing entry for key.
func (q *Queue) Upsert(key string, t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if it, ok := q.byKey[key]; ok {
		it.At = t
		it.seq = q.seq
		heap.Fix(&q.items, it.index)
		return
	}
	it := &item{Entry: Entry{Key: key, At: t}, seq: q.seq}
	heap.Push(&q.items, it)
	q.byKey[key] = it
}

// Remove drops the entry for key and reports whether one existed.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byKey, key)
	return true
}

// RemovePrefix drops every entry whose key starts with prefix.
func (q *Queue) RemovePrefix(prefix string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key, it := range q.byKey {
		if strings.HasPrefix(key, prefix) {
			heap.Remove(&q.items, it.index)
			delete(q.byKey, key)
			n++
		}
	}
	return n
}

func (q *Queue) Get(key string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byKey[key]; ok {
		return it.At, true
	}
	return time.Time{}, false
}

// Peek returns the earliest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0].Entry, true
}

// PopDue removes and returns every entry due at or before now, earliest first.
func (q *Queue) PopDue(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Entry
	for len(q.items) > 0 && !q.items[0].At.After(now) {
		it := heap.Pop(&q.items).(*item)
		delete(q.byKey, it.Key)
		due = append(due, it.Entry)
	}
	return due
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Keys returns the keys with the given prefix.
func (q *Queue) Keys(prefix string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var keys []string
	for key := range q.byKey {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}
