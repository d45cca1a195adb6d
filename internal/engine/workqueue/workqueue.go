// Package workqueue is the priority-ordered queue of publishing jobs
// waiting for the drain loop. Highest priority dequeues first; equal
// priorities dequeue in arrival order.
package workqueue

import (
	"container/heap"
	"sync"

	"postpilot/internal/engine"
	"postpilot/internal/engine/slots"
)

// Entry pairs a job with its computed priority and the candidate slots
// found for it at schedule time. Attempts counts prior publish attempts,
// zero for a first submission.
type Entry struct {
	Job        *engine.Job
	Priority   int
	Candidates []slots.TimeSlot
	Attempts   int
}

// Queue is safe for concurrent use. It touches nothing but its own state:
// no reservations, no publishes, no job mutation.
type Queue struct {
	mu     sync.Mutex
	items  entryHeap
	lookup map[string]*item
	seq    uint64
}

type item struct {
	entry Entry
	seq   uint64 // arrival order, FIFO tie-break
	index int
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func New() *Queue {
	return &Queue{lookup: make(map[string]*item)}
}

// Enqueue inserts the entry. A second enqueue for a job id already queued
// replaces that entry in place, keeping its original arrival order (same
// rule as UpdatePriority).
func (q *Queue) Enqueue(e Entry) {
	if e.Job == nil || e.Job.ID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.lookup[e.Job.ID]; ok {
		it.entry = e
		heap.Fix(&q.items, it.index)
		return
	}
	it := &item{entry: e, seq: q.seq}
	q.seq++
	heap.Push(&q.items, it)
	q.lookup[e.Job.ID] = it
}

// Dequeue removes and returns the highest-priority entry.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Entry{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.lookup, it.entry.Job.ID)
	return it.entry, true
}

// Peek returns the entry Dequeue would return, without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0].entry, true
}

// Remove deletes every entry matching pred and returns how many went.
func (q *Queue) Remove(pred func(Entry) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var doomed []*item
	for _, it := range q.items {
		if pred(it.entry) {
			doomed = append(doomed, it)
		}
	}
	for _, it := range doomed {
		heap.Remove(&q.items, it.index)
		delete(q.lookup, it.entry.Job.ID)
	}
	return len(doomed)
}

// UpdatePriority atomically re-ranks a queued job. The entry keeps its
// arrival order for tie-breaking; a priority bump is not a re-arrival.
func (q *Queue) UpdatePriority(jobID string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.lookup[jobID]
	if !ok {
		return false
	}
	it.entry.Priority = priority
	heap.Fix(&q.items, it.index)
	return true
}

// Size reports the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued entries in dequeue order. Diagnostics only.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	// Detached copies: draining the scratch heap must not touch the live
	// items' indexes.
	scratch := make(entryHeap, 0, len(q.items))
	for _, it := range q.items {
		scratch = append(scratch, &item{entry: it.entry, seq: it.seq, index: len(scratch)})
	}
	q.mu.Unlock()

	out := make([]Entry, 0, len(scratch))
	for scratch.Len() > 0 {
		it := heap.Pop(&scratch).(*item)
		out = append(out, it.entry)
	}
	return out
}
