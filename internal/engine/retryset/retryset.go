// Package retryset holds jobs whose scheduling attempt exhausted its
// candidates, ordered by when they become due again. The coordinator's
// sweep pops due entries and either resubmits or fails them.
package retryset

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one deferred re-attempt. Exact marks jobs pinned to an exact
// time: their resubmission re-attempts the pinned publish instead of a
// fresh candidate search.
type Entry struct {
	JobID       string    `json:"job_id"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	Exact       bool      `json:"exact,omitempty"`
}

type Set struct {
	mu     sync.Mutex
	items  dueHeap
	lookup map[string]*item
}

type item struct {
	entry Entry
	index int
}

type dueHeap []*item

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	return h[i].entry.NextAttempt.Before(h[j].entry.NextAttempt)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func New() *Set {
	return &Set{lookup: make(map[string]*item)}
}

// Schedule upserts the entry: a job already waiting gets its attempt count
// and due time replaced.
func (s *Set) Schedule(e Entry) {
	if e.JobID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.lookup[e.JobID]; ok {
		it.entry = e
		heap.Fix(&s.items, it.index)
		return
	}
	it := &item{entry: e}
	heap.Push(&s.items, it)
	s.lookup[e.JobID] = it
}

// Due removes and returns every entry with NextAttempt at or before now,
// soonest first.
func (s *Set) Due(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for len(s.items) > 0 && !s.items[0].entry.NextAttempt.After(now) {
		it := heap.Pop(&s.items).(*item)
		delete(s.lookup, it.entry.JobID)
		out = append(out, it.entry)
	}
	return out
}

// Remove drops the job's pending re-attempt, if any.
func (s *Set) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup[jobID]
	if !ok {
		return false
	}
	heap.Remove(&s.items, it.index)
	delete(s.lookup, jobID)
	return true
}

// Contains reports whether the job has a pending re-attempt.
func (s *Set) Contains(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup[jobID]
	return ok
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Snapshot returns pending entries ordered by due time. Diagnostics only.
func (s *Set) Snapshot() []Entry {
	s.mu.Lock()
	scratch := make(dueHeap, 0, len(s.items))
	for _, it := range s.items {
		scratch = append(scratch, &item{entry: it.entry, index: len(scratch)})
	}
	s.mu.Unlock()

	out := make([]Entry, 0, len(scratch))
	for scratch.Len() > 0 {
		out = append(out, heap.Pop(&scratch).(*item).entry)
	}
	return out
}
