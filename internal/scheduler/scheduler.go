// Package scheduler provides the ready queue workers consult for the next
// task to attempt.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler is the four-operation contract between workers and a ready
// queue. Implementations must be safe for concurrent use. A remote
// scheduler is any other implementation of this interface.
type Scheduler interface {
	// MarkReady queues id for an attempt no earlier than notBefore
	MarkReady(id string, notBefore time.Time)
	// NextReady pops the earliest eligible id. When nothing is eligible yet
	// it returns ok=false and, if work is queued for later, the time it
	// becomes eligible.
	NextReady(now time.Time) (id string, retryAt time.Time, ok bool)
	// MarkDone records that id settled successfully
	MarkDone(id string)
	// MarkBlocked records that id settled without success
	MarkBlocked(id string, reason string)
}

type entry struct {
	id        string
	notBefore time.Time
	seq       uint64
	index     int
}

type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Local is the in-process scheduler: a time-ordered heap guarded by a mutex.
// Ties on eligibility time are broken by insertion order.
type Local struct {
	mu      sync.Mutex
	ready   readyHeap
	queued  map[string]*entry
	done    map[string]bool
	blocked map[string]string
	seq     uint64
}

// NewLocal creates an empty in-process scheduler
func NewLocal() *Local {
	return &Local{
		queued:  make(map[string]*entry),
		done:    make(map[string]bool),
		blocked: make(map[string]string),
	}
}

// MarkReady queues id. An id already queued keeps a single entry with the
// later of the two eligibility times. Settled ids are ignored.
func (l *Local) MarkReady(id string, notBefore time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done[id] {
		return
	}
	if _, ok := l.blocked[id]; ok {
		return
	}

	if e, ok := l.queued[id]; ok {
		if notBefore.After(e.notBefore) {
			e.notBefore = notBefore
			heap.Fix(&l.ready, e.index)
		}
		return
	}

	l.seq++
	e := &entry{id: id, notBefore: notBefore, seq: l.seq}
	heap.Push(&l.ready, e)
	l.queued[id] = e
}

// NextReady implements Scheduler
func (l *Local) NextReady(now time.Time) (string, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ready) == 0 {
		return "", time.Time{}, false
	}

	top := l.ready[0]
	if top.notBefore.After(now) {
		return "", top.notBefore, false
	}

	heap.Pop(&l.ready)
	delete(l.queued, top.id)
	return top.id, time.Time{}, true
}

// MarkDone implements Scheduler
func (l *Local) MarkDone(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.remove(id)
	l.done[id] = true
}

// MarkBlocked implements Scheduler
func (l *Local) MarkBlocked(id string, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.remove(id)
	l.blocked[id] = reason
}

// Len returns the number of queued ids, eligible or not
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready)
}

// Blocked returns the reason id was blocked, if it was
func (l *Local) Blocked(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, ok := l.blocked[id]
	return reason, ok
}

// Done reports whether id was marked done
func (l *Local) Done(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[id]
}

func (l *Local) remove(id string) {
	if e, ok := l.queued[id]; ok {
		heap.Remove(&l.ready, e.index)
		delete(l.queued, id)
	}
}
