// Package postponed implements the postponed-event queue: an
// intrusive list of RT-produced events, allocated from a rtpool and
// drained (with coalescing, see internal/feedback) by a non-RT thread.
package postponed

import (
	"sync"

	"github.com/mod-host-go/modhostd/internal/rtpool"
)

// Kind tags the variant of a postponed event.
type Kind int

const (
	KindParamSet Kind = iota
	KindOutputMonitor
	KindMIDIMap
	KindProgramListen
	KindTransport
)

// NoInstance is the sentinel instance ID meaning "not tied to one
// instance" (transport events) or "ignore no instance" when draining.
const NoInstance int32 = -1

// Event is one intrusive queue node. Next/Prev are managed exclusively
// by Queue; a node is preallocated by the backing rtpool.Pool so
// enqueueing it from the RT thread never touches the general heap.
type Event struct {
	Kind       Kind
	InstanceID int32

	// SymbolID is the interned per-instance symbol index, used by the
	// coalescing drain instead of a string symbol compare. Symbol is
	// kept too, for formatting the feedback line.
	SymbolID int
	Symbol   string
	Value    float32

	Channel    int
	Controller int
	Min, Max   float32

	Program int

	Rolling bool
	BPB     float64
	BPM     float64

	Next, Prev *Event
}

// Queue is the global postponed-event FIFO, guarded by one mutex as
// an intrusive doubly-linked list protected by one mutex.
type Queue struct {
	pool *rtpool.Pool[Event]

	mu         sync.Mutex
	head, tail *Event

	ready chan struct{}
}

// New builds a Queue whose node pool has the given capacity.
func New(capacity int) *Queue {
	return &Queue{
		pool:  rtpool.New[Event](capacity),
		ready: make(chan struct{}, 1),
	}
}

// Allocate pulls a free node from the pool. ok is false if the pool is
// exhausted; the caller (RT thread or MIDI dispatcher) must silently
// drop the event in that case.
func (q *Queue) Allocate() (ev *Event, ok bool) {
	ev, ok = q.pool.Allocate()
	if ok {
		ev.Next, ev.Prev = nil, nil
	}
	return ev, ok
}

// Enqueue links ev at the tail under Q and signals a waiting drainer.
// Called from the RT callback or MIDI dispatcher; the mutex span is
// short (pointer fixups only).
func (q *Queue) Enqueue(ev *Event) {
	q.mu.Lock()
	ev.Prev = q.tail
	ev.Next = nil
	if q.tail != nil {
		q.tail.Next = ev
	} else {
		q.head = ev
	}
	q.tail = ev
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Signal wakes a drainer without necessarily having enqueued anything
// new (used by output_data_ready).
func (q *Queue) Signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Notify returns the channel a drain loop selects on; receiving from it
// (or timing out) is the cue to call Splice.
func (q *Queue) Notify() <-chan struct{} { return q.ready }

// Splice atomically detaches the entire current list and returns its
// head and tail; the queue is empty immediately after. The caller
// iterates the returned list without holding any lock. Iterating from
// tail via Prev walks the list newest-first.
func (q *Queue) Splice() (head, tail *Event) {
	q.mu.Lock()
	head, tail = q.head, q.tail
	q.head, q.tail = nil, nil
	q.mu.Unlock()
	return head, tail
}

// Free returns ev to the backing pool. Callers must not touch ev after
// this.
func (q *Queue) Free(ev *Event) {
	ev.Next, ev.Prev = nil, nil
	q.pool.Free(ev)
}

// FreeCount reports how many nodes are currently available in the pool,
// used by tests asserting the pool returns to its pre-add level
// after a remove.
func (q *Queue) FreeCount() int { return q.pool.FreeCount() }
