// Package feedback implements the feedback thread: it drains the
// postponed-event queue with at-most-once coalescing and formats the
// results as ASCII feedback-socket lines.
package feedback

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/postponed"
)

// Sink receives formatted feedback lines (the feedback TCP socket in
// production, a slice in tests).
type Sink interface {
	WriteLine(line string)
}

// Thread drains the postponed-event queue on its own goroutine.
type Thread struct {
	queue *postponed.Queue
	sink  Sink
	log   *log.Logger

	mu      sync.Mutex
	ready   bool
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Thread; call Start to begin draining.
func New(queue *postponed.Queue, sink Sink, logger *log.Logger) *Thread {
	return &Thread{queue: queue, sink: sink, log: logger}
}

// Start launches the drain goroutine. It is a no-op if already running.
func (t *Thread) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.loop(t.stop)
}

// Stop halts the drain goroutine and waits for it to exit. remove()
// calls this to guarantee no feedback for a disappearing instance is
// emitted mid-drain.
func (t *Thread) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stop := t.stop
	t.running = false
	t.mu.Unlock()

	close(stop)
	t.wg.Wait()
}

// SetReady marks that the next drain should emit a data_finish sentinel
// after it completes and wakes the
// drainer immediately.
func (t *Thread) SetReady() {
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.queue.Signal()
}

func (t *Thread) loop(stop chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-t.queue.Notify():
			t.Drain(postponed.NoInstance)
		case <-time.After(time.Second):
			// 1s timeout keeps the thread responsive to stop even with
			// no traffic.
		}
	}
}

// Drain performs exactly one splice-and-coalesce pass over the queue,
// skipping (but still freeing) any node whose InstanceID equals
// ignored. remove(id) calls this directly with ignored=id before
// destroying the instance; the background loop calls it with
// postponed.NoInstance, which skips nothing (transport and program
// events, which carry NoInstance, are still emitted).
func (t *Thread) Drain(ignored int32) {
	head, tail := t.queue.Splice()
	if head == nil {
		t.emitFinishIfReady()
		return
	}

	type key struct {
		instance int32
		symbol   int
	}
	seenParamSet := map[key]bool{}
	seenOutputSet := map[key]bool{}
	var lastParamSet, lastOutputSet key
	haveLastParamSet, haveLastOutputSet := false, false
	gotProgram, gotTransport := false, false

	var lines []string

	for ev := tail; ev != nil; ev = ev.Prev {
		skip := ignored != postponed.NoInstance && ev.InstanceID == ignored

		switch ev.Kind {
		case postponed.KindParamSet:
			k := key{ev.InstanceID, ev.SymbolID}
			dup := (haveLastParamSet && lastParamSet == k) || seenParamSet[k]
			if !dup {
				lastParamSet, haveLastParamSet = k, true
				seenParamSet[k] = true
				if !skip {
					lines = append(lines, fmt.Sprintf("param_set %d %s %.4f", ev.InstanceID, ev.Symbol, ev.Value))
				}
			}
		case postponed.KindOutputMonitor:
			k := key{ev.InstanceID, ev.SymbolID}
			dup := (haveLastOutputSet && lastOutputSet == k) || seenOutputSet[k]
			if !dup {
				lastOutputSet, haveLastOutputSet = k, true
				seenOutputSet[k] = true
				if !skip {
					lines = append(lines, fmt.Sprintf("output_set %d %s %.4f", ev.InstanceID, ev.Symbol, ev.Value))
				}
			}
		case postponed.KindMIDIMap:
			if !skip {
				lines = append(lines, fmt.Sprintf("midi_mapped %d %s %d %d %.4f %.4f %.4f",
					ev.InstanceID, ev.Symbol, ev.Channel, ev.Controller, ev.Value, ev.Min, ev.Max))
			}
		case postponed.KindProgramListen:
			if !gotProgram {
				gotProgram = true
				if !skip {
					lines = append(lines, fmt.Sprintf("midi_program %d", ev.Program))
				}
			}
		case postponed.KindTransport:
			if !gotTransport {
				gotTransport = true
				if !skip {
					rolling := 0
					if ev.Rolling {
						rolling = 1
					}
					lines = append(lines, fmt.Sprintf("transport %d %.6f %.6f", rolling, ev.BPB, ev.BPM))
				}
			}
		}
	}

	for _, l := range lines {
		t.sink.WriteLine(l)
	}

	for ev := head; ev != nil; {
		next := ev.Next
		t.queue.Free(ev)
		ev = next
	}

	t.emitFinishIfReady()
}

func (t *Thread) emitFinishIfReady() {
	t.mu.Lock()
	ready := t.ready
	t.ready = false
	t.mu.Unlock()
	if ready {
		t.sink.WriteLine("data_finish")
	}
}
