// Package worker implements the per-instance offload thread for plugins
// that cannot allocate inside the audio callback.
package worker

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mod-host-go/modhostd/internal/plugin"
	"github.com/mod-host-go/modhostd/internal/ringbuffer"
)

// ErrNoSpace is returned by Schedule when the request ring cannot hold
// the message; the plugin is expected to
// retry on the next cycle.
var ErrNoSpace = errors.New("worker: request ring has no space")

const defaultRingSize = 64 * 1024

// Worker runs one plugin's worker extension on a background goroutine,
// bridging it to the RT thread via two SPSC byte rings.
type Worker struct {
	ext plugin.WorkerExtension
	log *log.Logger

	requests  *ringbuffer.Ring
	responses *ringbuffer.Ring

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	exiting atomic.Bool

	// respScratch is reused by EmitResponses across RT cycles so the RT
	// thread never allocates while draining.
	respScratch []byte
}

// New starts a worker goroutine for ext. If ext is nil (plugin declares
// no worker interface), the returned Worker's methods are all no-ops.
func New(ext plugin.WorkerExtension, logger *log.Logger) *Worker {
	w := &Worker{
		ext:       ext,
		log:       logger,
		requests:  ringbuffer.New(defaultRingSize),
		responses: ringbuffer.New(defaultRingSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if ext != nil {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

// Schedule is called from the RT thread: it writes {size, bytes} into
// the request ring and wakes the worker goroutine. It never blocks.
func (w *Worker) Schedule(data []byte) error {
	if w.ext == nil {
		return nil
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))
	need := len(header) + len(data)
	if w.requests.WriteSpace() < need {
		return ErrNoSpace
	}
	w.requests.Write(header[:])
	w.requests.Write(data)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// loop runs on the worker goroutine: wait for a wake signal or exit,
// then drain every complete request, calling the plugin's Work.
func (w *Worker) loop() {
	defer w.wg.Done()
	scratch := make([]byte, 4096)
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			if w.exiting.Load() {
				return
			}
			header := make([]byte, 4)
			if w.requests.Peek(header) < 4 {
				break // nothing complete yet
			}
			size := int(binary.LittleEndian.Uint32(header))
			if w.requests.ReadSpace() < 4+size {
				// torn read: header landed but body hasn't finished
				// being written yet. Yield and retry rather than
				// blocking; the producer never waits on us.
				time.Sleep(100 * time.Microsecond)
				continue
			}
			if cap(scratch) < size {
				scratch = make([]byte, size)
			}
			body := scratch[:size]
			full := make([]byte, 4+size)
			w.requests.Read(full)
			copy(body, full[4:])

			respond := func(rsize int, rbody []byte) error {
				return w.respond(rbody[:rsize])
			}
			if err := w.ext.Work(respond, size, body); err != nil {
				w.log.Warn("plugin worker returned error", "err", err)
			}
		}
	}
}

// respond is called from inside Work (still on the worker goroutine) to
// push a result back for the RT thread to pick up next cycle.
func (w *Worker) respond(body []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))
	if w.responses.WriteSpace() < 4+len(body) {
		return ErrNoSpace
	}
	w.responses.Write(header)
	w.responses.Write(body)
	return nil
}

// EmitResponses is called from the RT thread once per cycle, after
// Run(), to drain whatever the worker produced and hand it back to the
// plugin via WorkResponse/EndRun.
func (w *Worker) EmitResponses() {
	if w.ext == nil {
		return
	}
	var header [4]byte
	for {
		if w.responses.Peek(header[:]) < 4 {
			break
		}
		size := int(binary.LittleEndian.Uint32(header[:]))
		if w.responses.ReadSpace() < 4+size {
			break // torn read: wait for next cycle rather than spin in RT
		}
		need := 4 + size
		if cap(w.respScratch) < need {
			w.respScratch = make([]byte, need)
		}
		full := w.respScratch[:need]
		w.responses.Read(full)
		if err := w.ext.WorkResponse(size, full[4:]); err != nil {
			w.log.Warn("plugin work_response returned error", "err", err)
		}
	}
	w.ext.EndRun()
}

// Close stops the worker goroutine and releases its rings. Safe to call
// even if New was given a nil extension.
func (w *Worker) Close() {
	if w.ext == nil {
		return
	}
	w.exiting.Store(true)
	close(w.done)
	w.wg.Wait()
}
