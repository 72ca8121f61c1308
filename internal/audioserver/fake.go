package audioserver

import (
	"sync"
	"time"
)

// Fake is a ticker-driven Server with no real device I/O: a
// deterministic clock that advances the graph one block at a time so
// tests can drive many RT cycles without a live audio device. It
// registers no system capture or playback ports.
type Fake struct {
	*graph

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewFake builds a Fake server at the given sample rate and block size.
func NewFake(sampleRate float64, blockSize, midiBufSize int) *Fake {
	return &Fake{graph: newGraph(sampleRate, blockSize, midiBufSize)}
}

// Tick runs exactly one cycle, for tests that want fully manual control
// over RT cycle timing instead of the background ticker.
func (f *Fake) Tick() { f.RunCycle(f.blockSize) }

// Run starts a background goroutine that calls RunCycle once per block
// period (blockSize/sampleRate), as a real device would. Stop halts it.
func (f *Fake) Run() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.wg.Add(1)
	f.mu.Unlock()

	period := time.Duration(float64(f.blockSize) / f.sampleRate * float64(time.Second))
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.RunCycle(f.blockSize)
			}
		}
	}()
}

func (f *Fake) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stop := f.stop
	f.mu.Unlock()
	close(stop)
	f.wg.Wait()
}
