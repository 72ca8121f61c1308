// Package transport maintains the shared rolling/BPB/BPM state and
// the running tick position a timebase master publishes each cycle.
package transport

import (
	"math"
	"sync/atomic"
)

// State holds the shared transport scalars. bpb/bpm/rolling are single-
// writer (control surface + MIDI dispatcher), multi-reader (every RT
// callback); relaxed atomics with acquire on the RT read give us this
// without a mutex on the hot path.
type State struct {
	bpbBits  atomic.Uint64
	bpmBits  atomic.Uint64
	rolling  atomic.Bool
	resetReq atomic.Bool
	frame    atomic.Uint64
	tick     atomic.Uint64 // fixed-point tick position (bits of float64)

	// isTimebaseMaster tracks whether this process currently owns the
	// server's timebase callback.
	isTimebaseMaster atomic.Bool
}

// New returns transport state at the default 4/4, 120bpm, stopped.
func New() *State {
	s := &State{}
	s.SetBPB(4.0)
	s.SetBPM(120.0)
	return s
}

func (s *State) BPB() float64 { return float64frombits(s.bpbBits.Load()) }
func (s *State) BPM() float64 { return float64frombits(s.bpmBits.Load()) }
func (s *State) SetBPB(v float64) { s.bpbBits.Store(float64bits(v)) }
func (s *State) SetBPM(v float64) { s.bpmBits.Store(float64bits(v)) }

func (s *State) Rolling() bool     { return s.rolling.Load() }
func (s *State) SetRolling(v bool) { s.rolling.Store(v) }

func (s *State) Frame() uint64      { return s.frame.Load() }
func (s *State) SetFrame(v uint64)  { s.frame.Store(v) }
func (s *State) AdvanceFrame(n int) { s.frame.Add(uint64(n)) }

// RequestReset marks that the next RT cycle should recompute absolute
// tick position instead of advancing it incrementally, triggered by
// transport() calls and by CC-mapped rolling stop.
func (s *State) RequestReset() { s.resetReq.Store(true) }
func (s *State) ConsumeResetFlag() bool {
	return s.resetReq.Swap(false)
}

func (s *State) SetTimebaseMaster(v bool) { s.isTimebaseMaster.Store(v) }
func (s *State) IsTimebaseMaster() bool   { return s.isTimebaseMaster.Load() }

func (s *State) Tick() float64     { return float64frombits(s.tick.Load()) }
func (s *State) SetTick(v float64) { s.tick.Store(float64bits(v)) }

// Snapshot is the tuple the RT callback compares cycle-to-cycle.
type Snapshot struct {
	Rolling bool
	Frame   uint64
	BPB     float64
	BPM     float64
}

// Snapshot reads a coherent-enough view of transport state for one RT
// cycle. Each field load is independently atomic; it is enough that
// the RT thread read each field into a local before use so a
// concurrent writer can't split one cycle's view, which independent
// atomic loads already provide.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Rolling: s.Rolling(),
		Frame:   s.Frame(),
		BPB:     s.BPB(),
		BPM:     s.BPM(),
	}
}

func (a Snapshot) Equal(b Snapshot) bool {
	return a.Rolling == b.Rolling && a.Frame == b.Frame && a.BPB == b.BPB && a.BPM == b.BPM
}

// Timebase computes the running tick position for one RT cycle: on
// reset (new position, or the reset flag) it recomputes the absolute
// tick from frame/BPM; otherwise it advances the running tick
// incrementally.
type Timebase struct {
	TicksPerBeat float64 // 1920 ticks per beat
	BeatType     int32   // 4
}

func NewTimebase() Timebase {
	return Timebase{TicksPerBeat: 1920, BeatType: 4}
}

// Advance returns the new tick value for a cycle of nframes samples at
// the given sample rate and bpm, either recomputed from absolute frame
// position (reset) or advanced incrementally.
func (tb Timebase) Advance(prevTick float64, reset bool, frame uint64, nframes int, sampleRate float64, bpm float64) float64 {
	if reset {
		beats := (float64(frame) / sampleRate) * (bpm / 60.0)
		return beats * tb.TicksPerBeat
	}
	return prevTick + float64(nframes)*tb.TicksPerBeat*bpm/(sampleRate*60.0)
}

func float64bits(f float64) uint64 {
	return math.Float64bits(f)
}
func float64frombits(b uint64) float64 {
	return math.Float64frombits(b)
}
