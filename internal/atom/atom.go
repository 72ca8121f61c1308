// Package atom implements the minimal typed, size-prefixed event
// encoding used on the control ring and in event port buffers. It is a
// deliberately small stand-in for the full LV2 atom type lattice:
// enough structure (type, size, body) to carry control-ring parameter
// writes, patch:Set property writes, and time:Position messages
// between the control thread and the RT callback, without pulling in
// a concrete LV2 binding.
package atom

import (
	"encoding/binary"
	"math"
)

// Well-known atom type tags. These stand in for interned URIDs; the
// host's uridmap.Map is still used to label ports/properties by URI, but
// the small fixed set of atom *shapes* the core needs to build internally
// get local constants instead of round-tripping through the map.
const (
	TypeFloat     uint32 = 1
	TypePatchSet  uint32 = 2
	TypeTimePos   uint32 = 3
	TypeMIDIEvent uint32 = 4
)

// HeaderSize is the encoded size of {type uint32, size uint32}.
const HeaderSize = 8

// SequenceLenSize is the width of the occupied-length prefix every
// event-port buffer carries in its first bytes (see WriteSeqLen):
// since Instance.ConnectPort hands the plugin a fixed-capacity []byte
// with no separate out-of-band length channel, the host and the
// plugin body agree that buf[0:4] holds "how many bytes after this
// prefix are a valid atom/legacy-event stream", set by whichever side
// produced the content.
const SequenceLenSize = 4

// WriteSeqLen stores n (the occupied length of the stream following the
// prefix) into buf[0:4].
func WriteSeqLen(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
}

// ReadSeqLen reads the occupied length previously stored by WriteSeqLen.
func ReadSeqLen(buf []byte) int {
	if len(buf) < SequenceLenSize {
		return 0
	}
	return int(binary.LittleEndian.Uint32(buf[0:4]))
}

// Encode writes a header {atomType, len(body)} followed by body into a
// fresh byte slice.
func Encode(atomType uint32, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], atomType)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out
}

// Header is a decoded {type, size} pair.
type Header struct {
	Type uint32
	Size uint32
}

// DecodeHeader reads a Header from the front of buf. ok is false if buf
// is too short to contain a complete header.
func DecodeHeader(buf []byte) (h Header, ok bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	h.Type = binary.LittleEndian.Uint32(buf[0:4])
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	return h, true
}

// EncodeFloat32 builds a TypeFloat atom body.
func EncodeFloat32(v float32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, float32bits(v))
	return Encode(TypeFloat, body)
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

// DecodeFloat32 reads the float32 payload of a TypeFloat atom body
// (everything after the header).
func DecodeFloat32(body []byte) float32 {
	if len(body) < 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(body))
}

// PatchSet is the body of a patch:Set{property, value} write: a
// property URID and a float32 value, encoded for the control-input
// event port.
type PatchSet struct {
	PropertyURID uint32
	Value        float32
}

// EncodePatchSet builds a full {header+body} atom for a property write.
func EncodePatchSet(p PatchSet) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], p.PropertyURID)
	binary.LittleEndian.PutUint32(body[4:8], float32bits(p.Value))
	return Encode(TypePatchSet, body)
}

// DecodePatchSet reads a PatchSet body (everything after the header).
func DecodePatchSet(body []byte) (PatchSet, bool) {
	if len(body) < 8 {
		return PatchSet{}, false
	}
	return PatchSet{
		PropertyURID: binary.LittleEndian.Uint32(body[0:4]),
		Value:        math.Float32frombits(binary.LittleEndian.Uint32(body[4:8])),
	}, true
}

// TimePosition mirrors the time:Position fields the RT callback
// formats into a scratch buffer once per cycle when the transport
// snapshot changes.
type TimePosition struct {
	Speed          float32
	Frame          int64
	Bar            int64
	BarBeat        float32
	Beat           float32
	BeatUnit       int32
	BeatsPerBar    float32
	BeatsPerMinute float32
	TicksPerBeat   float32
}

// EncodeTimePosition builds a full {header+body} time:Position atom.
func EncodeTimePosition(p TimePosition) []byte {
	body := make([]byte, 4+8+8+4+4+4+4+4+4)
	o := 0
	putF32 := func(v float32) {
		binary.LittleEndian.PutUint32(body[o:o+4], float32bits(v))
		o += 4
	}
	putI64 := func(v int64) {
		binary.LittleEndian.PutUint64(body[o:o+8], uint64(v))
		o += 8
	}
	putI32 := func(v int32) {
		binary.LittleEndian.PutUint32(body[o:o+4], uint32(v))
		o += 4
	}
	putF32(p.Speed)
	putI64(p.Frame)
	putI64(p.Bar)
	putF32(p.BarBeat)
	putF32(p.Beat)
	putI32(p.BeatUnit)
	putF32(p.BeatsPerBar)
	putF32(p.BeatsPerMinute)
	putF32(p.TicksPerBeat)
	return Encode(TypeTimePos, body)
}

// TimePositionBodySize is the fixed encoded body length EncodeTimePosition
// produces (the RT callback builds this into a scratch buffer every
// cycle a time message is needed, so the size must be known without
// encoding).
const TimePositionBodySize = 4 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4

// EncodeTimePositionInto writes a full {header+body} time:Position atom
// into dst (which must be at least HeaderSize+TimePositionBodySize
// bytes) without allocating, for use on the RT thread. Returns the
// number of bytes written, or 0 if dst is too small.
func EncodeTimePositionInto(dst []byte, p TimePosition) int {
	total := HeaderSize + TimePositionBodySize
	if len(dst) < total {
		return 0
	}
	binary.LittleEndian.PutUint32(dst[0:4], TypeTimePos)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(TimePositionBodySize))

	o := HeaderSize
	putF32 := func(v float32) {
		binary.LittleEndian.PutUint32(dst[o:o+4], float32bits(v))
		o += 4
	}
	putI64 := func(v int64) {
		binary.LittleEndian.PutUint64(dst[o:o+8], uint64(v))
		o += 8
	}
	putI32 := func(v int32) {
		binary.LittleEndian.PutUint32(dst[o:o+4], uint32(v))
		o += 4
	}
	putF32(p.Speed)
	putI64(p.Frame)
	putI64(p.Bar)
	putF32(p.BarBeat)
	putF32(p.Beat)
	putI32(p.BeatUnit)
	putF32(p.BeatsPerBar)
	putF32(p.BeatsPerMinute)
	putF32(p.TicksPerBeat)
	return total
}

// EncodeMIDIEventInto writes a full {header+body} midi:MidiEvent atom
// into dst without allocating. Returns the number of bytes written, or
// 0 if dst is too small.
func EncodeMIDIEventInto(dst []byte, raw []byte) int {
	total := HeaderSize + len(raw)
	if len(dst) < total {
		return 0
	}
	binary.LittleEndian.PutUint32(dst[0:4], TypeMIDIEvent)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(raw)))
	copy(dst[HeaderSize:total], raw)
	return total
}

// SequenceWriter appends atoms into a fixed-capacity buffer, building
// one event port's worth of per-cycle sequence without ever growing
// the backing slice.
type SequenceWriter struct {
	buf []byte
	pos int
}

// NewSequenceWriter wraps buf; the writer never allocates or grows it.
func NewSequenceWriter(buf []byte) *SequenceWriter {
	return &SequenceWriter{buf: buf}
}

// Reset rewinds the writer to the start of buf, discarding prior
// content without zeroing it (the next Append overwrites in place).
func (w *SequenceWriter) Reset() { w.pos = 0 }

// Resume continues appending after n already-written bytes, used when
// a later phase adds more atoms to a buffer an earlier phase began.
func (w *SequenceWriter) Resume(n int) { w.pos = n }

// Len reports how many bytes have been written since the last Reset.
func (w *SequenceWriter) Len() int { return w.pos }

// Bytes returns the written prefix of the backing buffer.
func (w *SequenceWriter) Bytes() []byte { return w.buf[:w.pos] }

// AppendMIDI encodes raw as a midi:MidiEvent atom and appends it.
// Reports false (and writes nothing) if the buffer has no room left.
func (w *SequenceWriter) AppendMIDI(raw []byte) bool {
	n := EncodeMIDIEventInto(w.buf[w.pos:], raw)
	if n == 0 {
		return false
	}
	w.pos += n
	return true
}

// AppendEncoded copies an already-encoded atom (header+body) verbatim,
// used to splice a previously formatted time:Position message into an
// event buffer.
func (w *SequenceWriter) AppendEncoded(encoded []byte) bool {
	if w.pos+len(encoded) > len(w.buf) {
		return false
	}
	w.pos += copy(w.buf[w.pos:], encoded)
	return true
}

// Tail returns the unwritten remainder of the backing buffer, for
// callers that copy an encoded atom in directly (e.g. straight out of a
// ring buffer) instead of going through Append.
func (w *SequenceWriter) Tail() []byte { return w.buf[w.pos:] }

// Advance marks n bytes of Tail as written by an external copier.
func (w *SequenceWriter) Advance(n int) { w.pos += n }

// Walk calls fn once per atom in buf[:n], in order, stopping early if
// fn returns false.
func Walk(buf []byte, n int, fn func(h Header, body []byte) bool) {
	pos := 0
	for pos+HeaderSize <= n {
		h, ok := DecodeHeader(buf[pos:])
		if !ok {
			return
		}
		bodyStart := pos + HeaderSize
		bodyEnd := bodyStart + int(h.Size)
		if bodyEnd > n {
			return
		}
		if !fn(h, buf[bodyStart:bodyEnd]) {
			return
		}
		pos = bodyEnd
	}
}

// DecodeTimePosition is the inverse of EncodeTimePosition, reading from
// a body (everything after the header).
func DecodeTimePosition(body []byte) (TimePosition, bool) {
	if len(body) < 4+8+8+4+4+4+4+4+4 {
		return TimePosition{}, false
	}
	var p TimePosition
	o := 0
	getF32 := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(body[o : o+4]))
		o += 4
		return v
	}
	getI64 := func() int64 {
		v := int64(binary.LittleEndian.Uint64(body[o : o+8]))
		o += 8
		return v
	}
	getI32 := func() int32 {
		v := int32(binary.LittleEndian.Uint32(body[o : o+4]))
		o += 4
		return v
	}
	p.Speed = getF32()
	p.Frame = getI64()
	p.Bar = getI64()
	p.BarBeat = getF32()
	p.Beat = getF32()
	p.BeatUnit = getI32()
	p.BeatsPerBar = getF32()
	p.BeatsPerMinute = getF32()
	p.TicksPerBeat = getF32()
	return p, true
}
