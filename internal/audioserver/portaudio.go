package audioserver

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/mod-host-go/modhostd/internal/port"
)

// PortAudio drives the graph from a real duplex portaudio.Stream, so
// go test and local manual runs can exercise the RT callback against a
// live audio device without a JACK server. It is not a JACK
// replacement, just a real clock and real samples feeding the same
// graph Fake drives synthetically.
type PortAudio struct {
	*graph

	stream   *portaudio.Stream
	channels int
}

// NewPortAudio opens the system default duplex device with the given
// channel count, sample rate, and block size.
func NewPortAudio(channels int, sampleRate float64, blockSize int, midiBufSize int) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audioserver: portaudio init: %w", err)
	}

	pa := &PortAudio{
		graph:    newGraph(sampleRate, blockSize, midiBufSize),
		channels: channels,
	}

	in := make([][]float32, channels)
	out := make([][]float32, channels)
	for i := range in {
		in[i] = make([]float32, blockSize)
		out[i] = make([]float32, blockSize)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   nil,
			Channels: channels,
			Latency:  0,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   nil,
			Channels: channels,
			Latency:  0,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: blockSize,
	}

	stream, err := portaudio.OpenStream(params, func(inBuf, outBuf [][]float32) {
		pa.callback(inBuf, outBuf)
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audioserver: open stream: %w", err)
	}
	pa.stream = stream
	return pa, nil
}

// callback is the portaudio-driven audio thread: copy device input into
// the graph's registered system:capture_N ports, run one cycle, then
// copy system:playback_N ports out to the device.
func (pa *PortAudio) callback(inBuf, outBuf [][]float32) {
	pa.mu.Lock()
	for ch := range inBuf {
		name := fmt.Sprintf("system:capture_%d", ch+1)
		if p, ok := pa.findPortLocked(name); ok {
			copy(p.audioBuf, inBuf[ch])
		}
	}
	pa.mu.Unlock()

	pa.RunCycle(len(inBuf[0]))

	pa.mu.Lock()
	for ch := range outBuf {
		name := fmt.Sprintf("system:playback_%d", ch+1)
		if p, ok := pa.findPortLocked(name); ok {
			copy(outBuf[ch], p.audioBuf)
		} else {
			for i := range outBuf[ch] {
				outBuf[ch][i] = 0
			}
		}
	}
	pa.mu.Unlock()
}

// Start registers the fixed system client (capture/playback ports) and
// starts the stream.
func (pa *PortAudio) Start() error {
	system, err := pa.NewClient("system")
	if err != nil {
		return err
	}
	for ch := 0; ch < pa.channels; ch++ {
		if _, err := system.RegisterPort(fmt.Sprintf("capture_%d", ch+1), KindAudio, port.FlowOutput); err != nil {
			return err
		}
		if _, err := system.RegisterPort(fmt.Sprintf("playback_%d", ch+1), KindAudio, port.FlowInput); err != nil {
			return err
		}
	}
	return pa.stream.Start()
}

func (pa *PortAudio) Stop() error {
	if err := pa.stream.Stop(); err != nil {
		return err
	}
	if err := pa.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
