package host

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mod-host-go/modhostd/internal/audioserver"
	"github.com/mod-host-go/modhostd/internal/builtin"
	"github.com/mod-host-go/modhostd/internal/config"
	"github.com/mod-host-go/modhostd/internal/instance"
	"github.com/mod-host-go/modhostd/internal/port"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ControlPort = 0 // ephemeral
	cfg.FeedbackPort = 0
	cfg.BlockSize = 64
	cfg.Interactive = false
	cfg.PresetDir = t.TempDir()
	return cfg
}

func startHost(t *testing.T) *Host {
	t.Helper()
	h, err := New(testConfig(t), log.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func dialControl(t *testing.T, h *Host) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.controlSrv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)
	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(resp, "\n")
}

func TestGlobalInstanceInstalled(t *testing.T) {
	h := startHost(t)

	global, ok := h.instances.Get(instance.GlobalInstanceID)
	require.True(t, ok)
	for _, symbol := range []string{":rolling", ":bpb", ":bpm"} {
		_, ok := global.PortBySymbol(symbol)
		assert.True(t, ok, symbol)
	}
}

func TestProtocolRoundTrip(t *testing.T) {
	h := startHost(t)
	conn, r := dialControl(t, h)

	assert.Equal(t, "resp 0", send(t, conn, r, fmt.Sprintf("add %s 0", builtin.GainURI)))
	assert.Equal(t, "resp 0", send(t, conn, r, "param_set 0 gain 10.0"))
	assert.Equal(t, "resp 0 10.0000", send(t, conn, r, "param_get 0 gain"))
	assert.Equal(t, "resp -3", send(t, conn, r, "param_get 3 gain"))
	assert.Equal(t, "resp 0", send(t, conn, r, "remove 0"))
}

func TestMIDIMappingEmitsFeedbackOverSocket(t *testing.T) {
	h := startHost(t)
	conn, r := dialControl(t, h)

	fbConn, err := net.Dial("tcp", h.feedbackSrv.Addr().String())
	require.NoError(t, err)
	defer fbConn.Close()
	fbReader := bufio.NewReader(fbConn)
	require.Eventually(t, func() bool {
		return h.feedbackSrv.ClientCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, "resp 0", send(t, conn, r, fmt.Sprintf("add %s 0", builtin.GainURI)))
	require.Equal(t, "resp 0", send(t, conn, r, "midi_map 0 gain 0 7 -24 24"))

	// Feed one CC through the dispatcher's midi_in port.
	feeder, err := h.backend.NewClient("test_feeder")
	require.NoError(t, err)
	out, err := feeder.RegisterPort("out", audioserver.KindMIDI, port.FlowOutput)
	require.NoError(t, err)
	sent := false
	feeder.SetProcessCallback(func(nframes int) {
		feeder.ClearMIDIBuffer(out)
		if !sent {
			feeder.WriteMIDIEvent(out, 0, []byte{0xB0, 7, 127})
			sent = true
		}
	})
	require.NoError(t, feeder.Activate())
	require.NoError(t, h.backend.Connect("test_feeder:out", "modhostd:midi_in"))

	fbConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := fbReader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "param_set 0 gain 24.0000\n", line)

	v, code := h.surface.GetParameter(0, "gain")
	require.Nil(t, code)
	assert.Equal(t, float32(24), v)
}

func TestTransportTicksWhileRolling(t *testing.T) {
	h := startHost(t)
	conn, r := dialControl(t, h)

	require.Equal(t, "resp 0", send(t, conn, r, "transport 1 4 120"))
	require.Eventually(t, func() bool {
		return h.transport.Tick() > 0
	}, 5*time.Second, 5*time.Millisecond, "the global instance's callback must advance the timebase")
}

func TestUnknownBackendRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "asio"
	_, err := New(cfg, log.New(io.Discard))
	assert.Error(t, err)
}
