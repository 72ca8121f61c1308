package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperHandler struct{}

func (upperHandler) HandleLine(line string) (string, bool) {
	if line == "quit" {
		return "resp 0", true
	}
	return "resp 0 " + line, false
}

func TestControlServesLines(t *testing.T) {
	c := NewControl(upperHandler{}, log.New(io.Discard))
	require.NoError(t, c.Listen("127.0.0.1:0"))
	defer c.Close()

	conn, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "hello world\n")
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "resp 0 hello world\n", line)

	// quit closes the connection after the response.
	fmt.Fprintf(conn, "quit\n")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "resp 0\n", line)
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

func TestControlMultipleClients(t *testing.T) {
	c := NewControl(upperHandler{}, log.New(io.Discard))
	require.NoError(t, c.Listen("127.0.0.1:0"))
	defer c.Close()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", c.Addr().String())
		require.NoError(t, err)
		fmt.Fprintf(conn, "client %d\n", i)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("resp 0 client %d\n", i), line)
		conn.Close()
	}
}

func TestFeedbackBroadcast(t *testing.T) {
	f := NewFeedback(log.New(io.Discard))
	require.NoError(t, f.Listen("127.0.0.1:0"))
	defer f.Close()

	a, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer b.Close()

	// Wait for both connections to be registered by the accept loop.
	require.Eventually(t, func() bool {
		return f.ClientCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	f.WriteLine("param_set 0 gain 1.0000")

	for _, conn := range []net.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "param_set 0 gain 1.0000\n", line)
	}
}

func TestMonitorDialAndWrite(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	m := NewMonitor(log.New(io.Discard))
	assert.False(t, m.Open())

	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, m.Start(addr.IP.String(), addr.Port))
	assert.True(t, m.Open())

	m.WriteLine("monitor 0 gain 0.5000")
	select {
	case line := <-received:
		assert.Equal(t, "monitor 0 gain 0.5000\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor line never arrived")
	}

	m.Stop()
	assert.False(t, m.Open())
}

func TestMonitorStartFailure(t *testing.T) {
	m := NewMonitor(log.New(io.Discard))
	assert.Error(t, m.Start("127.0.0.1", 1)) // nothing listens on port 1
}
