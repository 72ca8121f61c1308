package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Feedback is the feedback socket: the drain's output lines are
// broadcast to every connected client. It implements feedback.Sink.
// A client that stops reading only loses its own feed; writes to it
// fail without stalling the drain for the others.
type Feedback struct {
	log *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewFeedback builds an unbound feedback server.
func NewFeedback(logger *log.Logger) *Feedback {
	return &Feedback{log: logger, conns: map[net.Conn]struct{}{}}
}

// Listen binds addr and starts accepting clients. Clients never send
// anything; their connections are held until they hang up or Close.
func (f *Feedback) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()

	f.log.Info("feedback socket listening", "addr", l.Addr().String())
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns[conn] = struct{}{}
			f.mu.Unlock()
			f.log.Debug("feedback client connected", "remote", conn.RemoteAddr().String())
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (f *Feedback) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// ClientCount reports how many feedback clients are currently
// connected.
func (f *Feedback) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// WriteLine broadcasts one drain output line to every connected client,
// dropping clients whose connections have failed or whose write did not
// complete within one second.
func (f *Feedback) WriteLine(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			conn.Close()
			delete(f.conns, conn)
		}
	}
}

// Close stops the listener and hangs up every client.
func (f *Feedback) Close() {
	f.mu.Lock()
	if f.listener != nil {
		f.listener.Close()
	}
	for conn := range f.conns {
		conn.Close()
	}
	f.conns = map[net.Conn]struct{}{}
	f.mu.Unlock()
	f.wg.Wait()
}

// Monitor is the optional outbound monitor connection: monitor_start
// dials it, RT monitor evaluations write to it, monitor_stop closes it.
// It implements process.MonitorSink. While no connection is open every
// write is a cheap no-op.
type Monitor struct {
	log *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewMonitor builds a disconnected monitor sink.
func NewMonitor(logger *log.Logger) *Monitor {
	return &Monitor{log: logger}
}

// Start dials host:port, replacing any previous connection.
func (m *Monitor) Start(host string, port int) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn
	m.mu.Unlock()
	m.log.Info("monitor socket connected", "host", host, "port", port)
	return nil
}

// Open reports whether a monitor connection is currently up.
func (m *Monitor) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// WriteLine sends one "monitor <id> <symbol> <value>" line, closing the
// connection on write failure.
func (m *Monitor) WriteLine(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	if _, err := fmt.Fprintf(m.conn, "%s\n", line); err != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Stop closes the monitor connection if one is open.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
