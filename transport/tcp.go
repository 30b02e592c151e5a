package transport

import (
	"net"
	"sync"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
)

// TCP is a single, Nagle-disabled stream used by Modbus-TCP and
// IEC 60870-5-104 channels.
type TCP struct {
	addr string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    *net.TCPConn
	sent    common.Uint64Val
	recv    common.Uint64Val
	lastErr error
}

func NewTCP(addr string, dialTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	t := &TCP{addr: addr, dialTimeout: dialTimeout}
	t.sent.Init()
	t.recv.Init()
	return t
}

func (t *TCP) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	raddr, err := net.ResolveTCPAddr("tcp", t.addr)
	if err != nil {
		t.lastErr = err
		return err
	}
	conn, err := net.DialTimeout("tcp", raddr.String(), t.dialTimeout)
	if err != nil {
		t.lastErr = err
		return err
	}
	tcpConn := conn.(*net.TCPConn)
	tcpConn.SetNoDelay(true) // disable Nagle, per §4.2
	t.conn = tcpConn
	logging.Infof("transport(tcp): connected to %v\n", t.addr)
	return nil
}

func (t *TCP) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) Send(data []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, common.ErrNotConnected
	}
	n, err := conn.Write(data)
	if err != nil {
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		return n, err
	}
	t.sent.Add(uint64(n))
	return n, nil
}

func (t *TCP) Receive(buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, common.ErrNotConnected
	}
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, common.ErrTimeout
		}
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		return n, err
	}
	t.recv.Add(uint64(n))
	return n, nil
}

func (t *TCP) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCP) Diagnostics() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := map[string]interface{}{
		"addr":      t.addr,
		"connected": t.conn != nil,
		"bytesSent": t.sent.Value(),
		"bytesRecv": t.recv.Value(),
	}
	if t.lastErr != nil {
		m["lastError"] = t.lastErr.Error()
	}
	return m
}
