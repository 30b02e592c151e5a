package transport

import (
	"io"
	"sync"
	"time"

	"github.com/voltageems/core/common"
)

// LineSettings are the configured line parameters for a serial port
// (baud/parity/stop-bits/etc.), carried opaquely — the concrete
// opening of an OS serial device is a platform concern left to the
// OpenFunc supplied by the caller (see DESIGN.md: Transport/Serial).
type LineSettings struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

// OpenFunc opens the underlying byte stream for a serial device,
// backed by a platform serial driver the caller supplies. Nothing in
// this module constructs a Serial.
type OpenFunc func(LineSettings) (io.ReadWriteCloser, error)

// Serial is a Transport over a native-async port with the configured
// line settings (§4.2). It does not itself know how to talk to an OS
// serial device — that is OpenFunc's job — it owns the connect
// lifecycle, read-timeout emulation and send accounting.
type Serial struct {
	settings LineSettings
	open     OpenFunc

	mu   sync.Mutex
	port io.ReadWriteCloser
	sent common.Uint64Val
	recv common.Uint64Val
}

func NewSerial(settings LineSettings, open OpenFunc) *Serial {
	s := &Serial{settings: settings, open: open}
	s.sent.Init()
	s.recv.Init()
	return s
}

func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := s.open(s.settings)
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Send(data []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, common.ErrNotConnected
	}
	n, err := port.Write(data)
	if err == nil {
		s.sent.Add(uint64(n))
	}
	return n, err
}

// deadlineReader is satisfied by ports that support per-call
// deadlines (e.g. an in-memory pipe wrapper); when a port does not,
// Receive falls back to a plain blocking Read.
type deadlineReader interface {
	SetReadDeadline(time.Time) error
}

func (s *Serial) Receive(buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, common.ErrNotConnected
	}
	if dr, ok := port.(deadlineReader); ok && timeout > 0 {
		dr.SetReadDeadline(time.Now().Add(timeout))
	}
	n, err := port.Read(buf)
	if err == nil {
		s.recv.Add(uint64(n))
	}
	return n, err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) Diagnostics() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"device":    s.settings.Device,
		"baud":      s.settings.BaudRate,
		"connected": s.port != nil,
		"bytesSent": s.sent.Value(),
		"bytesRecv": s.recv.Value(),
	}
}
