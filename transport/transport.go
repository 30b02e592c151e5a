// Package transport is the byte-level connect/send/receive layer
// (§4.2, component C2): one implementation per wire, each satisfying
// the same small contract so the frame codecs above never see a
// net.Conn or a serial port directly.
package transport

import (
	"time"
)

// Transport is the contract every wire-level implementation (TCP,
// serial) satisfies.
type Transport interface {
	Connect() error
	Disconnect() error
	Send(data []byte) (int, error)
	Receive(buf []byte, timeout time.Duration) (int, error)
	IsConnected() bool
	Diagnostics() map[string]interface{}
}
