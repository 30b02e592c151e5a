// Package protocol is the frame codec layer (§4.2/§4.3, component C3):
// one implementation per wire protocol, each turning a planned
// register/point run into wire bytes and back. Point Mapper (C4)
// and the Polling Engine (C5) depend only on the Codec contract.
package protocol

import "errors"

var (
	// ErrException signals a protocol-level negative response (a
	// Modbus exception, an IEC negative confirmation, …); the caller
	// counts it as a per-frame WireError per spec §7.
	ErrException = errors.New("protocol: exception response")
	ErrShortFrame = errors.New("protocol: frame too short")
	ErrBadCRC     = errors.New("protocol: crc mismatch")
	ErrBadFraming = errors.New("protocol: malformed frame header")
)

// Run is one planned register/point batch, as produced by the Point
// Mapper's batch planning (§4.3): a contiguous address range within
// one slave, narrow enough to fit the protocol's max quantity.
type Run struct {
	Slave        int
	StartAddress uint32
	Quantity     int
	PointIDs     []uint32 // point_id per register/element, in address order
}

// Codec is the capability set every protocol plugin satisfies —
// connect/disconnect stay with Transport (C2); Codec only frames and
// parses bytes that Transport then carries.
type Codec interface {
	Name() string
	BuildReadRequest(run Run) ([]byte, error)
	// ParseReadResponse validates framing/CRC/exception and returns the
	// raw register payload bytes (still undecoded — Point Mapper does
	// the scale/offset/bit-layout decode).
	ParseReadResponse(run Run, frame []byte) ([]byte, error)
	BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error)
	ParseWriteResponse(frame []byte) error
}
