// Package can frames raw CAN bus messages (§4.2): (can_id,
// frame_format, data[0..=8]). Point Mapper's bit-level field
// extraction (§4.4, common.ExtractBits) operates directly on Frame.Data.
package can

import (
	"github.com/voltageems/core/protocol"
)

type FrameFormat int

const (
	Standard FrameFormat = iota // 11-bit identifier
	Extended                    // 29-bit identifier
)

type Frame struct {
	ID     uint32
	Format FrameFormat
	Data   []byte // 0..8 bytes
	RTR    bool   // remote transmission request
}

func Encode(f Frame) []byte {
	out := make([]byte, 0, 6+len(f.Data))
	out = append(out, byte(f.Format))
	out = append(out, byte(f.ID>>24), byte(f.ID>>16), byte(f.ID>>8), byte(f.ID))
	dlc := byte(len(f.Data))
	if f.RTR {
		dlc |= 0x80
	}
	out = append(out, dlc)
	return append(out, f.Data...)
}

func Decode(raw []byte) (Frame, error) {
	if len(raw) < 6 {
		return Frame{}, protocol.ErrShortFrame
	}
	f := Frame{Format: FrameFormat(raw[0])}
	f.ID = uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
	dlc := raw[5]
	f.RTR = dlc&0x80 != 0
	n := int(dlc &^ 0x80)
	if n > 8 || len(raw) < 6+n {
		return Frame{}, protocol.ErrBadFraming
	}
	f.Data = raw[6 : 6+n]
	return f, nil
}

// Codec satisfies protocol.Codec for a CAN channel: Run.StartAddress
// is the CAN identifier, Run.Quantity the expected data length. A read
// "request" is a remote-transmission-request frame; the response frame
// carries the up-to-8-byte payload verbatim — Point Mapper extracts
// bit fields from it.
type Codec struct {
	Format FrameFormat
}

func NewCodec(format FrameFormat) *Codec { return &Codec{Format: format} }

func (c *Codec) Name() string { return "can" }

func (c *Codec) BuildReadRequest(run protocol.Run) ([]byte, error) {
	return Encode(Frame{ID: run.StartAddress, Format: c.Format, RTR: true, Data: make([]byte, run.Quantity)}), nil
}

func (c *Codec) ParseReadResponse(run protocol.Run, frame []byte) ([]byte, error) {
	f, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	if f.ID != run.StartAddress {
		return nil, protocol.ErrBadFraming
	}
	return f.Data, nil
}

func (c *Codec) BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error) {
	return Encode(Frame{ID: address, Format: c.Format, Data: raw}), nil
}

func (c *Codec) ParseWriteResponse(frame []byte) error {
	return nil // CAN has no application-level write acknowledgment
}
