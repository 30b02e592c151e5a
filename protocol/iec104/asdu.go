package iec104

import (
	"encoding/binary"
	"math"

	"github.com/voltageems/core/protocol"
)

// TypeID is the ASDU type identification (companion standard 101,
// subclass 7.2.1). Only the subset this codec exercises is named here;
// the full enumeration runs 1..127 and is not reproduced.
type TypeID byte

const (
	MMeNC1 TypeID = 13  // measured value, short floating point number
	CSeNC1 TypeID = 50  // set-point command, short floating point number
	CICNA1 TypeID = 100 // interrogation command
)

// Cause of transmission, the subset used here.
const (
	cotPeriodic    = 1
	cotSpontaneous = 3
	cotActivation  = 6
)

// Codec implements protocol.Codec for a single IEC 60870-5-104
// station: Run.StartAddress is the base Information Object Address,
// Run.Quantity the number of sequential IOAs read as M_ME_NC_1 values,
// Run.Slave the Common Address of the ASDU (station address).
type Codec struct {
	sendSeq uint16
	recvSeq uint16
}

func NewCodec() *Codec { return &Codec{} }

func (c *Codec) Name() string { return "iec104" }

func (c *Codec) BuildReadRequest(run protocol.Run) ([]byte, error) {
	asdu := []byte{byte(CICNA1), 0x01, cotActivation, 0x00,
		byte(run.Slave), byte(run.Slave >> 8),
		0x00, 0x00, 0x00, // IOA, qualifier of interrogation = 0 (station interrogation)
	}
	frame := Build(APCI{Kind: KindI, Send: c.sendSeq, Recv: c.recvSeq, ASDU: asdu})
	c.sendSeq++
	return frame, nil
}

// ParseReadResponse expects one or more M_ME_NC_1 information objects
// and returns them concatenated as 5-byte (float32 LE + quality byte)
// records in the order the ASDU carries them. The record count comes
// from the VSQ; it is not checked against Run.Quantity.
func (c *Codec) ParseReadResponse(run protocol.Run, frame []byte) ([]byte, error) {
	a, err := Parse(frame)
	if err != nil {
		return nil, err
	}
	if a.Kind == KindS || a.Kind == KindU {
		return nil, nil // supervisory/control ack, nothing to decode
	}
	c.recvSeq = a.Send + 1
	asdu := a.ASDU
	if len(asdu) < 6 {
		return nil, protocol.ErrShortFrame
	}
	typeID := TypeID(asdu[0])
	if typeID != MMeNC1 {
		return nil, protocol.ErrBadFraming
	}
	vsq := asdu[1]
	count := int(vsq & 0x7F)
	body := asdu[6:]
	out := make([]byte, 0, count*5)
	for i := 0; i < count; i++ {
		off := i * 8 // 3-byte IOA + 4-byte float + 1-byte quality
		if off+8 > len(body) {
			return nil, protocol.ErrShortFrame
		}
		out = append(out, body[off+3:off+8]...)
	}
	return out, nil
}

func (c *Codec) BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, protocol.ErrShortFrame
	}
	ioa := []byte{byte(address), byte(address >> 8), byte(address >> 16)}
	asdu := []byte{byte(CSeNC1), 0x01, cotActivation, 0x00, byte(slave), byte(slave >> 8)}
	asdu = append(asdu, ioa...)
	asdu = append(asdu, raw[:4]...)
	asdu = append(asdu, 0x00) // qualifier of set-point command
	frame := Build(APCI{Kind: KindI, Send: c.sendSeq, Recv: c.recvSeq, ASDU: asdu})
	c.sendSeq++
	return frame, nil
}

func (c *Codec) ParseWriteResponse(frame []byte) error {
	a, err := Parse(frame)
	if err != nil {
		return err
	}
	if a.Kind != KindI {
		return nil
	}
	if len(a.ASDU) >= 3 && a.ASDU[2]&0x40 != 0 {
		return protocol.ErrException
	}
	return nil
}

// EncodeFloat32 packs an f32 value + quality byte in the wire's
// little-endian layout used by M_ME_NC_1/C_SE_NC_1 information elements.
func EncodeFloat32(value float32, quality byte) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(value))
	buf[4] = quality
	return buf
}

func DecodeFloat32(raw []byte) (value float32, quality byte) {
	return math.Float32frombits(binary.LittleEndian.Uint32(raw[0:4])), raw[4]
}
