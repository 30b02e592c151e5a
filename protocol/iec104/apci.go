// Package iec104 frames IEC 60870-5-104 APDUs (§4.2): APCI =
// 0x68, len, ctrl1..ctrl4 followed by an ASDU; I/S/U frames are
// distinguished by the low bits of ctrl1.
package iec104

import (
	"encoding/binary"

	"github.com/voltageems/core/protocol"
)

const startByte = 0x68

// FrameKind distinguishes I (information transfer), S (numbered
// supervisory), and U (unnumbered control) frames per ctrl1's low bits.
type FrameKind int

const (
	KindI FrameKind = iota
	KindS
	KindU
)

// APCI is the 6-byte Application Protocol Control Information header
// plus ASDU payload.
type APCI struct {
	Kind  FrameKind
	Send  uint16 // send sequence number (I-frames only)
	Recv  uint16 // receive sequence number (I/S-frames)
	UCtrl byte   // U-frame control function bits (ctrl1, U-frames only)
	ASDU  []byte
}

// Build frames an APCI + ASDU into wire bytes.
func Build(a APCI) []byte {
	var ctrl [4]byte
	switch a.Kind {
	case KindI:
		binary.LittleEndian.PutUint16(ctrl[0:2], a.Send<<1)
		binary.LittleEndian.PutUint16(ctrl[2:4], a.Recv<<1)
	case KindS:
		ctrl[0] = 0x01
		binary.LittleEndian.PutUint16(ctrl[2:4], a.Recv<<1)
	case KindU:
		ctrl[0] = a.UCtrl | 0x03
	}
	length := byte(4 + len(a.ASDU))
	frame := make([]byte, 0, 2+len(ctrl)+len(a.ASDU))
	frame = append(frame, startByte, length)
	frame = append(frame, ctrl[:]...)
	frame = append(frame, a.ASDU...)
	return frame
}

// Parse validates the start byte/length and splits ctrl/ASDU.
func Parse(frame []byte) (APCI, error) {
	if len(frame) < 6 {
		return APCI{}, protocol.ErrShortFrame
	}
	if frame[0] != startByte {
		return APCI{}, protocol.ErrBadFraming
	}
	length := int(frame[1])
	if len(frame) < 2+length {
		return APCI{}, protocol.ErrShortFrame
	}
	ctrl := frame[2:6]
	asdu := frame[6 : 2+length]

	var a APCI
	a.ASDU = asdu
	switch {
	case ctrl[0]&0x01 == 0:
		a.Kind = KindI
		a.Send = binary.LittleEndian.Uint16(ctrl[0:2]) >> 1
		a.Recv = binary.LittleEndian.Uint16(ctrl[2:4]) >> 1
	case ctrl[0]&0x03 == 0x01:
		a.Kind = KindS
		a.Recv = binary.LittleEndian.Uint16(ctrl[2:4]) >> 1
	default:
		a.Kind = KindU
		a.UCtrl = ctrl[0] &^ 0x03
	}
	return a, nil
}
