package modbus

import (
	"encoding/binary"

	"github.com/voltageems/core/protocol"
)

// RTU is the serial-line Modbus codec: frame = unit | PDU | crc16_le,
// CRC over unit||PDU (spec §4.2, testable property 2).
type RTU struct{}

func NewRTU() *RTU { return &RTU{} }

func (r *RTU) Name() string { return "modbus-rtu" }

// BuildRTU frames a PDU for the given unit; exported so tests and the
// scenario harness can exercise the exact testable-property-2 shape
// (parse_rtu(build_rtu(unit, b)) = (unit, b)).
func BuildRTU(unit byte, pdu []byte) []byte {
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, unit)
	frame = append(frame, pdu...)
	crc := CRC16(frame)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	return append(frame, crcBytes...)
}

// ParseRTU validates trailing CRC and returns (unit, pdu).
func ParseRTU(frame []byte) (byte, []byte, error) {
	if len(frame) < 3 {
		return 0, nil, protocol.ErrShortFrame
	}
	body := frame[:len(frame)-2]
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if CRC16(body) != want {
		return 0, nil, protocol.ErrBadCRC
	}
	return body[0], body[1:], nil
}

func (r *RTU) BuildReadRequest(run protocol.Run) ([]byte, error) {
	return BuildRTU(byte(run.Slave), buildReadHoldingPDU(run.StartAddress, run.Quantity)), nil
}

func (r *RTU) ParseReadResponse(run protocol.Run, frame []byte) ([]byte, error) {
	unit, pdu, err := ParseRTU(frame)
	if err != nil {
		return nil, err
	}
	if int(unit) != run.Slave {
		return nil, protocol.ErrBadFraming
	}
	return parseReadHoldingPDU(pdu)
}

func (r *RTU) BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error) {
	return BuildRTU(byte(slave), buildWriteMultiplePDU(address, raw)), nil
}

func (r *RTU) ParseWriteResponse(frame []byte) error {
	_, pdu, err := ParseRTU(frame)
	if err != nil {
		return err
	}
	return parseWriteMultipleResponsePDU(pdu)
}
