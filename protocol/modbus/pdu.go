package modbus

import (
	"fmt"

	"github.com/voltageems/core/protocol"
)

// Function codes used by this codec: only what the polling engine
// needs — batched holding-register reads and multi-register writes.
// Coils/inputs are a straightforward extension left for a future plugin
// (spec §1 scopes protocol plugins to the trait, not every function code).
const (
	fcReadHoldingRegisters  = 0x03
	fcWriteMultipleRegister = 0x10
)

// ExceptionCode is the second PDU byte of an exception response.
type ExceptionCode byte

const (
	ExIllegalFunction    ExceptionCode = 0x01
	ExIllegalDataAddress ExceptionCode = 0x02
	ExIllegalDataValue   ExceptionCode = 0x03
	ExSlaveDeviceFailure ExceptionCode = 0x04
	ExAcknowledge        ExceptionCode = 0x05
	ExSlaveDeviceBusy    ExceptionCode = 0x06
	ExMemoryParityError  ExceptionCode = 0x08
	ExGatewayPathUnavail ExceptionCode = 0x0A
	ExGatewayTargetFail  ExceptionCode = 0x0B
)

func (e ExceptionCode) String() string {
	switch e {
	case ExIllegalFunction:
		return "illegal function"
	case ExIllegalDataAddress:
		return "illegal data address"
	case ExIllegalDataValue:
		return "illegal data value"
	case ExSlaveDeviceFailure:
		return "slave device failure"
	case ExAcknowledge:
		return "acknowledge"
	case ExSlaveDeviceBusy:
		return "slave device busy"
	case ExMemoryParityError:
		return "memory parity error"
	case ExGatewayPathUnavail:
		return "gateway path unavailable"
	case ExGatewayTargetFail:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", byte(e))
	}
}

// buildReadHoldingPDU builds function code 0x03's request body.
func buildReadHoldingPDU(address uint32, quantity int) []byte {
	return []byte{
		fcReadHoldingRegisters,
		byte(address >> 8), byte(address),
		byte(quantity >> 8), byte(quantity),
	}
}

// parseReadHoldingPDU validates and strips a 0x03 response, returning
// the raw register payload. The high bit of the first byte set marks
// an exception response per spec §4.2.
func parseReadHoldingPDU(pdu []byte) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, protocol.ErrShortFrame
	}
	if pdu[0]&0x80 != 0 {
		return nil, fmt.Errorf("%w: function 0x%02X: %s", protocol.ErrException, pdu[0]&0x7F, ExceptionCode(pdu[1]))
	}
	if pdu[0] != fcReadHoldingRegisters {
		return nil, fmt.Errorf("%w: unexpected function code 0x%02X", protocol.ErrBadFraming, pdu[0])
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, protocol.ErrShortFrame
	}
	return pdu[2 : 2+byteCount], nil
}

func buildWriteMultiplePDU(address uint32, raw []byte) []byte {
	quantity := len(raw) / 2
	pdu := []byte{
		fcWriteMultipleRegister,
		byte(address >> 8), byte(address),
		byte(quantity >> 8), byte(quantity),
		byte(len(raw)),
	}
	return append(pdu, raw...)
}

func parseWriteMultipleResponsePDU(pdu []byte) error {
	if len(pdu) < 2 {
		return protocol.ErrShortFrame
	}
	if pdu[0]&0x80 != 0 {
		return fmt.Errorf("%w: function 0x%02X: %s", protocol.ErrException, pdu[0]&0x7F, ExceptionCode(pdu[1]))
	}
	if pdu[0] != fcWriteMultipleRegister {
		return fmt.Errorf("%w: unexpected function code 0x%02X", protocol.ErrBadFraming, pdu[0])
	}
	return nil
}
