package modbus

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/voltageems/core/protocol"
)

// TCP is the MBAP-framed codec: transaction_id:u16 | 0x0000 | length:u16
// | unit:u8 | PDU (spec §4.2). transaction_id is a monotonically
// increasing wrapping counter starting at 1, skipping 0.
type TCP struct {
	nextTxn uint32 // atomic; truncated to uint16, 0 skipped
}

func NewTCP() *TCP {
	t := &TCP{}
	atomic.StoreUint32(&t.nextTxn, 1)
	return t
}

func (t *TCP) Name() string { return "modbus-tcp" }

func (t *TCP) nextTransactionID() uint16 {
	for {
		v := atomic.AddUint32(&t.nextTxn, 1) - 1
		id := uint16(v)
		if id != 0 {
			return id
		}
		// wrapped onto 0: the Add above already moved past it, so the
		// next draw yields 1
	}
}

func frameMBAP(txnID uint16, unit byte, pdu []byte) []byte {
	frame := make([]byte, 7, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id, always 0
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unit
	return append(frame, pdu...)
}

func parseMBAP(frame []byte) (txnID uint16, unit byte, pdu []byte, err error) {
	if len(frame) < 8 {
		return 0, 0, nil, protocol.ErrShortFrame
	}
	txnID = binary.BigEndian.Uint16(frame[0:2])
	length := binary.BigEndian.Uint16(frame[4:6])
	if int(length) < 1 || len(frame) < 6+int(length) {
		return 0, 0, nil, protocol.ErrBadFraming
	}
	unit = frame[6]
	pdu = frame[7 : 6+int(length)]
	return txnID, unit, pdu, nil
}

func (t *TCP) BuildReadRequest(run protocol.Run) ([]byte, error) {
	return frameMBAP(t.nextTransactionID(), byte(run.Slave), buildReadHoldingPDU(run.StartAddress, run.Quantity)), nil
}

func (t *TCP) ParseReadResponse(run protocol.Run, frame []byte) ([]byte, error) {
	_, unit, pdu, err := parseMBAP(frame)
	if err != nil {
		return nil, err
	}
	if int(unit) != run.Slave {
		return nil, protocol.ErrBadFraming
	}
	return parseReadHoldingPDU(pdu)
}

func (t *TCP) BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error) {
	return frameMBAP(t.nextTransactionID(), byte(slave), buildWriteMultiplePDU(address, raw)), nil
}

func (t *TCP) ParseWriteResponse(frame []byte) error {
	_, _, pdu, err := parseMBAP(frame)
	if err != nil {
		return err
	}
	return parseWriteMultipleResponsePDU(pdu)
}
