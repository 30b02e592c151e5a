package modbus

import (
	"bytes"
	"testing"

	"github.com/voltageems/core/protocol"
)

func TestRTURoundTrip(t *testing.T) {
	for _, pdu := range [][]byte{
		{0x03, 0x00, 0x00, 0x00, 0x01},
		{},
		{0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
	} {
		frame := BuildRTU(0x01, pdu)
		unit, got, err := ParseRTU(frame)
		if err != nil {
			t.Fatalf("ParseRTU: %v", err)
		}
		if unit != 0x01 {
			t.Fatalf("unit = %d, want 1", unit)
		}
		if !bytes.Equal(got, pdu) {
			t.Fatalf("pdu round-trip mismatch: got %x want %x", got, pdu)
		}
	}
}

// S2 — RTU CRC: unit=1, pdu=[0x03,0x00,0x00,0x00,0x01] ⇒ trailing bytes 0x84 0x0A.
func TestRTUScenarioS2(t *testing.T) {
	frame := BuildRTU(0x01, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	trailer := frame[len(frame)-2:]
	want := []byte{0x84, 0x0A}
	if !bytes.Equal(trailer, want) {
		t.Fatalf("trailer = % x, want % x", trailer, want)
	}
}

func TestRTUBadCRC(t *testing.T) {
	frame := BuildRTU(0x01, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := ParseRTU(frame); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestTCPTransactionIDMonotonicSkipsZero(t *testing.T) {
	codec := NewTCP()
	run := protocol.Run{Slave: 1, StartAddress: 0, Quantity: 1}
	req1, _ := codec.BuildReadRequest(run)
	req2, _ := codec.BuildReadRequest(run)
	id1 := uint16(req1[0])<<8 | uint16(req1[1])
	id2 := uint16(req2[0])<<8 | uint16(req2[1])
	if id1 != 1 || id2 != 2 {
		t.Fatalf("transaction ids = %d, %d, want 1, 2", id1, id2)
	}
}

// S1 — Modbus read round-trip: slave 1, address 0x0001, one 16-bit
// holding register reply 0x01F4.
func TestTCPReadResponseS1(t *testing.T) {
	codec := NewTCP()
	run := protocol.Run{Slave: 1, StartAddress: 1, Quantity: 1, PointIDs: []uint32{1001}}
	req, err := codec.BuildReadRequest(run)
	if err != nil {
		t.Fatal(err)
	}
	txnID := req[0:2]
	resp := append([]byte{}, txnID...)
	resp = append(resp, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x01, 0xF4)
	raw, err := codec.ParseReadResponse(run, resp)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte{0x01, 0xF4}) {
		t.Fatalf("raw = % x, want 01 f4", raw)
	}
}

func TestExceptionResponseDetected(t *testing.T) {
	codec := NewRTU()
	run := protocol.Run{Slave: 1, StartAddress: 0, Quantity: 1}
	frame := BuildRTU(0x01, []byte{0x83, 0x02})
	if _, err := codec.ParseReadResponse(run, frame); err == nil {
		t.Fatal("expected exception error")
	}
}
