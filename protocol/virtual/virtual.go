// Package virtual is the loopback protocol plugin named in
// original_source/services/comsrv/src/plugins/protocols/virt: no wire
// framing, values round-trip through an in-memory register store.
// It exists to let polling/ and supervisor/ tests synthesize spec §8's
// end-to-end scenarios without a live simulator.
package virtual

import (
	"encoding/binary"
	"sync"

	"github.com/voltageems/core/protocol"
)

const magic = 0x56 // 'V'

// Store is the shared in-memory register file a test wires into both
// ends of a virtual channel: the test sets values via Set, the codec's
// generated request/response pair reads them back through Transport.
type Store struct {
	mu   sync.Mutex
	regs map[uint32][]byte // address -> 2-byte register value
}

func NewStore() *Store { return &Store{regs: make(map[uint32][]byte)} }

func (s *Store) Set(address uint32, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[address] = append([]byte(nil), raw...)
}

func (s *Store) readRange(start uint32, quantity int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, quantity*2)
	for i := 0; i < quantity; i++ {
		if v, ok := s.regs[start+uint32(i)]; ok && len(v) == 2 {
			out = append(out, v...)
		} else {
			out = append(out, 0, 0)
		}
	}
	return out
}

func (s *Store) write(address uint32, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+2 <= len(raw); i += 2 {
		s.regs[address+uint32(i/2)] = append([]byte(nil), raw[i:i+2]...)
	}
}

// Codec builds trivial request frames the paired Transport (in the
// polling/ and supervisor/ tests, a stub that hands them to Serve)
// decodes directly against a shared Store — no CRC, no exception
// codes, nothing to corrupt.
type Codec struct{ Store *Store }

func NewCodec(store *Store) *Codec { return &Codec{Store: store} }

func (c *Codec) Name() string { return "virtual" }

func (c *Codec) BuildReadRequest(run protocol.Run) ([]byte, error) {
	req := make([]byte, 7)
	req[0] = magic
	binary.BigEndian.PutUint32(req[1:5], run.StartAddress)
	binary.BigEndian.PutUint16(req[5:7], uint16(run.Quantity))
	return req, nil
}

func (c *Codec) ParseReadResponse(run protocol.Run, frame []byte) ([]byte, error) {
	if len(frame) < run.Quantity*2 {
		return nil, protocol.ErrShortFrame
	}
	return frame[:run.Quantity*2], nil
}

func (c *Codec) BuildWriteRequest(slave int, address uint32, raw []byte) ([]byte, error) {
	req := make([]byte, 5, 5+len(raw))
	req[0] = magic | 0x01
	binary.BigEndian.PutUint32(req[1:5], address)
	return append(req, raw...), nil
}

func (c *Codec) ParseWriteResponse(frame []byte) error { return nil }

// Serve is a trivial in-process responder used by tests in place of a
// real Transport: given a request built by Codec, it resolves the
// reply directly against Store, modelling the whole wire round-trip
// synchronously.
func (c *Codec) Serve(request []byte) []byte {
	if len(request) < 5 {
		return nil
	}
	address := binary.BigEndian.Uint32(request[1:5])
	if request[0] == magic|0x01 {
		c.Store.write(address, request[5:])
		return nil
	}
	quantity := int(binary.BigEndian.Uint16(request[5:7]))
	return c.Store.readRange(address, quantity)
}
