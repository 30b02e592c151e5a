// Package pointmap is the Point Mapper (§4.3, component C4): each
// channel's point_id -> (address, bit-layout, scale, offset) table,
// plus batch-read planning and the numeric/bit-field codec used by
// the Polling Engine (C5) to turn protocol runs into typed values
// and back.
package pointmap

import (
	"fmt"
	"sort"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/protocol"
)

// Mapper owns one channel's point table: readable points sorted by
// (slave, address) for batch planning, writable points by id, and a
// reverse (slave, addr) index for decoding pushed frames.
type Mapper struct {
	channelID uint16
	points    map[uint32]common.PointDef // by point_id; a point_id names exactly one telemetry type
	readable  []uint32                   // point ids with TelemetryType.IsWritable() == false, sorted
	byAddress map[addrKey]uint32
}

type addrKey struct {
	slave   int
	address uint32
}

func NewMapper(cfg common.ChannelConfig) (*Mapper, error) {
	m := &Mapper{
		channelID: cfg.ID,
		points:    make(map[uint32]common.PointDef, len(cfg.Points)),
		byAddress: make(map[addrKey]uint32, len(cfg.Points)),
	}
	for pid, pd := range cfg.Points {
		m.points[pid] = pd
		key := addrKey{slave: pd.Slave, address: pd.Address}
		if existing, ok := m.byAddress[key]; ok && existing != pid {
			return nil, fmt.Errorf("pointmap: channel %d: points %d and %d collide at slave %d address %d",
				cfg.ID, existing, pid, pd.Slave, pd.Address)
		}
		m.byAddress[key] = pid
		if !pd.TelemetryType.IsWritable() {
			m.readable = append(m.readable, pid)
		}
	}
	sort.Slice(m.readable, func(i, j int) bool {
		a, b := m.points[m.readable[i]], m.points[m.readable[j]]
		if a.Slave != b.Slave {
			return a.Slave < b.Slave
		}
		return a.Address < b.Address
	})
	return m, nil
}

func (m *Mapper) Lookup(pointID uint32) (common.PointDef, bool) {
	pd, ok := m.points[pointID]
	return pd, ok
}

// LookupByAddress resolves a reverse lookup on a pushed frame
// (e.g. an unsolicited CAN broadcast) to the owning point id.
func (m *Mapper) LookupByAddress(slave int, address uint32) (uint32, bool) {
	pid, ok := m.byAddress[addrKey{slave: slave, address: address}]
	return pid, ok
}

// registerWidth returns how many 16-bit registers a DataType occupies.
func registerWidth(dt common.DataType) int {
	switch dt {
	case common.Uint16, common.Int16, common.Bit:
		return 1
	case common.Uint32, common.Int32, common.Float32:
		return 2
	case common.Uint64, common.Int64, common.Float64:
		return 4
	default:
		return 1
	}
}
