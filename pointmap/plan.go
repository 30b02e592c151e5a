package pointmap

import (
	"github.com/voltageems/core/common"
	"github.com/voltageems/core/protocol"
)

// PlanRuns groups a channel's readable points of the given telemetry
// type into register runs (§4.3): points within one slave whose
// address gap is <= maxAddressGap and whose cumulative width is <=
// maxQuantity share one read request. Grouping is stable: the same
// configuration always yields the same plan.
func (m *Mapper) PlanRuns(t common.TelemetryType, maxAddressGap, maxQuantity int) []protocol.Run {
	var runs []protocol.Run
	var cur *protocol.Run
	var curEnd uint32 // one past the last occupied register of the current run
	var curSlave int

	flush := func() {
		if cur != nil {
			runs = append(runs, *cur)
			cur = nil
		}
	}

	for _, pid := range m.readable {
		pd := m.points[pid]
		if pd.TelemetryType != t {
			continue
		}
		width := uint32(registerWidth(pd.DataType))
		if cur == nil {
			cur = &protocol.Run{Slave: pd.Slave, StartAddress: pd.Address, Quantity: int(width), PointIDs: []uint32{pid}}
			curEnd = pd.Address + width
			curSlave = pd.Slave
			continue
		}
		gap := int64(pd.Address) - int64(curEnd)
		newQuantity := int(pd.Address+width) - int(cur.StartAddress)
		if pd.Slave == curSlave && gap >= 0 && gap <= int64(maxAddressGap) && newQuantity <= maxQuantity {
			cur.Quantity = newQuantity
			cur.PointIDs = append(cur.PointIDs, pid)
			curEnd = pd.Address + width
			continue
		}
		flush()
		cur = &protocol.Run{Slave: pd.Slave, StartAddress: pd.Address, Quantity: int(width), PointIDs: []uint32{pid}}
		curEnd = pd.Address + width
		curSlave = pd.Slave
	}
	flush()
	return runs
}
