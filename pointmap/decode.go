package pointmap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/protocol"
)

// Decode turns one run's raw register bytes into typed, scaled
// RealtimeValues per §4.3: numeric fields are assembled in the
// configured byte order then raw*scale+offset; bit fields use
// LSB-first extraction (common.ExtractBits/ExtractBitsSigned).
func (m *Mapper) Decode(run protocol.Run, raw []byte, tsMs uint64) (map[uint32]common.RealtimeValue, error) {
	out := make(map[uint32]common.RealtimeValue, len(run.PointIDs))
	for _, pid := range run.PointIDs {
		pd, ok := m.points[pid]
		if !ok {
			return nil, fmt.Errorf("pointmap: unknown point %d in run", pid)
		}
		off := int(pd.Address-run.StartAddress) * 2
		width := registerWidth(pd.DataType) * 2
		if off+width > len(raw) {
			return nil, fmt.Errorf("%w: point %d: short raw payload", common.ErrDecoding, pid)
		}
		field := raw[off : off+width]

		var rv common.RealtimeValue
		rv.TsMs = tsMs
		rv.Quality = common.QualityGood

		if pd.DataType == common.Bit {
			if pd.TelemetryType.IsAnalog() {
				v := common.ExtractBitsSigned(field, int(pd.BitOffset), int(pd.BitLength))
				rv.Raw = v
				rv.Value = float64(v)*pd.Scale + pd.Offset
			} else {
				v := common.ExtractBits(field, int(pd.BitOffset), int(pd.BitLength))
				rv.Raw = v
				rv.Value = v != 0
			}
			out[pid] = rv
			continue
		}

		order := binaryOrder(pd.ByteOrder)
		var numeric float64
		switch pd.DataType {
		case common.Uint16:
			v := order.Uint16(field)
			rv.Raw = v
			numeric = float64(v)
		case common.Int16:
			v := int16(order.Uint16(field))
			rv.Raw = v
			numeric = float64(v)
		case common.Uint32:
			v := order.Uint32(field)
			rv.Raw = v
			numeric = float64(v)
		case common.Int32:
			v := int32(order.Uint32(field))
			rv.Raw = v
			numeric = float64(v)
		case common.Uint64:
			v := order.Uint64(field)
			rv.Raw = v
			numeric = float64(v)
		case common.Int64:
			v := int64(order.Uint64(field))
			rv.Raw = v
			numeric = float64(v)
		case common.Float32:
			v := math.Float32frombits(order.Uint32(field))
			rv.Raw = v
			numeric = float64(v)
		case common.Float64:
			v := math.Float64frombits(order.Uint64(field))
			rv.Raw = v
			numeric = v
		default:
			return nil, fmt.Errorf("pointmap: point %d: unsupported data type", pid)
		}
		if pd.TelemetryType.IsAnalog() {
			rv.Value = numeric*pd.Scale + pd.Offset
		} else {
			rv.Value = numeric != 0
		}
		out[pid] = rv
	}
	return out, nil
}

func binaryOrder(o common.ByteOrder) binary.ByteOrder {
	if o == common.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
