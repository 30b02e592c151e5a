package pointmap

import (
	"fmt"
	"math"

	"github.com/voltageems/core/common"
)

// Encode is the inverse of Decode: it serializes a typed value back
// into register bytes at the point's configured address/bit offset,
// ready for the Frame Codec to wrap into a write frame (§4.3).
func (m *Mapper) Encode(pointID uint32, value interface{}) (address uint32, raw []byte, err error) {
	pd, ok := m.points[pointID]
	if !ok {
		return 0, nil, fmt.Errorf("pointmap: unknown point %d", pointID)
	}
	if !pd.TelemetryType.IsWritable() {
		return 0, nil, fmt.Errorf("%w: point %d is not writable", common.ErrEncoding, pointID)
	}

	width := registerWidth(pd.DataType) * 2
	buf := make([]byte, width)

	if pd.DataType == common.Bit {
		var bits uint64
		switch v := value.(type) {
		case bool:
			if v {
				bits = 1
			}
		case float64:
			if pd.TelemetryType.IsAnalog() {
				bits = uint64(int64((v - pd.Offset) / scaleOrOne(pd.Scale)))
			} else {
				bits = uint64(int64(v))
			}
		default:
			return 0, nil, fmt.Errorf("%w: point %d: unsupported bit value type %T", common.ErrEncoding, pointID, value)
		}
		buf = common.InsertBits(buf, int(pd.BitOffset), int(pd.BitLength), bits)
		return pd.Address, buf, nil
	}

	order := binaryOrder(pd.ByteOrder)
	var f float64
	switch v := value.(type) {
	case bool:
		if v {
			f = 1
		}
	case float64:
		f = v
	case int:
		f = float64(v)
	default:
		return 0, nil, fmt.Errorf("%w: point %d: unsupported value type %T", common.ErrEncoding, pointID, value)
	}
	var raw64 float64
	if pd.TelemetryType.IsAnalog() {
		raw64 = (f - pd.Offset) / scaleOrOne(pd.Scale)
	} else {
		raw64 = f
	}

	switch pd.DataType {
	case common.Uint16:
		order.PutUint16(buf, uint16(math.Round(raw64)))
	case common.Int16:
		order.PutUint16(buf, uint16(int16(math.Round(raw64))))
	case common.Uint32:
		order.PutUint32(buf, uint32(math.Round(raw64)))
	case common.Int32:
		order.PutUint32(buf, uint32(int32(math.Round(raw64))))
	case common.Uint64:
		order.PutUint64(buf, uint64(math.Round(raw64)))
	case common.Int64:
		order.PutUint64(buf, uint64(int64(math.Round(raw64))))
	case common.Float32:
		order.PutUint32(buf, math.Float32bits(float32(raw64)))
	case common.Float64:
		order.PutUint64(buf, math.Float64bits(raw64))
	default:
		return 0, nil, fmt.Errorf("pointmap: point %d: unsupported data type", pointID)
	}
	return pd.Address, buf, nil
}

func scaleOrOne(scale float64) float64 {
	if scale == 0 {
		return 1
	}
	return scale
}
