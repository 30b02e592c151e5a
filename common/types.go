// Package common holds the data types, config object and small
// concurrency helpers shared by every component: point identity,
// realtime values, channel/point definitions, rules and the routing
// key-naming conventions used against RTDB.
package common

import (
	"errors"
	"fmt"
)

// TelemetryType is the four-way point classification. T/S are readable,
// C/A are writable; T/A carry analog (float64) values, S/C carry digital
// (bool) values.
type TelemetryType byte

const (
	Telemetry  TelemetryType = 'T' // analog, readable
	Signal     TelemetryType = 'S' // digital, readable
	Control    TelemetryType = 'C' // digital, writable
	Adjustment TelemetryType = 'A' // analog, writable
)

func (t TelemetryType) String() string { return string([]byte{byte(t)}) }

// IsAnalog reports whether values of this type are float64 (T/A) as
// opposed to bool (S/C).
func (t TelemetryType) IsAnalog() bool { return t == Telemetry || t == Adjustment }

// IsWritable reports whether this telemetry type accepts writebacks.
func (t TelemetryType) IsWritable() bool { return t == Control || t == Adjustment }

// ParseTelemetryType validates a single-character telemetry-type code.
func ParseTelemetryType(s string) (TelemetryType, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid telemetry type %q", s)
	}
	switch TelemetryType(s[0]) {
	case Telemetry, Signal, Control, Adjustment:
		return TelemetryType(s[0]), nil
	}
	return 0, fmt.Errorf("invalid telemetry type %q", s)
}

// PointID identifies one point (channel_id, telemetry_type, point_id).
type PointID struct {
	ChannelID uint16
	Type      TelemetryType
	PointNo   uint32
}

func (p PointID) String() string {
	return fmt.Sprintf("%d:%s:%d", p.ChannelID, p.Type, p.PointNo)
}

// ByteOrder selects how multi-byte numeric fields are assembled.
type ByteOrder byte

const (
	BigEndian    ByteOrder = iota // BE
	LittleEndian                  // LE
)

// DataType names the wire-level numeric representation of a point
// before scale/offset is applied.
type DataType byte

const (
	Uint16 DataType = iota
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float32
	Float64
	Bit // single/multi-bit field, see BitOffset/BitLength
)

// Access describes whether a point may be read, written, or both.
type Access byte

const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

// ParseDataType parses a bootstrap config's wire-type name.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "uint16":
		return Uint16, nil
	case "int16":
		return Int16, nil
	case "uint32":
		return Uint32, nil
	case "int32":
		return Int32, nil
	case "uint64":
		return Uint64, nil
	case "int64":
		return Int64, nil
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "bit":
		return Bit, nil
	}
	return 0, fmt.Errorf("invalid data type %q", s)
}

// ParseByteOrder parses a bootstrap config's byte-order name ("be"/"le").
func ParseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "be", "big":
		return BigEndian, nil
	case "le", "little":
		return LittleEndian, nil
	}
	return 0, fmt.Errorf("invalid byte order %q", s)
}

// ParseAccess parses a bootstrap config's access-mode name.
func ParseAccess(s string) (Access, error) {
	switch s {
	case "", "ro", "read-only":
		return ReadOnly, nil
	case "wo", "write-only":
		return WriteOnly, nil
	case "rw", "read-write":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("invalid access mode %q", s)
}

// PointDef is the per-point entry of a channel's configuration: wire
// address, bit layout, scaling and the telemetry-type classification
// used to route it into the right RTDB hash.
type PointDef struct {
	Address       uint32
	BitOffset     uint8
	BitLength     uint8
	DataType      DataType
	ByteOrder     ByteOrder
	Scale         float64
	Offset        float64
	Unit          string
	AccessMode    Access
	TelemetryType TelemetryType
	Slave         int // modbus unit id / device address on the wire
}

// ChannelConfig is the immutable-during-a-run description of one
// protocol endpoint, as produced by the (external) config loader.
type ChannelConfig struct {
	ID       uint16
	Name     string
	Protocol string
	Params   map[string]interface{}
	Points   map[uint32]PointDef // keyed by point_id; telemetry type lives in PointDef
}

// RealtimeValue is the decoded, typed sample stored for one point.
// Quality follows the familiar SCADA convention: 0 == good.
type RealtimeValue struct {
	Raw     interface{} `json:"raw"`
	Value   interface{} `json:"value"` // float64 for T/A, bool for S/C
	Quality uint8       `json:"quality"`
	TsMs    uint64      `json:"ts_ms"`
}

const (
	QualityGood      uint8 = 0
	QualityBad       uint8 = 1
	QualityUncertain uint8 = 2
)

// Trigger is a rule's firing condition.
type TriggerKind byte

const (
	TriggerInterval TriggerKind = iota
	TriggerOnChange
)

type Trigger struct {
	Kind        TriggerKind
	IntervalMs  uint64   // TriggerInterval
	Sources     []string // TriggerOnChange: "<inst>:<mid>" watched instance points
	DebounceMs  uint64   // declared per spec, scheduler MAY ignore it
}

// ConditionKind distinguishes a boolean relation node from a leaf
// variable comparison in a rule's structured condition tree (the
// flow-condition form used alongside the free-form expr string).
type ConditionKind byte

const (
	ConditionRelation ConditionKind = iota
	ConditionVariable
)

type FlowCondition struct {
	Kind     ConditionKind
	Relation string          // "&&" / "||" when Kind == ConditionRelation
	Children []FlowCondition // when Kind == ConditionRelation
	Variable string          // when Kind == ConditionVariable
	Op       string          // < <= == != >= >
	Value    float64
}

// ActionOrigin tags who requested a writeback, carried in the command
// envelope placed on a channel's TODO queue.
type ActionOrigin string

const (
	OriginRule     ActionOrigin = "rule"
	OriginAPI      ActionOrigin = "api"
	OriginOperator ActionOrigin = "operator"
)

// Action is a single rule writeback target.
type Action struct {
	TargetID  int64 // instance id
	PointType TelemetryType // C or A
	PointID   uint32
	Value     interface{}
}

// Rule is the in-memory, loaded form of a business rule.
type Rule struct {
	ID         int64
	Enabled    bool
	Trigger    Trigger
	CooldownMs uint64
	Conditions []FlowCondition
	Actions    []Action
	Expr       string
}

// Routing is the pair of inverse binding tables between channel
// points and instance points, as produced by the (external) config
// loader and mirrored in RTDB under route:c2m / route:m2c.
type Routing struct {
	C2M map[string]string // "<chan>:<T>:<pid>" -> "<inst>:<mid>"
	M2C map[string]string // inverse
}

// Command is the envelope RPUSHed onto a channel's C:TODO / A:TODO
// queue by the action dispatcher and drained by the polling engine.
type Command struct {
	PointID uint32       `json:"pid"`
	Value   interface{}  `json:"value"`
	Origin  ActionOrigin `json:"origin"`
	TsMs    uint64       `json:"ts"`
}

// Errors shared across components, per the spec's error-kind taxonomy.
var (
	ErrNotConnected    = errors.New("not connected")
	ErrTimeout         = errors.New("i/o timeout")
	ErrWire            = errors.New("wire error")
	ErrEncoding        = errors.New("encoding error")
	ErrDecoding        = errors.New("decoding error")
	ErrQueueFull       = errors.New("queue full")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrFatal           = errors.New("invariant violated")
	ErrClosed          = errors.New("closed")
	ErrTopicMissing    = errors.New("topic missing")
	ErrTopicExists     = errors.New("topic already exists")
)

// ConnState is the lifecycle of a managed connection (RTDB client or
// channel transport), per §4.1/§5.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnError:
		return "error"
	}
	return "unknown"
}

// ChannelState is the health state-machine the polling engine drives
// a channel through (§4.4).
type ChannelState int

const (
	ChanNormal ChannelState = iota
	ChanDegraded
)

func (s ChannelState) String() string {
	if s == ChanDegraded {
		return "degraded"
	}
	return "normal"
}
