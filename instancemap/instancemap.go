// Package instancemap is the Instance Mapper (§4.7, component C8):
// an in-memory view of route:c2m (and its inverse) that rebuilds
// instance hashes whenever a bound channel point's raw pub/sub
// message arrives, and republishes the instance's changed fields.
package instancemap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/pubsub"
	"github.com/voltageems/core/rtdb"
)

// Binding is one channel-point-to-instance-field edge, as loaded from
// route:c2m.
type Binding struct {
	InstID string
	Field  string // measurement_id or action_id, depending on isMeasurement
	ChanID uint16
	Type   common.TelemetryType
	PointID uint32
}

// isMeasurement classifies a binding by where its materialized value lands:
// the readable types (T/S) feed inst:<id>:M as an f64-as-string; the
// writable types (C/A) feed inst:<id>:A as a symbolic string — this
// mirrors the data model's per-hash value format (§3) rather than the
// point's own analog/digital nature.
func (b Binding) isMeasurement() bool { return b.Type == common.Telemetry || b.Type == common.Signal }

// Mapper holds the in-memory routing view and the last-materialized
// field set per instance, so rebuilds can compute which fields
// changed (for the §4.7 "publish changed fields only" requirement)
// and which fields have gone stale (for HDEL).
type Mapper struct {
	db rtdb.RTDB

	mu         sync.RWMutex
	byPoint    map[string]Binding   // "<chan>:<T>:<pid>" -> binding
	byInstance map[string][]Binding // instID -> bindings

	stateMu  sync.Mutex
	lastM    map[string]map[string]string // instID -> {mid: formatted}
	lastA    map[string]map[string]string // instID -> {aid: formatted}
}

func New(db rtdb.RTDB) *Mapper {
	return &Mapper{
		db:         db,
		byPoint:    make(map[string]Binding),
		byInstance: make(map[string][]Binding),
		lastM:      make(map[string]map[string]string),
		lastA:      make(map[string]map[string]string),
	}
}

// LoadRouting atomically replaces the in-memory routing view from a
// freshly-read route:c2m/route:m2c pair (§4.11 reload_routing). The
// previous view is discarded in one swap; in-flight rebuilds against
// the old view still complete correctly since they only read binding
// values captured before the swap.
func (m *Mapper) LoadRouting(routing common.Routing) error {
	byPoint := make(map[string]Binding, len(routing.C2M))
	byInstance := make(map[string][]Binding, len(routing.M2C))

	for pointKey, instField := range routing.C2M {
		chanID, t, pid, err := rtdb.ParsePointKey(pointKey)
		if err != nil {
			return fmt.Errorf("route:c2m: %w", err)
		}
		instID, field, ok := rtdb.SplitInstField(instField)
		if !ok {
			return fmt.Errorf("route:c2m[%s]: malformed instance field %q", pointKey, instField)
		}
		b := Binding{InstID: instID, Field: field, ChanID: chanID, Type: t, PointID: pid}
		byPoint[pointKey] = b
		byInstance[instID] = append(byInstance[instID], b)
	}

	m.mu.Lock()
	m.byPoint = byPoint
	m.byInstance = byInstance
	m.mu.Unlock()
	return nil
}

// HandleMessage processes one raw point-batch message published by
// C7 on a `<chan>:<T>` topic: every point in the payload is looked up
// in route:c2m, and every affected instance is rematerialized.
func (m *Mapper) HandleMessage(ctx context.Context, msg rtdb.Message) error {
	var payload pubsub.Payload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("instancemap: malformed message on %s: %w", msg.Channel, err)
	}
	t, err := common.ParseTelemetryType(payload.Type)
	if err != nil {
		return err
	}

	affected := make(map[string]struct{})
	m.mu.RLock()
	for pidStr := range payload.Points {
		key := rtdb.C2MField(payload.ChanID, t, mustParseUint32(pidStr))
		if b, ok := m.byPoint[key]; ok {
			affected[b.InstID] = struct{}{}
		}
	}
	m.mu.RUnlock()

	for instID := range affected {
		if err := m.Materialize(ctx, instID); err != nil {
			logging.Warnf("instancemap(inst=%s): materialize failed: %v", instID, err)
		}
	}
	return nil
}

func mustParseUint32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

// Materialize rebuilds inst:<id>:M and inst:<id>:A from the current
// value of every bound channel point, HSETting every observed field
// and HDELling any field that was set on a previous pass but is no
// longer bound or never observed (§4.7 invariant: absence is
// meaningful, missing fields are never defaulted).
func (m *Mapper) Materialize(ctx context.Context, instID string) error {
	m.mu.RLock()
	bindings := append([]Binding(nil), m.byInstance[instID]...)
	m.mu.RUnlock()

	newM := make(map[string]string)
	newA := make(map[string]string)
	for _, b := range bindings {
		rv, ok, err := m.readValue(ctx, b)
		if err != nil {
			return err
		}
		if !ok {
			continue // never observed: leave the field absent
		}
		if b.isMeasurement() {
			newM[b.Field] = formatMeasurement(rv)
		} else {
			newA[b.Field] = formatAction(rv)
		}
	}

	m.stateMu.Lock()
	prevM := m.lastM[instID]
	prevA := m.lastA[instID]
	m.stateMu.Unlock()

	mSet, mDel, mChanged := diff(prevM, newM)
	aSet, aDel, aChanged := diff(prevA, newA)
	if len(mSet) == 0 && len(mDel) == 0 && len(aSet) == 0 && len(aDel) == 0 {
		return nil
	}

	mKey := rtdb.InstanceMeasurementsKey(instID)
	aKey := rtdb.InstanceActionsKey(instID)
	err := m.db.Pipeline(ctx, func(p rtdb.Pipeline) error {
		for field, val := range mSet {
			p.HSet(mKey, field, []byte(val))
		}
		if len(mDel) > 0 {
			p.HDel(mKey, mDel...)
		}
		for field, val := range aSet {
			p.HSet(aKey, field, []byte(val))
		}
		if len(aDel) > 0 {
			p.HDel(aKey, aDel...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.stateMu.Lock()
	m.lastM[instID] = newM
	m.lastA[instID] = newA
	m.stateMu.Unlock()

	changed := make(map[string]string, len(mChanged)+len(aChanged))
	for k, v := range mChanged {
		changed[k] = v
	}
	for k, v := range aChanged {
		changed[k] = v
	}
	data, err := json.Marshal(changed)
	if err != nil {
		return err
	}
	if _, err := m.db.Publish(ctx, rtdb.InstanceTopic(instID), data); err != nil {
		logging.Warnf("instancemap(inst=%s): publish failed: %v", instID, err)
	}
	return nil
}

// diff compares a previous and new field map, returning the fields to
// HSET, the fields to HDEL, and the subset of `set` that actually
// changed value (for the changed-fields-only publish).
func diff(prev, next map[string]string) (set map[string]string, del []string, changed map[string]string) {
	set = make(map[string]string)
	changed = make(map[string]string)
	for field, val := range next {
		set[field] = val
		if old, ok := prev[field]; !ok || old != val {
			changed[field] = val
		}
	}
	for field := range prev {
		if _, ok := next[field]; !ok {
			del = append(del, field)
		}
	}
	return set, del, changed
}

func (m *Mapper) readValue(ctx context.Context, b Binding) (common.RealtimeValue, bool, error) {
	raw, ok, err := m.db.HGet(ctx, rtdb.PointsHashKey(b.ChanID, b.Type), strconv.FormatUint(uint64(b.PointID), 10))
	if err != nil || !ok {
		return common.RealtimeValue{}, false, err
	}
	var rv common.RealtimeValue
	if err := json.Unmarshal(raw, &rv); err != nil {
		return common.RealtimeValue{}, false, err
	}
	return rv, true, nil
}

func formatMeasurement(rv common.RealtimeValue) string {
	switch v := rv.Value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case bool:
		if v {
			return "1.00"
		}
		return "0.00"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatAction(rv common.RealtimeValue) string {
	switch v := rv.Value.(type) {
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Run subscribes to every channel's raw point-batch topics and feeds
// each message through HandleMessage until ctx is cancelled.
func (m *Mapper) Run(ctx context.Context) error {
	msgs, unsubscribe, err := m.db.Subscribe(ctx, "*:T", "*:S", "*:C", "*:A")
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := m.HandleMessage(ctx, msg); err != nil {
				logging.Warnf("instancemap: %v", err)
			}
		}
	}
}
