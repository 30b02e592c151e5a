// Package polling is the Polling Engine (§4.4, component C5): one
// task per channel, cooperatively driven by a shared tick, batching
// reads through Point Mapper (C4) and Frame Codec (C3) over a
// Transport (C2), with backoff/degraded handling and command draining.
package polling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/pointmap"
	"github.com/voltageems/core/protocol"
	"github.com/voltageems/core/rtdb"
	"github.com/voltageems/core/transport"
)

// ValueSink is C13's write path: decoded values land in RTDB.
type ValueSink interface {
	WriteValues(ctx context.Context, chanID uint16, t common.TelemetryType, values map[uint32]common.RealtimeValue) error
}

// NotifySink is C7's change-notification path.
type NotifySink interface {
	NotifyValues(chanID uint16, t common.TelemetryType, values map[uint32]common.RealtimeValue)
}

// Options configures one channel's polling task; defaults mirror
// common.DefaultConfig()'s polling.* section.
type Options struct {
	IntervalMs        uint64
	ReadTimeout       time.Duration
	ErrorThreshold    int64
	DegradedCeilingMs uint64
	CommandDrain      int
	MaxAddressGap     int
	MaxQuantity       int
	ReconnectMinMs    uint64
	ReconnectMaxMs    uint64
}

func DefaultOptions() Options {
	return Options{
		IntervalMs:        1000,
		ReadTimeout:       5 * time.Second,
		ErrorThreshold:    5,
		DegradedCeilingMs: 60000,
		CommandDrain:      32,
		MaxAddressGap:     10,
		MaxQuantity:       125,
		ReconnectMinMs:    1000,
		ReconnectMaxMs:    30000,
	}
}

// readableTypes are the telemetry types the polling cycle reads;
// C/A are writable-only and are drained from TODO queues instead.
var readableTypes = []common.TelemetryType{common.Telemetry, common.Signal}
var writableTypes = []common.TelemetryType{common.Control, common.Adjustment}

// Task drives one channel's read/write cycle.
type Task struct {
	ChanID    uint16
	opts      Options
	mapper    atomic.Pointer[pointmap.Mapper]
	codec     protocol.Codec
	transport transport.Transport
	db        rtdb.RTDB
	sink      ValueSink
	notify    NotifySink

	lastExecuted  time.Time
	errorCount    common.Int64Val
	state         common.ChannelState
	backoff       time.Duration
	lastReconnect time.Time
}

func NewTask(chanID uint16, mapper *pointmap.Mapper, codec protocol.Codec, tr transport.Transport, db rtdb.RTDB, sink ValueSink, notify NotifySink, opts Options) *Task {
	t := &Task{
		ChanID:    chanID,
		opts:      opts,
		codec:     codec,
		transport: tr,
		db:        db,
		sink:      sink,
		notify:    notify,
		backoff:   time.Duration(opts.ReconnectMinMs) * time.Millisecond,
	}
	t.mapper.Store(mapper)
	t.errorCount.Init()
	return t
}

// SetMapper swaps the channel's point-mapping plan (C4) without
// touching the transport connection — the supervisor's reload_channel
// path (§4.11). Safe to call concurrently with RunCycle.
func (t *Task) SetMapper(m *pointmap.Mapper) {
	t.mapper.Store(m)
}

// effectiveIntervalMs doubles the configured interval while Degraded,
// capped at DegradedCeilingMs, per §4.4.
func (t *Task) effectiveIntervalMs() uint64 {
	if t.state != common.ChanDegraded {
		return t.opts.IntervalMs
	}
	doubled := t.opts.IntervalMs * 2
	if doubled > t.opts.DegradedCeilingMs {
		return t.opts.DegradedCeilingMs
	}
	return doubled
}

// Due reports whether this task should fire on the current tick.
func (t *Task) Due(now time.Time) bool {
	if t.lastExecuted.IsZero() {
		return true
	}
	return now.Sub(t.lastExecuted) >= time.Duration(t.effectiveIntervalMs())*time.Millisecond
}

// RunCycle executes one full read+drain cycle (§4.4 steps 1-4).
func (t *Task) RunCycle(ctx context.Context) error {
	t.lastExecuted = time.Now()

	if err := t.ensureConnected(); err != nil {
		t.recordFailure()
		return err
	}

	mapper := t.mapper.Load()

	anySuccess := false
	var firstErr error
	for _, ty := range readableTypes {
		runs := mapper.PlanRuns(ty, t.opts.MaxAddressGap, t.opts.MaxQuantity)
		for _, run := range runs {
			values, err := t.readRun(mapper, run)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			anySuccess = true
			if t.sink != nil {
				if werr := t.sink.WriteValues(ctx, t.ChanID, ty, values); werr != nil {
					logging.Warnf("polling(chan=%d): rtdb write failed: %v", t.ChanID, werr)
				}
			}
			if t.notify != nil {
				t.notify.NotifyValues(t.ChanID, ty, values)
			}
		}
	}

	if anySuccess {
		t.recordSuccess()
	} else if firstErr != nil {
		t.recordFailure()
	}

	t.drainCommands(ctx)

	return firstErr
}

func (t *Task) readRun(mapper *pointmap.Mapper, run protocol.Run) (map[uint32]common.RealtimeValue, error) {
	req, err := t.codec.BuildReadRequest(run)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncoding, err)
	}
	if _, err := t.transport.Send(req); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrWire, err)
	}
	buf := make([]byte, 512)
	n, err := t.transport.Receive(buf, t.opts.ReadTimeout)
	if err != nil {
		return nil, err // as the transport returned it (TCP maps a read timeout to common.ErrTimeout)
	}
	raw, err := t.codec.ParseReadResponse(run, buf[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrWire, err)
	}
	return mapper.Decode(run, raw, uint64(time.Now().UnixMilli()))
}

func (t *Task) recordSuccess() {
	t.errorCount.Set(0)
	if t.state == common.ChanDegraded {
		logging.Infof("polling(chan=%d): recovered, leaving degraded state", t.ChanID)
	}
	t.state = common.ChanNormal
}

func (t *Task) recordFailure() {
	n := t.errorCount.Value() + 1
	t.errorCount.Set(n)
	if n >= t.opts.ErrorThreshold && t.state != common.ChanDegraded {
		t.state = common.ChanDegraded
		logging.Warnf("polling(chan=%d): consecutive_errors=%d >= threshold, entering degraded state", t.ChanID, n)
	}
}

// ensureConnected reconnects with exponential backoff bounded at 30s
// (§4.4). On success the backoff resets (tested by scenario S6).
func (t *Task) ensureConnected() error {
	if t.transport.IsConnected() {
		return nil
	}
	if !t.lastReconnect.IsZero() && time.Since(t.lastReconnect) < t.backoff {
		return common.ErrNotConnected
	}
	t.lastReconnect = time.Now()
	if err := t.transport.Connect(); err != nil {
		t.backoff *= 2
		max := time.Duration(t.opts.ReconnectMaxMs) * time.Millisecond
		if t.backoff > max {
			t.backoff = max
		}
		return fmt.Errorf("%w: %v", common.ErrNotConnected, err)
	}
	t.backoff = time.Duration(t.opts.ReconnectMinMs) * time.Millisecond
	return nil
}

// State exposes the channel's current health for supervisor status.
func (t *Task) State() common.ChannelState { return t.state }

// Stats is the per-channel snapshot exposed through the supervisor's
// status() surface (§4.11).
type Stats struct {
	State        common.ChannelState
	ErrorCount   int64
	LastExecuted time.Time
}

func (t *Task) StatsSnapshot() Stats {
	return Stats{State: t.state, ErrorCount: t.errorCount.Value(), LastExecuted: t.lastExecuted}
}
