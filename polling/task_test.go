package polling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/pointmap"
	"github.com/voltageems/core/protocol/virtual"
	"github.com/voltageems/core/rtdb"
)

var errConnectRefused = errors.New("connection refused")

// loopTransport resolves reads/writes directly against a virtual.Store
// via virtual.Codec.Serve, modelling the wire round-trip synchronously
// for tests — no real socket involved.
type loopTransport struct {
	codec       *virtual.Codec
	connected   bool
	failConnect bool
	pending     []byte
}

func (l *loopTransport) Connect() error {
	if l.failConnect {
		return errConnectRefused
	}
	l.connected = true
	return nil
}
func (l *loopTransport) Disconnect() error { l.connected = false; return nil }
func (l *loopTransport) Send(data []byte) (int, error) {
	l.pending = l.codec.Serve(data)
	return len(data), nil
}
func (l *loopTransport) Receive(buf []byte, timeout time.Duration) (int, error) {
	n := copy(buf, l.pending)
	return n, nil
}
func (l *loopTransport) IsConnected() bool                    { return l.connected }
func (l *loopTransport) Diagnostics() map[string]interface{} { return nil }

type recordingSink struct {
	written map[uint32]common.RealtimeValue
}

func (s *recordingSink) WriteValues(ctx context.Context, chanID uint16, t common.TelemetryType, values map[uint32]common.RealtimeValue) error {
	if s.written == nil {
		s.written = map[uint32]common.RealtimeValue{}
	}
	for k, v := range values {
		s.written[k] = v
	}
	return nil
}

func newTestDB(t *testing.T) rtdb.RTDB {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rtdb.NewClient(context.Background(), "redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// S1-equivalent cycle through the polling task: a virtual register is
// seeded with 0x01F4, scale 0.1 -> 50.0.
func TestRunCycleDecodesAndWrites(t *testing.T) {
	cfg := common.ChannelConfig{ID: 1, Points: map[uint32]common.PointDef{
		1001: {Address: 1, DataType: common.Uint16, TelemetryType: common.Telemetry, Scale: 0.1, Slave: 1},
	}}
	mapper, err := pointmap.NewMapper(cfg)
	require.NoError(t, err)

	store := virtual.NewStore()
	store.Set(1, []byte{0x01, 0xF4})
	codec := virtual.NewCodec(store)
	tr := &loopTransport{codec: codec}
	db := newTestDB(t)
	sink := &recordingSink{}

	task := NewTask(1, mapper, codec, tr, db, sink, nil, DefaultOptions())
	require.NoError(t, task.RunCycle(context.Background()))

	rv, ok := sink.written[1001]
	require.True(t, ok)
	require.InDelta(t, 50.0, rv.Value.(float64), 0.0001)
}

func TestDegradedAfterThreshold(t *testing.T) {
	cfg := common.ChannelConfig{ID: 1, Points: map[uint32]common.PointDef{
		1001: {Address: 1, DataType: common.Uint16, TelemetryType: common.Telemetry, Slave: 1},
	}}
	mapper, _ := pointmap.NewMapper(cfg)
	store := virtual.NewStore()
	codec := virtual.NewCodec(store)
	tr := &loopTransport{failConnect: true}
	db := newTestDB(t)
	opts := DefaultOptions()
	opts.ErrorThreshold = 2
	opts.ReconnectMinMs = 1 // keep the test fast

	task := NewTask(1, mapper, codec, tr, db, nil, nil, opts)
	for i := 0; i < 3; i++ {
		_ = task.RunCycle(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, common.ChanDegraded, task.State())
}
