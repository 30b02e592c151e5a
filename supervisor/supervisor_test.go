package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/core/batchwriter"
	"github.com/voltageems/core/common"
	"github.com/voltageems/core/instancemap"
	"github.com/voltageems/core/pointmap"
	"github.com/voltageems/core/polling"
	"github.com/voltageems/core/protocol/virtual"
	"github.com/voltageems/core/pubsub"
	"github.com/voltageems/core/rtdb"
	"github.com/voltageems/core/rulesched"
)

func newTestDB(t *testing.T) rtdb.RTDB {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rtdb.NewClient(context.Background(), "redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// loopTransport resolves reads/writes against a virtual.Store, the
// same fixture polling's own tests use, so RunCycle never touches a
// real socket.
type loopTransport struct {
	codec     *virtual.Codec
	connected bool
	pending   []byte
}

func (l *loopTransport) Connect() error    { l.connected = true; return nil }
func (l *loopTransport) Disconnect() error { l.connected = false; return nil }
func (l *loopTransport) Send(data []byte) (int, error) {
	l.pending = l.codec.Serve(data)
	return len(data), nil
}
func (l *loopTransport) Receive(buf []byte, timeout time.Duration) (int, error) {
	return copy(buf, l.pending), nil
}
func (l *loopTransport) IsConnected() bool                   { return l.connected }
func (l *loopTransport) Diagnostics() map[string]interface{} { return nil }

type recordingDispatcher struct{ count int }

func (d *recordingDispatcher) Dispatch(ctx context.Context, action common.Action, origin common.ActionOrigin) error {
	d.count++
	return nil
}

func testChannelConfig() common.ChannelConfig {
	return common.ChannelConfig{ID: 1, Points: map[uint32]common.PointDef{
		1001: {Address: 1, DataType: common.Uint16, TelemetryType: common.Telemetry, Scale: 0.1, Slave: 1},
	}}
}

func buildSupervisor(t *testing.T) (*Supervisor, *polling.Engine, *loopTransport) {
	t.Helper()
	db := newTestDB(t)

	cfg := testChannelConfig()
	mapper, err := pointmap.NewMapper(cfg)
	require.NoError(t, err)
	store := virtual.NewStore()
	store.Set(1, []byte{0x01, 0xF4})
	codec := virtual.NewCodec(store)
	tr := &loopTransport{codec: codec}

	writer, err := batchwriter.New(noopWriter{}, batchwriter.DefaultOptions())
	require.NoError(t, err)
	pub := pubsub.New(db, pubsub.DefaultOptions())

	engine := polling.NewEngine(10 * time.Millisecond)
	task := polling.NewTask(cfg.ID, mapper, codec, tr, db, writer, pub, polling.DefaultOptions())
	engine.AddTask(task)

	instances := instancemap.New(db)
	rules := rulesched.New(db, &recordingDispatcher{}, rulesched.DefaultOptions())

	return New(db, engine, instances, rules, pub, writer), engine, tr
}

type noopWriter struct{}

func (noopWriter) WriteBatch(ctx context.Context, points []batchwriter.Point) error { return nil }

func TestStartAllStopAllWithinDeadline(t *testing.T) {
	sup, _, _ := buildSupervisor(t)

	sup.StartAll(context.Background())
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownDeadline + time.Second):
		t.Fatal("StopAll did not return within the shutdown deadline")
	}
}

func TestReloadChannelSwapsMapperWithoutDisconnecting(t *testing.T) {
	sup, engine, tr := buildSupervisor(t)
	sup.StartAll(context.Background())
	defer sup.StopAll()

	time.Sleep(20 * time.Millisecond)
	require.True(t, tr.connected)

	newCfg := common.ChannelConfig{ID: 1, Points: map[uint32]common.PointDef{
		2002: {Address: 2, DataType: common.Uint16, TelemetryType: common.Telemetry, Scale: 1, Slave: 1},
	}}
	require.NoError(t, sup.ReloadChannel(newCfg))

	_, ok := engine.Task(1)
	require.True(t, ok)
	require.True(t, tr.connected, "transport must remain connected across a channel reload")
}

func TestReloadRoutingPushesIntoInstanceMapper(t *testing.T) {
	sup, _, _ := buildSupervisor(t)
	db := sup.db

	require.NoError(t, db.HSet(context.Background(), rtdb.RouteC2MKey, "1:T:1001", []byte("7:temp")))
	require.NoError(t, db.HSet(context.Background(), rtdb.RouteM2CKey, "7:temp", []byte("1:T:1001")))

	require.NoError(t, sup.ReloadRouting(context.Background()))

	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001",
		[]byte(`{"value":50.0,"ts_ms":1}`)))
	require.NoError(t, sup.instances.Materialize(context.Background(), "7"))

	raw, ok, err := db.HGet(context.Background(), rtdb.InstanceMeasurementsKey("7"), "temp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "50.00", string(raw))
}

func TestStatusReportsChannelsAndRules(t *testing.T) {
	sup, _, _ := buildSupervisor(t)

	rule := common.Rule{ID: 1, Enabled: true, Expr: "x > 1"}
	sr, err := rulesched.NewScheduledRule(rule, map[string]common.PointID{
		"x": {ChannelID: 1, Type: common.Telemetry, PointNo: 1001},
	})
	require.NoError(t, err)
	sup.rules.ReloadRules([]*rulesched.ScheduledRule{sr})

	st := sup.Status()
	require.Len(t, st.Channels, 1)
	require.Equal(t, uint16(1), st.Channels[0].ID)
	require.Equal(t, 1, st.Rules.Total)
	require.Equal(t, 1, st.Rules.Enabled)
	require.Equal(t, common.Connected.String(), st.RTDBState)
}
