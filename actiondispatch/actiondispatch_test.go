package actiondispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/rtdb"
)

func newTestDB(t *testing.T) rtdb.RTDB {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rtdb.NewClient(context.Background(), "redis://"+mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDispatchEnqueuesCommand(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.HSet(context.Background(), rtdb.RouteM2CKey, rtdb.M2CValue("7", "30001"), []byte("1:C:2001")))

	d := New(db)
	action := common.Action{TargetID: 7, PointType: common.Control, PointID: 30001, Value: true}
	require.NoError(t, d.Dispatch(context.Background(), action, common.OriginRule))

	raw, ok, err := db.LPop(context.Background(), rtdb.TodoListKey(1, common.Control))
	require.NoError(t, err)
	require.True(t, ok)

	var cmd common.Command
	require.NoError(t, json.Unmarshal(raw, &cmd))
	require.Equal(t, uint32(2001), cmd.PointID)
	require.Equal(t, common.OriginRule, cmd.Origin)
	require.Equal(t, true, cmd.Value)
}

func TestDispatchRejectsUnboundTarget(t *testing.T) {
	db := newTestDB(t)
	d := New(db)
	action := common.Action{TargetID: 99, PointType: common.Control, PointID: 1, Value: true}
	require.Error(t, d.Dispatch(context.Background(), action, common.OriginAPI))
}

func TestDispatchRejectsReadOnlyPointType(t *testing.T) {
	db := newTestDB(t)
	d := New(db)
	action := common.Action{TargetID: 1, PointType: common.Telemetry, PointID: 1, Value: 1.0}
	require.Error(t, d.Dispatch(context.Background(), action, common.OriginRule))
}

// Testable property §8 #5: FIFO ordering within one (chan,T) queue.
func TestFIFOOrderingWithinQueue(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.HSet(context.Background(), rtdb.RouteM2CKey, rtdb.M2CValue("7", "1"), []byte("1:C:1")))
	require.NoError(t, db.HSet(context.Background(), rtdb.RouteM2CKey, rtdb.M2CValue("7", "2"), []byte("1:C:2")))

	d := New(db)
	require.NoError(t, d.Dispatch(context.Background(), common.Action{TargetID: 7, PointType: common.Control, PointID: 1, Value: true}, common.OriginRule))
	require.NoError(t, d.Dispatch(context.Background(), common.Action{TargetID: 7, PointType: common.Control, PointID: 2, Value: false}, common.OriginRule))

	raw1, _, err := db.LPop(context.Background(), rtdb.TodoListKey(1, common.Control))
	require.NoError(t, err)
	var cmd1 common.Command
	require.NoError(t, json.Unmarshal(raw1, &cmd1))
	require.Equal(t, uint32(1), cmd1.PointID)

	raw2, _, err := db.LPop(context.Background(), rtdb.TodoListKey(1, common.Control))
	require.NoError(t, err)
	var cmd2 common.Command
	require.NoError(t, json.Unmarshal(raw2, &cmd2))
	require.Equal(t, uint32(2), cmd2.PointID)
}
