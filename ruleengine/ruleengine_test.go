package ruleengine

import (
	"context"
	"encoding/json"
	"strconv"
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

func setVar(t *testing.T, db rtdb.RTDB, pid common.PointID, value interface{}, tsMs uint64) {
	t.Helper()
	data, err := json.Marshal(common.RealtimeValue{Value: value, TsMs: tsMs})
	require.NoError(t, err)
	field := strconv.FormatUint(uint64(pid.PointNo), 10)
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(pid.ChannelID, pid.Type), field, data))
}

// S3 — "X1 >= 49" fed a continuous 50.
func TestSimpleComparison(t *testing.T) {
	db := newTestDB(t)
	pid := common.PointID{ChannelID: 1, Type: common.Telemetry, PointNo: 1001}
	setVar(t, db, pid, 50.0, 1)

	rule := common.Rule{ID: 1, Expr: "X1 >= 49"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pid})
	require.NoError(t, err)

	eng := New(db)
	ok, err := eng.Evaluate(context.Background(), cr, 1000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLogicalCombinationAndPrecedence(t *testing.T) {
	db := newTestDB(t)
	pidA := common.PointID{ChannelID: 1, Type: common.Telemetry, PointNo: 1001}
	pidB := common.PointID{ChannelID: 1, Type: common.Signal, PointNo: 2001}
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001", mustJSON(t, common.RealtimeValue{Value: 10.0})))
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Signal), "2001", mustJSON(t, common.RealtimeValue{Value: true})))

	rule := common.Rule{ID: 2, Expr: "X1 > 5 && X2 == 1 || X1 > 1000"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pidA, "X2": pidB})
	require.NoError(t, err)

	eng := New(db)
	ok, err := eng.Evaluate(context.Background(), cr, 1000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNotAndParens(t *testing.T) {
	db := newTestDB(t)
	pid := common.PointID{ChannelID: 1, Type: common.Signal, PointNo: 1001}
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Signal), "1001", mustJSON(t, common.RealtimeValue{Value: false})))

	rule := common.Rule{ID: 3, Expr: "!(X1 == 1)"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pid})
	require.NoError(t, err)

	eng := New(db)
	ok, err := eng.Evaluate(context.Background(), cr, 1000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStatelessBuiltins(t *testing.T) {
	db := newTestDB(t)
	pid := common.PointID{ChannelID: 1, Type: common.Telemetry, PointNo: 1001}
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001", mustJSON(t, common.RealtimeValue{Value: 105.0})))

	rule := common.Rule{ID: 4, Expr: "clamp(scale(X1, 0.5), 0, 50) == 50"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pid})
	require.NoError(t, err)

	eng := New(db)
	ok, err := eng.Evaluate(context.Background(), cr, 1000)
	require.NoError(t, err)
	require.True(t, ok) // scale -> 52.5, clamped to 50
}

// Testable property §8 #4: moving_avg's window behavior.
func TestMovingAvgWindow(t *testing.T) {
	db := newTestDB(t)
	pid := common.PointID{ChannelID: 1, Type: common.Telemetry, PointNo: 1001}
	rule := common.Rule{ID: 5, Expr: "moving_avg(X1, 3) == 2"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pid})
	require.NoError(t, err)
	eng := New(db)

	for i, v := range []float64{1, 2, 3} {
		require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001", mustJSON(t, common.RealtimeValue{Value: v})))
		_, err := eng.Evaluate(context.Background(), cr, uint64(1000+i))
		require.NoError(t, err)
	}
	// buffer now holds [1,2,3]; feeding 1 evicts the oldest sample,
	// leaving the window [2,3,1], mean == 2 (an unbounded mean would be 1.75)
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001", mustJSON(t, common.RealtimeValue{Value: 1.0})))
	ok, err := eng.Evaluate(context.Background(), cr, 1003)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIntegrateFirstCallReturnsZero(t *testing.T) {
	db := newTestDB(t)
	pid := common.PointID{ChannelID: 1, Type: common.Telemetry, PointNo: 1001}
	require.NoError(t, db.HSet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001", mustJSON(t, common.RealtimeValue{Value: 10.0})))

	rule := common.Rule{ID: 6, Expr: "integrate(X1, 1.0) == 0"}
	cr, err := Compile(rule, map[string]common.PointID{"X1": pid})
	require.NoError(t, err)
	eng := New(db)

	ok, err := eng.Evaluate(context.Background(), cr, 1000)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = eng.Evaluate(context.Background(), cr, 2000)
	require.NoError(t, err)
	require.False(t, ok) // second call accumulates 10 * 1s = 10, no longer 0
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
