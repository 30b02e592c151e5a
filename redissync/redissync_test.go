package redissync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltageems/core/batchwriter"
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

func TestWriteBatchLandsAcrossMultipleHashes(t *testing.T) {
	db := newTestDB(t)
	a := New(db)

	points := []batchwriter.Point{
		{ChannelID: 1, Type: common.Telemetry, PointID: 1001, Value: common.RealtimeValue{Value: 50.0}},
		{ChannelID: 1, Type: common.Signal, PointID: 2001, Value: common.RealtimeValue{Value: true}},
		{ChannelID: 2, Type: common.Telemetry, PointID: 1001, Value: common.RealtimeValue{Value: 10.0}},
	}
	require.NoError(t, a.WriteBatch(context.Background(), points))

	raw, ok, err := db.HGet(context.Background(), rtdb.PointsHashKey(1, common.Telemetry), "1001")
	require.NoError(t, err)
	require.True(t, ok)
	var rv common.RealtimeValue
	require.NoError(t, json.Unmarshal(raw, &rv))
	require.InDelta(t, 50.0, rv.Value.(float64), 0.0001)

	_, ok, err = db.HGet(context.Background(), rtdb.PointsHashKey(1, common.Signal), "2001")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = db.HGet(context.Background(), rtdb.PointsHashKey(2, common.Telemetry), "1001")
	require.NoError(t, err)
	require.True(t, ok)
}
