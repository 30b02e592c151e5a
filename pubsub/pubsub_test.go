package pubsub

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

func subscribe(t *testing.T, db rtdb.RTDB, chanID uint16, ty common.TelemetryType) <-chan rtdb.Message {
	t.Helper()
	ch, _, err := db.Subscribe(context.Background(), rtdb.PointChannelTopic(chanID, ty))
	require.NoError(t, err)
	return ch
}

func TestImmediatePublishesEachCall(t *testing.T) {
	db := newTestDB(t)
	sub := subscribe(t, db, 1, common.Telemetry)

	opts := DefaultOptions()
	opts.Mode = Immediate
	p := New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() { cancel(); p.Stop() }()

	p.NotifyValues(1, common.Telemetry, map[uint32]common.RealtimeValue{
		1001: {Value: 50.0, Raw: uint16(500), TsMs: 1},
	})

	select {
	case msg := <-sub:
		var payload Payload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		require.Equal(t, "1.0", payload.Version)
		require.Equal(t, uint16(1), payload.ChanID)
		require.Equal(t, "T", payload.Type)
		require.Contains(t, payload.Points, "1001")
		require.InDelta(t, 50.0, payload.Points["1001"].Value.(float64), 0.0001)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestCoalescedFlushesOnTimeout(t *testing.T) {
	db := newTestDB(t)
	sub := subscribe(t, db, 2, common.Telemetry)

	opts := DefaultOptions()
	opts.Mode = Coalesced
	opts.BatchTimeout = 20 * time.Millisecond
	opts.BatchSize = 1000
	p := New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() { cancel(); p.Stop() }()

	p.NotifyValues(2, common.Telemetry, map[uint32]common.RealtimeValue{1001: {Value: 1.0, TsMs: 1}})
	p.NotifyValues(2, common.Telemetry, map[uint32]common.RealtimeValue{1001: {Value: 2.0, TsMs: 2}})

	select {
	case msg := <-sub:
		var payload Payload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		// only the latest value in the window survives, by design
		require.InDelta(t, 2.0, payload.Points["1001"].Value.(float64), 0.0001)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced flush")
	}
}

func TestCoalescedFlushesOnBatchSize(t *testing.T) {
	db := newTestDB(t)
	sub := subscribe(t, db, 3, common.Signal)

	opts := DefaultOptions()
	opts.Mode = Coalesced
	opts.BatchTimeout = time.Hour // never fires on its own
	opts.BatchSize = 2
	p := New(db, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() { cancel(); p.Stop() }()

	p.NotifyValues(3, common.Signal, map[uint32]common.RealtimeValue{
		1: {Value: true, TsMs: 1},
		2: {Value: false, TsMs: 1},
	})

	select {
	case msg := <-sub:
		var payload Payload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		require.Len(t, payload.Points, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for size-triggered flush")
	}
}

func TestNotifyValuesNeverBlocksOnFullQueue(t *testing.T) {
	db := newTestDB(t)
	opts := DefaultOptions()
	opts.QueueDepth = 1
	p := New(db, opts)
	// Run is never started: the queue fills after one send and every
	// subsequent NotifyValues call must still return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.NotifyValues(1, common.Telemetry, map[uint32]common.RealtimeValue{1: {Value: float64(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyValues blocked on a full queue")
	}
}
