package batchwriter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voltageems/core/common"
)

// testWriter fails the first failCount calls to WriteBatch, then
// succeeds — grounded on original_source's TestBatchWriter
// (fail_count/delay_ms) pattern.
type testWriter struct {
	mu        sync.Mutex
	failCount int
	calls     int
	received  [][]Point
}

var errWriteRefused = errors.New("write refused")

func (w *testWriter) WriteBatch(ctx context.Context, points []Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failCount {
		return errWriteRefused
	}
	cp := append([]Point(nil), points...)
	w.received = append(w.received, cp)
	return nil
}

func samplePoints(n int) []Point {
	pts := make([]Point, n)
	for i := 0; i < n; i++ {
		pts[i] = Point{ChannelID: 1, Type: common.Telemetry, PointID: uint32(1000 + i), Value: common.RealtimeValue{Value: float64(i)}}
	}
	return pts
}

func TestFlushBasic(t *testing.T) {
	w := &testWriter{}
	opts := DefaultOptions()
	b, err := New(w, opts)
	require.NoError(t, err)

	require.NoError(t, b.AddBatch(context.Background(), samplePoints(3)))
	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, w.received, 1)
	require.Len(t, w.received[0], 3)

	snap := b.StatsSnapshot()
	require.Equal(t, uint64(3), snap.Received)
	require.Equal(t, uint64(3), snap.Written)
	require.Equal(t, uint64(1), snap.BatchesWritten)
}

func TestFlushOnFull(t *testing.T) {
	w := &testWriter{}
	opts := DefaultOptions()
	opts.MaxBatchSize = 2
	b, err := New(w, opts)
	require.NoError(t, err)

	require.NoError(t, b.AddBatch(context.Background(), samplePoints(2)))
	require.Len(t, w.received, 1)
}

func TestRetryThenSucceed(t *testing.T) {
	w := &testWriter{failCount: 2}
	opts := DefaultOptions()
	opts.RetryDelayMs = 1
	opts.MaxRetries = 3
	b, err := New(w, opts)
	require.NoError(t, err)

	require.NoError(t, b.AddBatch(context.Background(), samplePoints(1)))
	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 3, w.calls)
	require.Len(t, w.received, 1)
}

func TestRetryExhaustionFallsBackToWAL(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "batch.wal")

	w := &testWriter{failCount: 1000}
	opts := DefaultOptions()
	opts.RetryDelayMs = 1
	opts.MaxRetries = 1
	opts.WALPath = walPath
	b, err := New(w, opts)
	require.NoError(t, err)

	require.NoError(t, b.AddBatch(context.Background(), samplePoints(2)))
	err = b.Flush(context.Background())
	require.Error(t, err)

	snap := b.StatsSnapshot()
	require.Equal(t, uint64(1), snap.BatchesFailed)
	require.Equal(t, uint64(2), snap.Failed)

	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// the batch is also re-enqueued in memory: once the writer accepts
	// again, the next flush delivers it
	w.mu.Lock()
	w.failCount = 0
	w.mu.Unlock()
	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, w.received, 1)
	require.Len(t, w.received[0], 2)
}

func TestWALReplayOnRestart(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "batch.wal")

	failing := &testWriter{failCount: 1000}
	opts := DefaultOptions()
	opts.RetryDelayMs = 1
	opts.MaxRetries = 0
	opts.WALPath = walPath
	b1, err := New(failing, opts)
	require.NoError(t, err)

	require.NoError(t, b1.AddBatch(context.Background(), samplePoints(2)))
	require.Error(t, b1.Flush(context.Background()))

	// A fresh Buffer over the same WAL path should replay the failed
	// batch into its own buffer and successfully flush it this time.
	succeeding := &testWriter{}
	b2, err := New(succeeding, opts)
	require.NoError(t, err)
	require.NoError(t, b2.Flush(context.Background()))
	require.Len(t, succeeding.received, 1)
	require.Len(t, succeeding.received[0], 2)
}

func TestShutdownReturnsUnflushedPoints(t *testing.T) {
	w := &testWriter{failCount: 1000}
	opts := DefaultOptions()
	opts.RetryDelayMs = 1
	opts.MaxRetries = 0
	b, err := New(w, opts)
	require.NoError(t, err)

	require.NoError(t, b.AddBatch(context.Background(), samplePoints(2)))
	remaining := b.Shutdown(context.Background())
	require.Len(t, remaining, 2)
}
