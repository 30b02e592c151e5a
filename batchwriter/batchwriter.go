// Package batchwriter is the Batch Writer / WAL (§4.5, component C6):
// buffers time-series points, flushes them in bounded batches to an
// underlying Writer, retries with backoff, and falls back to an
// append-only WAL file when retries are exhausted.
package batchwriter

import (
	"context"
	"sync"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
)

// Point is one time-series sample accepted by the writer.
type Point struct {
	ChannelID uint16               `json:"chan"`
	Type      common.TelemetryType `json:"type"`
	PointID   uint32               `json:"pid"`
	Value     common.RealtimeValue `json:"value"`
}

// Writer is the underlying sink a Buffer flushes batches to —
// grounded on original_source's `BatchWriter { write_batch(&[Point]) }`
// trait.
type Writer interface {
	WriteBatch(ctx context.Context, points []Point) error
}

// Options mirrors common.DefaultConfig()'s batchwriter.* section.
type Options struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	RetryDelayMs  uint64
	MaxRetries    int
	WALPath       string // empty disables the WAL
}

func DefaultOptions() Options {
	return Options{
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Second,
		RetryDelayMs:  100,
		MaxRetries:    3,
	}
}

// Buffer batches points from many channels and flushes them to Writer.
type Buffer struct {
	mu     sync.Mutex
	points []Point
	opts   Options
	writer Writer
	stats  Stats
	wal    *walFile

	stop chan struct{}
	done chan struct{}
}

// New constructs a Buffer, replaying any WAL segment left from a
// previous run into the buffer before accepting new points (spec §9:
// "this spec mandates replay-on-start").
func New(writer Writer, opts Options) (*Buffer, error) {
	b := &Buffer{writer: writer, opts: opts, stop: make(chan struct{}), done: make(chan struct{})}
	b.stats.init()
	if opts.WALPath != "" {
		wal, replayed, err := openWAL(opts.WALPath)
		if err != nil {
			return nil, err
		}
		b.wal = wal
		if len(replayed) > 0 {
			logging.Infof("batchwriter: replayed %d points from WAL %s", len(replayed), opts.WALPath)
			b.points = append(b.points, replayed...)
		}
	}
	return b, nil
}

// Add enqueues one point, flushing immediately if the batch is full.
func (b *Buffer) Add(ctx context.Context, p Point) error {
	return b.AddBatch(ctx, []Point{p})
}

func (b *Buffer) AddBatch(ctx context.Context, points []Point) error {
	b.mu.Lock()
	b.points = append(b.points, points...)
	b.stats.received.Add(uint64(len(points)))
	full := len(b.points) >= b.opts.MaxBatchSize
	b.mu.Unlock()
	if full {
		return b.Flush(ctx)
	}
	return nil
}

// WriteValues implements polling.ValueSink (C5's write path): one
// cycle's decoded values are buffered here for batched delivery to
// Writer (C13) rather than written straight through.
func (b *Buffer) WriteValues(ctx context.Context, chanID uint16, t common.TelemetryType, values map[uint32]common.RealtimeValue) error {
	points := make([]Point, 0, len(values))
	for pid, v := range values {
		points = append(points, Point{ChannelID: chanID, Type: t, PointID: pid, Value: v})
	}
	return b.AddBatch(ctx, points)
}

// Flush drains the buffer and delivers it to Writer with bounded
// retry; on exhaustion the batch is re-enqueued at the buffer head
// and, if a WAL is configured, appended there too (§4.5).
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.points) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.points
	b.points = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.writeWithRetry(ctx, batch)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		b.stats.batchesFailed.Add(1)
		b.stats.failed.Add(uint64(len(batch)))
		b.mu.Lock()
		b.points = append(batch, b.points...)
		b.mu.Unlock()
		if b.wal != nil {
			if werr := b.wal.append(batch); werr != nil {
				logging.Errorf("batchwriter: WAL append failed: %v", werr)
			}
		}
		return err
	}

	b.stats.batchesWritten.Add(1)
	b.stats.written.Add(uint64(len(batch)))
	b.stats.mu.Lock()
	b.stats.avgBatchSize.Add(int64(len(batch)))
	b.stats.writeLatencyMs.Add(latencyMs)
	b.stats.mu.Unlock()
	if b.wal != nil {
		if werr := b.wal.truncate(); werr != nil {
			logging.Errorf("batchwriter: WAL truncate failed: %v", werr)
		}
	}
	return nil
}

func (b *Buffer) writeWithRetry(ctx context.Context, batch []Point) error {
	var err error
	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(b.opts.RetryDelayMs*uint64(attempt)) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = b.writer.WriteBatch(ctx, batch); err == nil {
			return nil
		}
		logging.Warnf("batchwriter: attempt %d/%d failed: %v", attempt+1, b.opts.MaxRetries+1, err)
	}
	return err
}

// Run starts the periodic flusher; it returns when ctx is cancelled
// or Shutdown is called.
func (b *Buffer) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				logging.Warnf("batchwriter: periodic flush failed: %v", err)
			}
		}
	}
}

// Shutdown flushes synchronously; on failure the still-buffered
// points are returned to the caller so they can be persisted
// elsewhere (§4.5).
func (b *Buffer) Shutdown(ctx context.Context) []Point {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	if err := b.Flush(ctx); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		return append([]Point(nil), b.points...)
	}
	return nil
}

func (b *Buffer) StatsSnapshot() StatsSnapshot { return b.stats.snapshot() }
