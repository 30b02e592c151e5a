package batchwriter

import (
	"sync"

	"github.com/voltageems/core/common"
)

// Stats are the monotonic counters §4.5 requires, reset only by an
// explicit store (never a read-modify-write), per §5. The two
// Average fields are not independently atomic, so they're guarded by
// mu: the periodic flusher and a caller-triggered full-buffer flush
// can run at the same time, since Flush holds Buffer's own lock only
// while it takes the batch.
type Stats struct {
	received       common.Uint64Val
	written        common.Uint64Val
	failed         common.Uint64Val
	batchesWritten common.Uint64Val
	batchesFailed  common.Uint64Val

	mu             sync.Mutex
	avgBatchSize   common.Average
	writeLatencyMs common.Average
}

func (s *Stats) init() {
	s.received.Init()
	s.written.Init()
	s.failed.Init()
	s.batchesWritten.Init()
	s.batchesFailed.Init()
	s.mu.Lock()
	s.avgBatchSize.Init()
	s.writeLatencyMs.Init()
	s.mu.Unlock()
}

// StatsSnapshot is the read-only view exposed to the supervisor's
// status() call.
type StatsSnapshot struct {
	Received          uint64
	Written           uint64
	Failed            uint64
	BatchesWritten    uint64
	BatchesFailed     uint64
	AverageBatchSize  int64
	WriteLatencyMs    int64
	SuccessRate       int64 // percent, 0-100
	BatchSuccessRate  int64 // percent, 0-100
}

func (s *Stats) snapshot() StatsSnapshot {
	received := s.received.Value()
	written := s.written.Value()
	batchesWritten := s.batchesWritten.Value()
	batchesFailed := s.batchesFailed.Value()

	var successRate, batchSuccessRate int64
	if received > 0 {
		successRate = int64(written) * 100 / int64(received)
	}
	if batchesWritten+batchesFailed > 0 {
		batchSuccessRate = common.ComputePercent(int64(batchesWritten), int64(batchesFailed))
	}

	s.mu.Lock()
	avgBatchSize := s.avgBatchSize.Mean()
	writeLatencyMs := s.writeLatencyMs.Mean()
	s.mu.Unlock()

	return StatsSnapshot{
		Received:         received,
		Written:          written,
		Failed:           s.failed.Value(),
		BatchesWritten:   batchesWritten,
		BatchesFailed:    batchesFailed,
		AverageBatchSize: avgBatchSize,
		WriteLatencyMs:   writeLatencyMs,
		SuccessRate:      successRate,
		BatchSuccessRate: batchSuccessRate,
	}
}
