package polling

import (
	"context"
	"sync"
	"time"

	"github.com/voltageems/core/logging"
)

// Engine cooperatively drives every channel's Task off one shared
// tick (§4.4/§5: "a single scheduler tick drives all tasks
// cooperatively"). Hot reconfiguration swaps the task set between
// ticks; in-flight cycles finish against the task they started with.
type Engine struct {
	tickInterval time.Duration

	mu    sync.RWMutex
	tasks map[uint16]*Task

	stop chan struct{}
	done chan struct{}
}

func NewEngine(tickInterval time.Duration) *Engine {
	return &Engine{
		tickInterval: tickInterval,
		tasks:        make(map[uint16]*Task),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// AddTask registers or replaces a channel's task; safe to call while
// the engine is running.
func (e *Engine) AddTask(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[t.ChanID] = t
}

func (e *Engine) RemoveTask(chanID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, chanID)
}

func (e *Engine) Task(chanID uint16) (*Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[chanID]
	return t, ok
}

// ChannelIDs lists every registered channel, for the supervisor's
// status() surface (§4.11).
func (e *Engine) ChannelIDs() []uint16 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint16, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Run ticks until ctx is cancelled or Stop is called. Each due task
// runs its cycle synchronously within the tick — the spec models
// "every send/receive/publish may suspend" but tasks are cooperative,
// not parallel, within one engine (§5).
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.mu.RLock()
	due := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	e.mu.RUnlock()

	for _, t := range due {
		if err := t.RunCycle(ctx); err != nil {
			logging.Warnf("polling(chan=%d): cycle error: %v", t.ChanID, err)
		}
	}
}

// Stop signals the tick loop to exit and waits for it to return.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}
