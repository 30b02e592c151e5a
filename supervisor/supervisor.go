// Package supervisor is the Supervisor (§4.11, component C12): it owns
// the lifetime of every channel's polling task, the instance mapper's
// subscription loop, the rule scheduler, the point-change publisher
// and the batch writer, and exposes hot-reload and shutdown for all of
// them as one unit.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltageems/core/batchwriter"
	"github.com/voltageems/core/common"
	"github.com/voltageems/core/instancemap"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/pointmap"
	"github.com/voltageems/core/polling"
	"github.com/voltageems/core/pubsub"
	"github.com/voltageems/core/rtdb"
	"github.com/voltageems/core/rulesched"
)

// ShutdownDeadline bounds how long StopAll waits for every owned task
// to finish before giving up on it (§4.11: "await completion with a
// 5s deadline; remaining tasks are aborted").
const ShutdownDeadline = 5 * time.Second

// Supervisor wires C5/C7/C8/C10/C6 into one lifecycle. It does not
// itself decode, route or evaluate anything — every method here is
// bookkeeping for the components that do.
type Supervisor struct {
	db        rtdb.RTDB
	polling   *polling.Engine
	instances *instancemap.Mapper
	rules     *rulesched.Scheduler
	pub       *pubsub.Publisher
	writer    *batchwriter.Buffer

	cancel context.CancelFunc
	g      *errgroup.Group
}

func New(db rtdb.RTDB, pollingEngine *polling.Engine, instances *instancemap.Mapper, rules *rulesched.Scheduler, pub *pubsub.Publisher, writer *batchwriter.Buffer) *Supervisor {
	return &Supervisor{
		db:        db,
		polling:   pollingEngine,
		instances: instances,
		rules:     rules,
		pub:       pub,
		writer:    writer,
	}
}

// StartAll launches every owned component's run loop off one
// cancellable context. Returns immediately; the loops run until
// StopAll cancels them.
func (s *Supervisor) StartAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { s.polling.Run(gctx); return nil })
	g.Go(func() error { return s.instances.Run(gctx) })
	g.Go(func() error { s.rules.Run(gctx); return nil })
	g.Go(func() error { s.pub.Run(gctx); return nil })
	g.Go(func() error { s.writer.Run(gctx); return nil })

	s.cancel = cancel
	s.g = g
	logging.Infof("supervisor: all components started")
}

// StopAll signals every component to stop, then waits for them to
// exit with a bounded deadline; anything still running past the
// deadline is left to finish on its own while StopAll returns. The
// batch writer is flushed synchronously afterward and any points it
// could not deliver are returned to the caller (§4.5/§4.11).
func (s *Supervisor) StopAll() []batchwriter.Point {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		_ = s.g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownDeadline):
		logging.Warnf("supervisor: shutdown deadline of %s exceeded, abandoning remaining tasks", ShutdownDeadline)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownDeadline)
	defer cancel()
	return s.writer.Shutdown(shutdownCtx)
}

// ReloadChannel swaps one channel's point-mapping plan (C4) without
// disturbing its transport connection (§4.11 reload_channel).
func (s *Supervisor) ReloadChannel(cfg common.ChannelConfig) error {
	mapper, err := pointmap.NewMapper(cfg)
	if err != nil {
		return fmt.Errorf("supervisor: reload_channel(%d): %w", cfg.ID, err)
	}
	task, ok := s.polling.Task(cfg.ID)
	if !ok {
		return fmt.Errorf("supervisor: reload_channel(%d): channel not registered", cfg.ID)
	}
	task.SetMapper(mapper)
	logging.Infof("supervisor: channel %d reloaded, %d points", cfg.ID, len(cfg.Points))
	return nil
}

// ReloadRouting re-reads route:c2m/route:m2c in full and pushes the
// result into C8 (§4.11 reload_routing).
func (s *Supervisor) ReloadRouting(ctx context.Context) error {
	c2m, err := s.db.HGetAll(ctx, rtdb.RouteC2MKey)
	if err != nil {
		return fmt.Errorf("supervisor: reload_routing: %w", err)
	}
	m2c, err := s.db.HGetAll(ctx, rtdb.RouteM2CKey)
	if err != nil {
		return fmt.Errorf("supervisor: reload_routing: %w", err)
	}

	routing := common.Routing{
		C2M: make(map[string]string, len(c2m)),
		M2C: make(map[string]string, len(m2c)),
	}
	for k, v := range c2m {
		routing.C2M[k] = string(v)
	}
	for k, v := range m2c {
		routing.M2C[k] = string(v)
	}

	if err := s.instances.LoadRouting(routing); err != nil {
		return fmt.Errorf("supervisor: reload_routing: %w", err)
	}
	logging.Infof("supervisor: routing reloaded, %d point bindings", len(routing.C2M))
	return nil
}

// ChannelStatus is one channel's entry in Status().
type ChannelStatus struct {
	ID         uint16
	State      string
	ErrorCount int64
}

// RuleStatus summarizes the scheduler's loaded rule set in Status().
type RuleStatus struct {
	Total, Enabled, Running int
}

// Status is the supervisor's status() surface (§4.11).
type Status struct {
	Channels  []ChannelStatus
	Rules     RuleStatus
	RTDBState string
	RTDBURL   string
}

func (s *Supervisor) Status() Status {
	ids := s.polling.ChannelIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	channels := make([]ChannelStatus, 0, len(ids))
	for _, id := range ids {
		task, ok := s.polling.Task(id)
		if !ok {
			continue
		}
		st := task.StatsSnapshot()
		channels = append(channels, ChannelStatus{ID: id, State: st.State.String(), ErrorCount: st.ErrorCount})
	}

	total, enabled, running := s.rules.Status()
	connState, url := s.db.State()

	return Status{
		Channels:  channels,
		Rules:     RuleStatus{Total: total, Enabled: enabled, Running: running},
		RTDBState: connState.String(),
		RTDBURL:   url,
	}
}
