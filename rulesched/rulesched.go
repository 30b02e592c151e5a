// Package rulesched is the Rule Scheduler (§4.9, component C10): a
// single tick-driven task that decides, per rule, whether its
// trigger and cooldown allow it to run, evaluates it through C9, and
// applies its actions through C11 on a true result.
package rulesched

import (
	"context"
	"sync"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/ruleengine"
	"github.com/voltageems/core/rtdb"
)

// ActionDispatcher is C11's entry point, invoked once should_execute,
// cooldown and evaluation all allow a rule to fire.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action common.Action, origin common.ActionOrigin) error
}

// ScheduledRule is the cached, mutable firing state the scheduler
// keeps per rule (§3: "cached as ScheduledRule { rule, last_exec,
// last_cooldown_start }").
type ScheduledRule struct {
	Rule     common.Rule
	Compiled *ruleengine.CompiledRule

	lastExecutionMs     uint64
	hasExecuted         bool
	lastCooldownStartMs uint64
	lastErr             error

	watched map[string]string // OnChange trigger: source -> last-seen formatted value
}

// NewScheduledRule compiles a rule and prepares its firing state.
func NewScheduledRule(rule common.Rule, bindings map[string]common.PointID) (*ScheduledRule, error) {
	compiled, err := ruleengine.Compile(rule, bindings)
	if err != nil {
		return nil, err
	}
	return &ScheduledRule{Rule: rule, Compiled: compiled, watched: make(map[string]string)}, nil
}

// Options configures one scheduler instance.
type Options struct {
	TickInterval time.Duration
}

func DefaultOptions() Options {
	return Options{TickInterval: 100 * time.Millisecond}
}

// Scheduler drives every loaded rule off one shared tick.
type Scheduler struct {
	db     rtdb.RTDB
	engine *ruleengine.Engine
	disp   ActionDispatcher
	opts   Options

	mu    sync.RWMutex
	rules []*ScheduledRule

	stop chan struct{}
	done chan struct{}
}

func New(db rtdb.RTDB, disp ActionDispatcher, opts Options) *Scheduler {
	return &Scheduler{
		db:     db,
		engine: ruleengine.New(db),
		disp:   disp,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ReloadRules atomically replaces the rule list between ticks
// (§4.9 hot reload); an in-flight tick finishes against the rule set
// it started with.
func (s *Scheduler) ReloadRules(rules []*ScheduledRule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, uint64(now.UnixMilli()))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, nowMs uint64) {
	s.mu.RLock()
	rules := append([]*ScheduledRule(nil), s.rules...)
	s.mu.RUnlock()

	for _, sr := range rules {
		if !sr.Rule.Enabled {
			continue
		}
		s.evaluateOne(ctx, sr, nowMs, false)
	}
}

// evaluateOne runs the should_execute/cooldown/evaluate/act sequence
// for one rule. manual bypasses both should_execute and cooldown
// (§4.9 execute_rule) but still records execution bookkeeping.
func (s *Scheduler) evaluateOne(ctx context.Context, sr *ScheduledRule, nowMs uint64, manual bool) {
	if !manual {
		if !s.shouldExecute(ctx, sr, nowMs) {
			return
		}
		if !cooldownOK(sr, nowMs) {
			return
		}
	}

	ok, err := s.engine.Evaluate(ctx, sr.Compiled, nowMs)
	if err != nil {
		sr.lastExecutionMs = nowMs
		sr.hasExecuted = true
		sr.lastErr = err
		logging.Warnf("rulesched(rule=%d): evaluation failed: %v", sr.Rule.ID, err)
		return
	}
	sr.lastExecutionMs = nowMs
	sr.hasExecuted = true
	sr.lastErr = nil

	if !ok {
		return
	}

	fired := false
	for _, action := range sr.Rule.Actions {
		if err := s.disp.Dispatch(ctx, action, common.OriginRule); err != nil {
			logging.Warnf("rulesched(rule=%d): action dispatch failed: %v", sr.Rule.ID, err)
			continue
		}
		fired = true
	}
	if fired {
		sr.lastCooldownStartMs = nowMs
	}
}

func cooldownOK(sr *ScheduledRule, nowMs uint64) bool {
	if sr.Rule.CooldownMs == 0 {
		return true
	}
	if sr.lastCooldownStartMs == 0 {
		return true
	}
	return nowMs-sr.lastCooldownStartMs >= sr.Rule.CooldownMs
}

func (s *Scheduler) shouldExecute(ctx context.Context, sr *ScheduledRule, nowMs uint64) bool {
	if !sr.hasExecuted {
		if sr.Rule.Trigger.Kind == common.TriggerOnChange {
			s.checkOnChange(ctx, sr) // take the first snapshot
		}
		return true
	}
	switch sr.Rule.Trigger.Kind {
	case common.TriggerInterval:
		return nowMs-sr.lastExecutionMs >= sr.Rule.Trigger.IntervalMs
	case common.TriggerOnChange:
		return s.checkOnChange(ctx, sr)
	}
	return false
}

// checkOnChange reads every watched instance source's current
// formatted value and reports whether any differs from the previous
// tick's snapshot, updating the snapshot unconditionally.
func (s *Scheduler) checkOnChange(ctx context.Context, sr *ScheduledRule) bool {
	changed := false
	for _, source := range sr.Rule.Trigger.Sources {
		instID, field, ok := rtdb.SplitInstField(source)
		if !ok {
			continue
		}
		val, present, err := s.readInstField(ctx, instID, field)
		if err != nil {
			logging.Warnf("rulesched(rule=%d): reading watched source %q: %v", sr.Rule.ID, source, err)
			continue
		}
		if !present {
			continue
		}
		if prev, ok := sr.watched[source]; !ok || prev != val {
			changed = true
		}
		sr.watched[source] = val
	}
	return changed
}

func (s *Scheduler) readInstField(ctx context.Context, instID, field string) (string, bool, error) {
	if v, ok, err := s.db.HGet(ctx, rtdb.InstanceMeasurementsKey(instID), field); err != nil {
		return "", false, err
	} else if ok {
		return string(v), true, nil
	}
	v, ok, err := s.db.HGet(ctx, rtdb.InstanceActionsKey(instID), field)
	if err != nil {
		return "", false, err
	}
	return string(v), ok, nil
}

// Status reports rule counts for the supervisor's status() surface
// (§4.11): total loaded, enabled, and enabled rules that have run at
// least one evaluation cycle since being loaded.
func (s *Scheduler) Status() (total, enabled, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sr := range s.rules {
		total++
		if sr.Rule.Enabled {
			enabled++
			if sr.hasExecuted {
				running++
			}
		}
	}
	return total, enabled, running
}

// ExecuteRule bypasses the trigger and cooldown checks but still
// applies actions through C11 on a true evaluation (§4.9
// execute_rule).
func (s *Scheduler) ExecuteRule(ctx context.Context, ruleID int64) error {
	s.mu.RLock()
	var target *ScheduledRule
	for _, sr := range s.rules {
		if sr.Rule.ID == ruleID {
			target = sr
			break
		}
	}
	s.mu.RUnlock()
	if target == nil {
		return common.ErrConfiguration
	}
	s.evaluateOne(ctx, target, uint64(nowMsFunc()), true)
	return nil
}

// nowMsFunc is a seam for tests; production always uses wall time.
var nowMsFunc = func() int64 { return time.Now().UnixMilli() }

// Stop signals the tick loop to exit and waits for it to return.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
