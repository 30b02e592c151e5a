package ruleengine

import (
	"context"
	"encoding/json"

	"github.com/voltageems/core/rtdb"
)

// stateStore persists the per-(rule,fn,var) accumulator a stateful
// built-in needs across ticks, under spec.md §3's
// `state:<rule>:<fn>:<var>` key.
type stateStore struct {
	db rtdb.RTDB
}

func newStateStore(db rtdb.RTDB) *stateStore { return &stateStore{db: db} }

func (s *stateStore) load(ctx context.Context, ruleID int64, fn, variable string, out interface{}) (bool, error) {
	raw, ok, err := s.db.Get(ctx, rtdb.RuleStateKey(ruleID, fn, variable))
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *stateStore) store(ctx context.Context, ruleID int64, fn, variable string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(ctx, rtdb.RuleStateKey(ruleID, fn, variable), data, 0)
}

type integrateState struct {
	TPrevMs uint64  `json:"t_prev_ms"`
	Accum   float64 `json:"accum"`
}

type movingAvgState struct {
	Window int       `json:"window"`
	Buffer []float64 `json:"buffer"`
	Pos    int       `json:"pos"`
	Count  int       `json:"count"`
}

type rateState struct {
	TPrevMs uint64  `json:"t_prev_ms"`
	XPrev   float64 `json:"x_prev"`
	HasPrev bool    `json:"has_prev"`
}
