package ruleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/rtdb"
)

// evalContext carries everything a node needs to evaluate itself: the
// variable bindings compiled for this rule, the RTDB handle for
// reading current values and stateful-builtin state, the rule's
// identity (for state keys) and the tick's timestamp.
type evalContext struct {
	ctx      context.Context
	db       rtdb.RTDB
	bindings map[string]common.PointID
	state    *stateStore
	ruleID   int64
	nowMs    uint64
}

func (c *evalContext) resolveVar(name string) (float64, error) {
	pid, ok := c.bindings[name]
	if !ok {
		return 0, fmt.Errorf("ruleengine: unbound variable %q", name)
	}
	raw, ok, err := c.db.HGet(c.ctx, rtdb.PointsHashKey(pid.ChannelID, pid.Type), strconv.FormatUint(uint64(pid.PointNo), 10))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("ruleengine: variable %q has not been observed yet", name)
	}
	var rv common.RealtimeValue
	if err := json.Unmarshal(raw, &rv); err != nil {
		return 0, err
	}
	return toFloat(rv.Value), nil
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}
