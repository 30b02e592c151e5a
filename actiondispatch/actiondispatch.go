// Package actiondispatch is the Action Dispatcher (§4.10, component
// C11): it resolves an instance-scoped action target to a channel
// point via route:m2c and enqueues a command for the polling engine
// to drain.
package actiondispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/rtdb"
)

// Dispatcher implements rulesched.ActionDispatcher and is also called
// directly by the external command API (§6).
type Dispatcher struct {
	db rtdb.RTDB
}

func New(db rtdb.RTDB) *Dispatcher {
	return &Dispatcher{db: db}
}

// Dispatch resolves (target_id, point_type, point_id) via route:m2c
// to a channel point, builds the command envelope, and RPUSHes it
// onto that channel's (chan,T):TODO queue — the polling engine (C5)
// drains it from there. Ordering is FIFO per (chan,T) queue by
// construction (§4.10/§5): one RPUSH per call, never reordered here.
func (d *Dispatcher) Dispatch(ctx context.Context, action common.Action, origin common.ActionOrigin) error {
	if !action.PointType.IsWritable() {
		return fmt.Errorf("actiondispatch: point type %s is not writable", action.PointType)
	}

	m2cKey := rtdb.M2CValue(strconv.FormatInt(action.TargetID, 10), strconv.FormatUint(uint64(action.PointID), 10))
	raw, ok, err := d.db.HGet(ctx, rtdb.RouteM2CKey, m2cKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("actiondispatch: no route:m2c binding for target %d point %d", action.TargetID, action.PointID)
	}

	chanID, t, pid, err := rtdb.ParsePointKey(string(raw))
	if err != nil {
		return fmt.Errorf("actiondispatch: malformed route:m2c value %q: %w", raw, err)
	}
	if t != action.PointType {
		return fmt.Errorf("actiondispatch: bound channel point is type %s, action targets %s", t, action.PointType)
	}

	cmd := common.Command{
		PointID: pid,
		Value:   action.Value,
		Origin:  origin,
		TsMs:    uint64(time.Now().UnixMilli()),
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return d.db.RPush(ctx, rtdb.TodoListKey(chanID, t), data)
}
