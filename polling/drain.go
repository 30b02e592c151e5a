package polling

import (
	"context"
	"encoding/json"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/rtdb"
)

// drainCommands pops up to CommandDrain commands per writable
// telemetry type's TODO queue, encodes and sends each; a command
// whose encode or transport fails is retried once, then dropped
// (explicit at-most-twice for writebacks, §4.4 step 4).
func (t *Task) drainCommands(ctx context.Context) {
	for _, ty := range writableTypes {
		key := rtdb.TodoListKey(t.ChanID, ty)
		for i := 0; i < t.opts.CommandDrain; i++ {
			payload, ok, err := t.db.LPop(ctx, key)
			if err != nil {
				logging.Warnf("polling(chan=%d): drain %s: %v", t.ChanID, key, err)
				return
			}
			if !ok {
				break
			}
			var cmd common.Command
			if err := json.Unmarshal(payload, &cmd); err != nil {
				logging.Warnf("polling(chan=%d): malformed command on %s: %v", t.ChanID, key, err)
				continue
			}
			t.sendCommand(cmd)
		}
	}
}

func (t *Task) sendCommand(cmd common.Command) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := t.tryCommand(cmd); err != nil {
			lastErr = err
			continue
		}
		return
	}
	logging.Errorf("polling(chan=%d): command for point %d dropped after retry: %v", t.ChanID, cmd.PointID, lastErr)
}

func (t *Task) tryCommand(cmd common.Command) error {
	mapper := t.mapper.Load()
	address, raw, err := mapper.Encode(cmd.PointID, cmd.Value)
	if err != nil {
		return err
	}
	pd, _ := mapper.Lookup(cmd.PointID)
	req, err := t.codec.BuildWriteRequest(pd.Slave, address, raw)
	if err != nil {
		return err
	}
	if _, err := t.transport.Send(req); err != nil {
		return err
	}
	buf := make([]byte, 256)
	n, err := t.transport.Receive(buf, t.opts.ReadTimeout)
	if err != nil {
		return err
	}
	return t.codec.ParseWriteResponse(buf[:n])
}
