// Package redissync is the Redis-sync Adapter (component C13): the
// concrete batchwriter.Writer that lands a flushed batch's points
// into RTDB's per-type hashes, where the instance mapper (C8) and
// rule engine (C9) read them back from.
package redissync

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/voltageems/core/batchwriter"
	"github.com/voltageems/core/rtdb"
)

// Adapter is the only component that writes decoded point values
// into comsrv:<chan>:<T> — every other component reads through C1.
type Adapter struct {
	db rtdb.RTDB
}

func New(db rtdb.RTDB) *Adapter {
	return &Adapter{db: db}
}

// WriteBatch implements batchwriter.Writer. All points in the batch
// land in one pipeline regardless of how many distinct (chan,T)
// hashes they span, so a flush is atomic at the hash-field level for
// every point it contains (§3: RealtimeValue "overwritten per point").
func (a *Adapter) WriteBatch(ctx context.Context, points []batchwriter.Point) error {
	return a.db.Pipeline(ctx, func(p rtdb.Pipeline) error {
		for _, pt := range points {
			data, err := json.Marshal(pt.Value)
			if err != nil {
				return err
			}
			key := rtdb.PointsHashKey(pt.ChannelID, pt.Type)
			field := strconv.FormatUint(uint64(pt.PointID), 10)
			p.HSet(key, field, data)
		}
		return nil
	})
}
