// Package pubsub is the Pub/Sub Publisher (§4.6, component C7): it
// turns one polling cycle's decoded values into a wire message and
// publishes it, either immediately or coalesced into a dirty map that
// flushes on a timer or a size threshold. Publishing never blocks the
// polling cycle — NotifyValues only ever enqueues.
package pubsub

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/rtdb"
)

// Mode selects how a channel's changes are batched onto the wire.
type Mode int

const (
	Immediate Mode = iota
	Coalesced
)

// Options mirrors common.DefaultConfig()'s pubsub.* section.
type Options struct {
	Mode         Mode
	BatchTimeout time.Duration
	BatchSize    int
	QueueDepth   int
}

func DefaultOptions() Options {
	return Options{
		Mode:         Coalesced,
		BatchTimeout: 50 * time.Millisecond,
		BatchSize:    100,
		QueueDepth:   256,
	}
}

// PointPayload is one point's entry in a published message.
type PointPayload struct {
	Raw   interface{} `json:"raw"`
	Value interface{} `json:"value"`
	TsMs  uint64      `json:"ts"`
}

// Payload is the wire format published on a channel-scoped topic.
type Payload struct {
	Version string                  `json:"v"`
	ChanID  uint16                  `json:"chan"`
	Type    string                  `json:"type"`
	Points  map[string]PointPayload `json:"points"`
}

type streamKey struct {
	chanID uint16
	t      common.TelemetryType
}

type notification struct {
	key    streamKey
	values map[uint32]common.RealtimeValue
}

// Publisher is the single C7 task: it owns the dirty map and the
// flush timer, and is the only writer to RTDB's pub/sub channels.
type Publisher struct {
	db   rtdb.RTDB
	opts Options

	queue chan notification

	mu    sync.Mutex
	dirty map[streamKey]map[uint32]common.RealtimeValue

	stop chan struct{}
	done chan struct{}
}

func New(db rtdb.RTDB, opts Options) *Publisher {
	return &Publisher{
		db:    db,
		opts:  opts,
		queue: make(chan notification, opts.QueueDepth),
		dirty: make(map[streamKey]map[uint32]common.RealtimeValue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// NotifyValues implements polling.NotifySink. It never blocks the
// caller: a full queue drops the notification with a warning, per
// §4.6 ("the publisher does not block the polling cycle on subscriber
// lag").
func (p *Publisher) NotifyValues(chanID uint16, t common.TelemetryType, values map[uint32]common.RealtimeValue) {
	if len(values) == 0 {
		return
	}
	cp := make(map[uint32]common.RealtimeValue, len(values))
	for k, v := range values {
		cp[k] = v
	}
	select {
	case p.queue <- notification{key: streamKey{chanID, t}, values: cp}:
	default:
		logging.Warnf("pubsub(chan=%d,type=%s): queue full, dropping notification", chanID, t)
	}
}

// Run drains the queue and, in Coalesced mode, flushes on
// BatchTimeout; it returns once ctx is cancelled or Stop is called.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if p.opts.Mode == Coalesced {
		ticker = time.NewTicker(p.opts.BatchTimeout)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case n := <-p.queue:
			p.handle(ctx, n)
		case <-tickC:
			p.flushAll(ctx)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, n notification) {
	if p.opts.Mode == Immediate {
		p.publish(ctx, n.key, n.values)
		return
	}

	p.mu.Lock()
	set, ok := p.dirty[n.key]
	if !ok {
		set = make(map[uint32]common.RealtimeValue, len(n.values))
		p.dirty[n.key] = set
	}
	for pid, v := range n.values {
		set[pid] = v // only the latest value per point survives the window, by design
	}
	full := len(set) >= p.opts.BatchSize
	p.mu.Unlock()

	if full {
		p.flushKey(ctx, n.key)
	}
}

func (p *Publisher) flushKey(ctx context.Context, key streamKey) {
	p.mu.Lock()
	set := p.dirty[key]
	delete(p.dirty, key)
	p.mu.Unlock()
	if len(set) == 0 {
		return
	}
	p.publish(ctx, key, set)
}

func (p *Publisher) flushAll(ctx context.Context) {
	p.mu.Lock()
	keys := make([]streamKey, 0, len(p.dirty))
	for k := range p.dirty {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.flushKey(ctx, k)
	}
}

func (p *Publisher) publish(ctx context.Context, key streamKey, values map[uint32]common.RealtimeValue) {
	payload := Payload{
		Version: "1.0",
		ChanID:  key.chanID,
		Type:    key.t.String(),
		Points:  make(map[string]PointPayload, len(values)),
	}
	for pid, v := range values {
		payload.Points[formatPointID(pid)] = PointPayload{Raw: v.Raw, Value: v.Value, TsMs: v.TsMs}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Errorf("pubsub(chan=%d,type=%s): marshal failed: %v", key.chanID, key.t, err)
		return
	}
	topic := rtdb.PointChannelTopic(key.chanID, key.t)
	if _, err := p.db.Publish(ctx, topic, data); err != nil {
		logging.Warnf("pubsub(chan=%d,type=%s): publish failed: %v", key.chanID, key.t, err)
	}
}

func formatPointID(pid uint32) string {
	return strconv.FormatUint(uint64(pid), 10)
}

// Stop signals Run to flush no further and return, waiting for it to
// exit. Any still-dirty coalesced batches are discarded — shutdown is
// cooperative and bounded, per §4.11/§5.
func (p *Publisher) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}
