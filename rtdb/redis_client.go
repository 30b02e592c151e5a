package rtdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltageems/core/common"
	"github.com/voltageems/core/logging"
)

// Client is the go-redis backed RTDB implementation. All namespace
// prefixes (comsrv:, inst:, route:, state:) are the caller's concern;
// Client itself is a thin, reconnecting wrapper over raw keys.
type Client struct {
	mu       sync.RWMutex
	rdb      *redis.Client
	state    common.ConnState
	url      string
	minBack  time.Duration
	maxBack  time.Duration
	connTO   time.Duration
	closed   int32
}

// Candidate URL resolution order, per §4.1: explicit argument, then
// environment override, then a loopback default.
func candidateURLs(explicit string) []string {
	var out []string
	if explicit != "" {
		out = append(out, explicit)
	}
	if env := common.EnvOr("REDIS_URL", ""); env != "" {
		out = append(out, env)
	}
	out = append(out, "redis://127.0.0.1:6379/0")
	return out
}

// NewClient resolves the first reachable candidate endpoint (bounded
// per-candidate timeout, default 5s) and returns a connected Client.
// If none answer PING, the last error is returned but a Client is
// still handed back, set to retry the first parsable candidate lazily.
func NewClient(ctx context.Context, explicit string, connectTimeout time.Duration) (*Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	c := &Client{
		state:   common.Disconnected,
		minBack: time.Second,
		maxBack: 30 * time.Second,
		connTO:  connectTimeout,
	}

	var lastErr error
	fallback := ""
	for _, candidate := range candidateURLs(explicit) {
		opts, err := redis.ParseURL(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if fallback == "" {
			fallback = candidate
		}
		opts.DialTimeout = connectTimeout
		rdb := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			c.mu.Lock()
			c.rdb = rdb
			c.url = candidate
			c.state = common.Connected
			c.mu.Unlock()
			logging.Infof("rtdb: connected to %v\n", redactURL(candidate))
			return c, nil
		}
		lastErr = err
		rdb.Close()
		logging.Warnf("rtdb: candidate %v unreachable: %v\n", redactURL(candidate), err)
	}

	c.mu.Lock()
	c.url = fallback
	c.state = common.ConnError
	c.mu.Unlock()
	return c, fmt.Errorf("rtdb: no candidate endpoint reachable: %w", lastErr)
}

func redactURL(u string) string {
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "//"); j >= 0 && j < i {
			return u[:j+2] + "***" + u[i:]
		}
	}
	return u
}

func (c *Client) State() (common.ConnState, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.url
}

// ensure returns a live client, lazily reconnecting with exponential
// backoff bounded at maxBack when the current one is unusable. The
// connection-state lock is released before the blocking PING, per
// §5's "never hold a lock across a suspension point" rule.
func (c *Client) ensure(ctx context.Context) (*redis.Client, error) {
	c.mu.RLock()
	rdb, state := c.rdb, c.state
	url := c.url
	c.mu.RUnlock()

	if state == common.Connected && rdb != nil {
		return rdb, nil
	}

	c.mu.Lock()
	c.state = common.Connecting
	c.mu.Unlock()

	back := c.minBack
	var lastErr error
	for attempt := 0; attempt < 8; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rdb == nil && url != "" {
			opts, err := redis.ParseURL(url)
			if err == nil {
				opts.DialTimeout = c.connTO
				rdb = redis.NewClient(opts)
			}
		}
		if rdb != nil {
			pingCtx, cancel := context.WithTimeout(ctx, c.connTO)
			err := rdb.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				c.mu.Lock()
				c.rdb = rdb
				c.state = common.Connected
				c.mu.Unlock()
				return rdb, nil
			}
			lastErr = err
		}
		select {
		case <-time.After(back):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		back *= 2
		if back > c.maxBack {
			back = c.maxBack
		}
	}

	c.mu.Lock()
	c.state = common.ConnError
	c.mu.Unlock()
	return nil, fmt.Errorf("%w: %v", common.ErrNotConnected, lastErr)
}

func wrapErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", common.ErrWire, err)
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, false, err
	}
	v, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return wrapErr(rdb.Set(ctx, key, value, ttl).Err())
}

func (c *Client) Del(ctx context.Context, keys ...string) (int, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return 0, err
	}
	n, err := rdb.Del(ctx, keys...).Result()
	return int(n), wrapErr(err)
}

func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, false, err
	}
	v, err := rdb.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return v, true, nil
}

func (c *Client) HSet(ctx context.Context, key, field string, value []byte) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return wrapErr(rdb.HSet(ctx, key, field, value).Err())
}

func (c *Client) HMGet(ctx context.Context, key string, fields ...string) (map[string][]byte, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	vals, err := rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make(map[string][]byte, len(fields))
	for i, f := range fields {
		if vals[i] == nil {
			continue
		}
		if s, ok := vals[i].(string); ok {
			out[f] = []byte(s)
		}
	}
	return out, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return 0, err
	}
	n, err := rdb.HDel(ctx, key, fields...).Result()
	return int(n), wrapErr(err)
}

func (c *Client) LPush(ctx context.Context, key string, value []byte) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return wrapErr(rdb.LPush(ctx, key, value).Err())
}

func (c *Client) RPush(ctx context.Context, key string, value []byte) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return wrapErr(rdb.RPush(ctx, key, value).Err())
}

func (c *Client) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, false, err
	}
	v, err := rdb.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return v, true, nil
}

func (c *Client) RPop(ctx context.Context, key string) ([]byte, bool, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, false, err
	}
	v, err := rdb.RPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr(err)
	}
	return v, true, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return 0, err
	}
	n, err := rdb.LLen(ctx, key).Result()
	return n, wrapErr(err)
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	vals, err := rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Scan hides cursor iteration: it walks SCAN to completion and
// returns the full matching key set, per §4.1.
func (c *Client) Scan(ctx context.Context, pattern string, count int64) ([]string, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

type pipeline struct{ pipe redis.Pipeliner }

func (p *pipeline) HSet(key, field string, value []byte) { p.pipe.HSet(context.Background(), key, field, value) }
func (p *pipeline) HDel(key string, fields ...string)     { p.pipe.HDel(context.Background(), key, fields...) }
func (p *pipeline) LPush(key string, value []byte)        { p.pipe.LPush(context.Background(), key, value) }
func (p *pipeline) RPush(key string, value []byte)        { p.pipe.RPush(context.Background(), key, value) }
func (p *pipeline) Set(key string, value []byte, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}
func (p *pipeline) Del(keys ...string) { p.pipe.Del(context.Background(), keys...) }

// Pipeline executes `f` against a buffered pipeline and ships it as
// one round trip, so from the caller's perspective the batch commits
// atomically (§4.1).
func (c *Client) Pipeline(ctx context.Context, f func(p Pipeline) error) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	pipe := rdb.Pipeline()
	if err := f(&pipeline{pipe: pipe}); err != nil {
		return err
	}
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return 0, err
	}
	n, err := rdb.Publish(ctx, channel, payload).Result()
	return n, wrapErr(err)
}

// Subscribe returns an at-least-once stream of messages matching any
// of `patterns`. The returned channel is closed when the caller
// invokes the unsubscribe func or the context is cancelled.
func (c *Client) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, func() error, error) {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return nil, nil, err
	}
	ps := rdb.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, wrapErr(err)
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close, nil
}

func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	return wrapErr(rdb.Ping(ctx).Err())
}

func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = common.Disconnected
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
