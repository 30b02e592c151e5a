// Package rtdb is the single key-value/pub-sub abstraction every other
// component depends on (§4.1, component C1). It hides the backing
// Redis client behind a typed interface so callers never see a *redis.Client
// directly, and owns candidate-URL resolution and reconnect-with-backoff.
package rtdb

import (
	"context"
	"time"

	"github.com/voltageems/core/common"
)

// Message is one notification delivered off a pattern subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Pipeline batches a sequence of writes so that, from the caller's
// perspective, they land atomically (§4.1 `pipeline(f)`).
type Pipeline interface {
	HSet(key, field string, value []byte)
	HDel(key string, fields ...string)
	LPush(key string, value []byte)
	RPush(key string, value []byte)
	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
}

// RTDB is the typed operation set every component is built against.
// Implementations must be safe for concurrent use.
type RTDB interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)

	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HMGet(ctx context.Context, key string, fields ...string) (map[string][]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int, error)

	LPush(ctx context.Context, key string, value []byte) error
	RPush(ctx context.Context, key string, value []byte) error
	LPop(ctx context.Context, key string) ([]byte, bool, error)
	RPop(ctx context.Context, key string) ([]byte, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	Scan(ctx context.Context, pattern string, count int64) ([]string, error)

	Pipeline(ctx context.Context, f func(p Pipeline) error) error

	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, func() error, error)

	Ping(ctx context.Context) error

	// State returns the current connection lifecycle state and the
	// endpoint URL that won candidate resolution (when none answered,
	// the candidate being retried).
	State() (common.ConnState, string)

	Close() error
}
