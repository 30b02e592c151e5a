package common

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voltageems/core/logging"
)

// ConfigValue is one entry of a Config map. Settings are read with
// the typed accessor that matches the field (String/Int/Bool/
// Duration) rather than by type-asserting the raw interface{}.
type ConfigValue struct {
	Value interface{}
	Help  string
}

func (cv ConfigValue) String() string {
	switch v := cv.Value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (cv ConfigValue) Int() int {
	switch v := cv.Value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (cv ConfigValue) Uint64() uint64 {
	switch v := cv.Value.(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return 0
}

func (cv ConfigValue) Float64() float64 {
	switch v := cv.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (cv ConfigValue) Bool() bool {
	switch v := cv.Value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (cv ConfigValue) Duration() time.Duration {
	return time.Duration(cv.Int()) * time.Millisecond
}

// Config is a flat, dot-sectioned settings map: one map covers the
// whole process, and SectionConfig trims a prefix off to hand a
// subsystem only the keys that matter to it.
type Config map[string]ConfigValue

// NewConfig builds a Config from a plain map, as arrives over a
// settings-reload payload.
func NewConfig(m map[string]interface{}) Config {
	cfg := make(Config, len(m))
	for k, v := range m {
		cfg[k] = ConfigValue{Value: v}
	}
	return cfg
}

// SectionConfig returns the subset of keys with the given prefix,
// optionally trimming the prefix off the returned keys.
func (cfg Config) SectionConfig(prefix string, trim bool) Config {
	out := make(Config)
	for k, v := range cfg {
		if strings.HasPrefix(k, prefix) {
			key := k
			if trim {
				key = strings.TrimPrefix(k, prefix)
			}
			out[key] = v
		}
	}
	return out
}

// Clone returns a shallow copy, safe for a reader to hold across a
// later Override by the writer (copy-on-write per §5).
func (cfg Config) Clone() Config {
	out := make(Config, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// Override returns a new Config with entries of `other` replacing or
// adding to the receiver's; the receiver is left untouched.
func (cfg Config) Override(other Config) Config {
	out := cfg.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (cfg Config) SetValue(key string, value interface{}) {
	cfg[key] = ConfigValue{Value: value}
}

func (cfg Config) Set(key string, cv ConfigValue) { cfg[key] = cv }

func (cfg Config) Json() []byte {
	m := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		m[k] = v.Value
	}
	data, _ := json.Marshal(m)
	return data
}

func (cfg Config) LogConfig(prefix string) {
	for k, v := range cfg {
		logging.Infof("%v config %v = %v\n", prefix, k, v.String())
	}
}

// EnvOr reads a string from the environment, falling back to `def`.
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DefaultConfig returns the baked-in defaults named throughout the
// spec (tick granularity, timeouts, batch sizes, ...). Callers layer
// environment and loaded settings on top with Override. No component
// in this module reads its settings from a Config; each takes its own
// Options struct, built from that package's DefaultOptions().
func DefaultConfig() Config {
	return NewConfig(map[string]interface{}{
		"rtdb.url":                  EnvOr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		"rtdb.connectTimeoutMs":     5000,
		"rtdb.poolExtra":            30,
		"rtdb.reconnectMinMs":       1000,
		"rtdb.reconnectMaxMs":       30000,
		"polling.tickMs":            100,
		"polling.readTimeoutMs":     5000,
		"polling.errorThreshold":    5,
		"polling.degradedCeilingMs": 60000,
		"polling.commandDrain":      32,
		"polling.maxAddressGap":     10,
		"polling.maxQuantity":       125,
		"batchwriter.maxBatchSize":  100,
		"batchwriter.flushMs":       10000,
		"batchwriter.retryDelayMs":  100,
		"batchwriter.maxRetries":    3,
		"batchwriter.walPath":       "",
		"pubsub.coalesce":          true,
		"pubsub.batchTimeoutMs":    50,
		"pubsub.batchSize":         100,
		"rules.tickMs":             100,
		"shutdown.deadlineMs":      5000,
	})
}
