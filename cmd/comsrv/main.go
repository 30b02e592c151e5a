// Command comsrv is the VoltageEMS core entrypoint: it loads a
// bootstrap config file describing channels and rules, wires C1-C13
// together, and runs until terminated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltageems/core/actiondispatch"
	"github.com/voltageems/core/batchwriter"
	"github.com/voltageems/core/common"
	"github.com/voltageems/core/instancemap"
	"github.com/voltageems/core/logging"
	"github.com/voltageems/core/pointmap"
	"github.com/voltageems/core/polling"
	"github.com/voltageems/core/protocol"
	"github.com/voltageems/core/protocol/virtual"
	"github.com/voltageems/core/pubsub"
	"github.com/voltageems/core/redissync"
	"github.com/voltageems/core/rtdb"
	"github.com/voltageems/core/rulesched"
	"github.com/voltageems/core/supervisor"
	"github.com/voltageems/core/transport"
)

var options struct {
	configFile string
	redisURL   string
	logLevel   string
	walPath    string
}

func argParse() {
	fset := flag.NewFlagSet("comsrv", flag.ExitOnError)
	fset.StringVar(&options.configFile, "config", "", "bootstrap config file (channels + rules)")
	fset.StringVar(&options.redisURL, "redisURL", "", "RTDB endpoint, overrides config/env")
	fset.StringVar(&options.logLevel, "logLevel", "info", "silent, fatal, error, warn, info, debug, trace")
	fset.StringVar(&options.walPath, "walPath", "", "batch writer WAL file, empty disables the WAL")
	fset.Parse(os.Args[1:])

	if options.configFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <bootstrap.json> [options]\n", os.Args[0])
		fset.PrintDefaults()
		os.Exit(1)
	}
}

func main() {
	argParse()
	logging.SetLogLevel(logging.Level(options.logLevel))

	boot, err := loadBootstrap(options.configFile)
	if err != nil {
		logging.Fatalf("comsrv: loading %s: %v", options.configFile, err)
	}

	redisURL := options.redisURL
	if redisURL == "" {
		redisURL = boot.RTDBURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := rtdb.NewClient(ctx, redisURL, 5*time.Second)
	if err != nil {
		logging.Fatalf("comsrv: rtdb: %v", err)
	}
	defer db.Close()

	sup, err := wire(db, boot)
	if err != nil {
		logging.Fatalf("comsrv: wiring: %v", err)
	}

	sup.StartAll(ctx)
	if err := sup.ReloadRouting(ctx); err != nil {
		logging.Warnf("comsrv: initial reload_routing: %v (route tables may be empty on a fresh deployment)", err)
	}
	logging.Infof("comsrv: started, %d channels, %d rules", len(boot.Channels), len(boot.Rules))

	<-ctx.Done()
	logging.Infof("comsrv: shutdown signal received")
	leftover := sup.StopAll()
	if len(leftover) > 0 {
		logging.Warnf("comsrv: %d points could not be flushed at shutdown", len(leftover))
	}
}

// wire builds every C1-C13 component from a parsed bootstrap config
// and returns the supervisor owning all of them.
func wire(db rtdb.RTDB, boot *bootstrapFile) (*supervisor.Supervisor, error) {
	registry := protocol.NewRegistry()

	writer := redissync.New(db)
	bufOpts := batchwriter.DefaultOptions()
	bufOpts.WALPath = options.walPath
	buf, err := batchwriter.New(writer, bufOpts)
	if err != nil {
		return nil, fmt.Errorf("batchwriter: %w", err)
	}

	pub := pubsub.New(db, pubsub.DefaultOptions())

	engine := polling.NewEngine(100 * time.Millisecond)
	for _, bc := range boot.Channels {
		cfg, err := bc.toChannelConfig()
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", bc.ID, err)
		}
		mapper, err := pointmap.NewMapper(cfg)
		if err != nil {
			return nil, fmt.Errorf("channel %d: point mapper: %w", bc.ID, err)
		}
		codec, err := registry.New(cfg.Protocol)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", bc.ID, err)
		}
		tr, err := buildTransport(cfg, codec)
		if err != nil {
			return nil, fmt.Errorf("channel %d: transport: %w", bc.ID, err)
		}
		task := polling.NewTask(cfg.ID, mapper, codec, tr, db, buf, pub, polling.DefaultOptions())
		engine.AddTask(task)
	}

	instances := instancemap.New(db)

	dispatcher := actiondispatch.New(db)
	scheduler := rulesched.New(db, dispatcher, rulesched.DefaultOptions())
	scheduled := make([]*rulesched.ScheduledRule, 0, len(boot.Rules))
	for _, br := range boot.Rules {
		rule, bindings, err := br.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", br.ID, err)
		}
		sr, err := rulesched.NewScheduledRule(rule, bindings)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile: %w", br.ID, err)
		}
		scheduled = append(scheduled, sr)
	}
	scheduler.ReloadRules(scheduled)

	return supervisor.New(db, engine, instances, scheduler, pub, buf), nil
}

// buildTransport resolves a channel's wire transport from its
// protocol params. Only TCP endpoints and the in-memory virtual
// fixture are supported here; a real serial driver is a platform
// concern left to a deployment-specific build (§4.2's OpenFunc seam).
func buildTransport(cfg common.ChannelConfig, codec protocol.Codec) (transport.Transport, error) {
	if cfg.Protocol == "virtual" {
		vc, ok := codec.(*virtual.Codec)
		if !ok {
			return nil, fmt.Errorf("virtual protocol requires a *virtual.Codec")
		}
		return &loopbackTransport{codec: vc}, nil
	}

	addr, _ := cfg.Params["addr"].(string)
	if addr == "" {
		return nil, fmt.Errorf("protocol %q requires params.addr", cfg.Protocol)
	}
	dialMs, _ := cfg.Params["dial_timeout_ms"].(float64)
	return transport.NewTCP(addr, time.Duration(dialMs)*time.Millisecond), nil
}

// loopbackTransport feeds virtual.Codec.Serve directly, for channels
// configured with the "virtual" protocol (demos, integration tests
// run against this binary without real hardware).
type loopbackTransport struct {
	codec     *virtual.Codec
	connected bool
	pending   []byte
}

func (l *loopbackTransport) Connect() error    { l.connected = true; return nil }
func (l *loopbackTransport) Disconnect() error { l.connected = false; return nil }
func (l *loopbackTransport) Send(data []byte) (int, error) {
	l.pending = l.codec.Serve(data)
	return len(data), nil
}
func (l *loopbackTransport) Receive(buf []byte, timeout time.Duration) (int, error) {
	return copy(buf, l.pending), nil
}
func (l *loopbackTransport) IsConnected() bool                   { return l.connected }
func (l *loopbackTransport) Diagnostics() map[string]interface{} { return nil }

// --- bootstrap config schema ---

type bootstrapFile struct {
	RTDBURL  string             `json:"rtdb_url"`
	Channels []bootstrapChannel `json:"channels"`
	Rules    []bootstrapRule    `json:"rules"`
}

type bootstrapChannel struct {
	ID       uint16                 `json:"id"`
	Name     string                 `json:"name"`
	Protocol string                 `json:"protocol"`
	Params   map[string]interface{} `json:"params"`
	Points   []bootstrapPoint       `json:"points"`
}

type bootstrapPoint struct {
	PointID       uint32  `json:"point_id"`
	Address       uint32  `json:"address"`
	BitOffset     uint8   `json:"bit_offset"`
	BitLength     uint8   `json:"bit_length"`
	DataType      string  `json:"data_type"`
	ByteOrder     string  `json:"byte_order"`
	Scale         float64 `json:"scale"`
	Offset        float64 `json:"offset"`
	Unit          string  `json:"unit"`
	Access        string  `json:"access"`
	TelemetryType string  `json:"telemetry_type"`
	Slave         int     `json:"slave"`
}

type bootstrapRule struct {
	ID         int64             `json:"id"`
	Enabled    bool              `json:"enabled"`
	Expr       string            `json:"expr"`
	CooldownMs uint64            `json:"cooldown_ms"`
	Trigger    bootstrapTrigger  `json:"trigger"`
	Bindings   map[string]string `json:"bindings"` // var -> "<chan>:<T>:<pid>"
	Actions    []bootstrapAction `json:"actions"`
}

type bootstrapTrigger struct {
	Kind       string   `json:"kind"` // "interval" | "on_change"
	IntervalMs uint64   `json:"interval_ms"`
	Sources    []string `json:"sources"` // "<inst>:<mid>"
}

type bootstrapAction struct {
	TargetID  int64       `json:"target_id"`
	PointType string      `json:"point_type"`
	PointID   uint32      `json:"point_id"`
	Value     interface{} `json:"value"`
}

func loadBootstrap(path string) (*bootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var boot bootstrapFile
	if err := json.Unmarshal(data, &boot); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &boot, nil
}

func (bc bootstrapChannel) toChannelConfig() (common.ChannelConfig, error) {
	cfg := common.ChannelConfig{
		ID:       bc.ID,
		Name:     bc.Name,
		Protocol: bc.Protocol,
		Params:   bc.Params,
		Points:   make(map[uint32]common.PointDef, len(bc.Points)),
	}
	for _, bp := range bc.Points {
		dt, err := common.ParseDataType(bp.DataType)
		if err != nil {
			return cfg, fmt.Errorf("point %d: %w", bp.PointID, err)
		}
		bo, err := common.ParseByteOrder(bp.ByteOrder)
		if err != nil {
			return cfg, fmt.Errorf("point %d: %w", bp.PointID, err)
		}
		access, err := common.ParseAccess(bp.Access)
		if err != nil {
			return cfg, fmt.Errorf("point %d: %w", bp.PointID, err)
		}
		tt, err := common.ParseTelemetryType(bp.TelemetryType)
		if err != nil {
			return cfg, fmt.Errorf("point %d: %w", bp.PointID, err)
		}
		cfg.Points[bp.PointID] = common.PointDef{
			Address:       bp.Address,
			BitOffset:     bp.BitOffset,
			BitLength:     bp.BitLength,
			DataType:      dt,
			ByteOrder:     bo,
			Scale:         bp.Scale,
			Offset:        bp.Offset,
			Unit:          bp.Unit,
			AccessMode:    access,
			TelemetryType: tt,
			Slave:         bp.Slave,
		}
	}
	return cfg, nil
}

func (br bootstrapRule) toRule() (common.Rule, map[string]common.PointID, error) {
	trigger := common.Trigger{Sources: br.Trigger.Sources, IntervalMs: br.Trigger.IntervalMs}
	switch br.Trigger.Kind {
	case "", "interval":
		trigger.Kind = common.TriggerInterval
	case "on_change":
		trigger.Kind = common.TriggerOnChange
	default:
		return common.Rule{}, nil, fmt.Errorf("invalid trigger kind %q", br.Trigger.Kind)
	}

	actions := make([]common.Action, 0, len(br.Actions))
	for _, ba := range br.Actions {
		pt, err := common.ParseTelemetryType(ba.PointType)
		if err != nil {
			return common.Rule{}, nil, fmt.Errorf("action: %w", err)
		}
		actions = append(actions, common.Action{
			TargetID:  ba.TargetID,
			PointType: pt,
			PointID:   ba.PointID,
			Value:     ba.Value,
		})
	}

	bindings := make(map[string]common.PointID, len(br.Bindings))
	for variable, key := range br.Bindings {
		chanID, t, pid, err := rtdb.ParsePointKey(key)
		if err != nil {
			return common.Rule{}, nil, fmt.Errorf("binding %q: %w", variable, err)
		}
		bindings[variable] = common.PointID{ChannelID: chanID, Type: t, PointNo: pid}
	}

	rule := common.Rule{
		ID:         br.ID,
		Enabled:    br.Enabled,
		Trigger:    trigger,
		CooldownMs: br.CooldownMs,
		Actions:    actions,
		Expr:       br.Expr,
	}
	return rule, bindings, nil
}
