package protocol

import (
	"fmt"

	"github.com/voltageems/core/protocol/can"
	"github.com/voltageems/core/protocol/iec104"
	"github.com/voltageems/core/protocol/modbus"
	"github.com/voltageems/core/protocol/virtual"
)

// Registry resolves a ChannelConfig.Protocol string to a Codec
// constructor, per original_source's plugin_registry.rs: protocol
// plugins are looked up by a string key rather than wired by hand at
// each call site.
type Registry struct {
	factories map[string]func() Codec
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func() Codec)}
	r.Register("modbus-tcp", func() Codec { return modbus.NewTCP() })
	r.Register("modbus-rtu", func() Codec { return modbus.NewRTU() })
	r.Register("iec104", func() Codec { return iec104.NewCodec() })
	r.Register("can", func() Codec { return can.NewCodec(can.Standard) })
	r.Register("virtual", func() Codec { return virtual.NewCodec(virtual.NewStore()) })
	return r
}

func (r *Registry) Register(key string, factory func() Codec) {
	r.factories[key] = factory
}

func (r *Registry) New(key string) (Codec, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown protocol key %q", key)
	}
	return f(), nil
}
