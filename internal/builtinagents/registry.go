package builtinagents

import (
	"fmt"
	"sync"

	"github.com/psai-rl/battlecore/internal/protocol"
	"github.com/psai-rl/battlecore/internal/wire"
)

// Factory builds a fresh protocol.Agent instance for one battle side,
// given that side's optional RNG seed.
type Factory func(seed *int64) protocol.Agent

// Registry is a name-keyed lookup of built-in agent factories, mirroring
// kilroy's internal/agent/tool_registry.go ToolRegistry shape (an
// RWMutex-guarded map with Register/lookup methods).
type Registry struct {
	mu        sync.RWMutex
	factories map[wire.AgentType]Factory
}

// NewRegistry builds a Registry pre-populated with the three non-model
// built-in agent types.
func NewRegistry() *Registry {
	r := &Registry{factories: map[wire.AgentType]Factory{}}
	r.Register(wire.AgentRandom, func(seed *int64) protocol.Agent { return NewRandom(seed) })
	r.Register(wire.AgentRandomMove, func(seed *int64) protocol.Agent { return NewRandomMove(seed) })
	r.Register(wire.AgentMaxDamage, func(seed *int64) protocol.Agent { return NewMaxDamage() })
	return r
}

// Register installs or replaces the factory for typ.
func (r *Registry) Register(typ wire.AgentType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build constructs a fresh Agent for typ, or an error if typ is not a
// registered built-in (e.g. wire.AgentModel, which is routed through the
// Agent Bridge instead).
func (r *Registry) Build(typ wire.AgentType, seed *int64) (protocol.Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("builtinagents: no built-in agent registered for type %q", typ)
	}
	return f(seed), nil
}
