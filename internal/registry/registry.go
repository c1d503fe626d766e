// Package registry tracks known agents and their declared capability
// sets. It is the single agent directory: the allocator and the
// delivery channel both receive it explicitly at construction.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/capability"
)

var (
	ErrDuplicateID = errors.New("registry: agent id already registered")
	ErrNotFound    = errors.New("registry: agent not found")
)

// Descriptor pairs a registered agent with its capability set. The
// identifier is immutable for the agent's lifetime; the capability set
// may only grow through Extend.
type Descriptor struct {
	Agent        agent.Agent
	Capabilities capability.Set
}

// Registry is safe for concurrent readers; writes are serialized.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Descriptor
}

func New() *Registry {
	return &Registry{agents: make(map[string]*Descriptor)}
}

// Register adds an agent under its id.
func (r *Registry) Register(a agent.Agent, caps capability.Set) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, ok := r.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if caps == nil {
		caps = capability.Set{}
	}
	r.agents[id] = &Descriptor{Agent: a, Capabilities: caps.Clone()}
	return nil
}

// Unregister removes an agent by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.agents, id)
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return snapshot(d), true
}

// Extend merges caps into the agent's capability set. Existing keys
// are unioned with the new values, never overwritten.
func (r *Registry) Extend(id string, caps capability.Set) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Capabilities.Merge(caps)
	return nil
}

// Query returns every agent whose capability set declares key with at
// least one of the wanted values.
func (r *Registry) Query(key string, values ...string) []*Descriptor {
	req := capability.FromStrings(map[string][]string{key: values})
	return r.Select(req)
}

// Select returns every agent whose capability set satisfies req. An
// empty req selects all agents. Results are ordered by agent id.
func (r *Registry) Select(req capability.Set) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, d := range r.agents {
		if d.Capabilities.Matches(req) {
			out = append(out, snapshot(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.ID() < out[j].Agent.ID() })
	return out
}

// All returns every registered descriptor ordered by agent id.
func (r *Registry) All() []*Descriptor {
	return r.Select(nil)
}

// IDs returns the sorted ids of all registered agents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// snapshot copies the descriptor so callers never share the mutable
// capability map with the registry.
func snapshot(d *Descriptor) *Descriptor {
	return &Descriptor{Agent: d.Agent, Capabilities: d.Capabilities.Clone()}
}
