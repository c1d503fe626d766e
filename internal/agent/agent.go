// Package agent defines the boundary between the orchestrator and the
// workers it coordinates. Agent logic is opaque: given a typed request
// envelope, produce a typed response or fail.
package agent

import (
	"context"

	"github.com/moot-dev/moot/internal/message"
)

// Agent is an addressable worker. Process handles one envelope and
// returns the reply, or nil when the envelope needs no response.
// Callers enforce per-call timeouts through ctx.
type Agent interface {
	ID() string
	Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error)
}

// Func adapts a function to the Agent interface. Used for in-process
// agents and throughout the tests.
type Func struct {
	AgentID string
	Handler func(ctx context.Context, env *message.Envelope) (*message.Envelope, error)
}

func (f *Func) ID() string { return f.AgentID }

func (f *Func) Process(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	return f.Handler(ctx, env)
}
