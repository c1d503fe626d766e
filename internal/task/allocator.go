package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moot-dev/moot/internal/capability"
	"github.com/moot-dev/moot/internal/registry"
)

// ErrAllocation means no eligible proposer exists. Fatal to the task.
var ErrAllocation = errors.New("allocate: no eligible proposer")

// Allocator selects the proposer and critic sets for a task from a
// candidate pool.
type Allocator interface {
	Allocate(t *Task, candidates []*registry.Descriptor) (proposers, critics []*registry.Descriptor, err error)
}

// defaultCriticReq is used when a task declares no critic requirement.
var defaultCriticReq = capability.FromStrings(map[string][]string{"roles": {"critic"}})

// CapabilityAllocator matches candidates against the task's declared
// capability requirements.
type CapabilityAllocator struct {
	logger *slog.Logger
}

func NewCapabilityAllocator(logger *slog.Logger) *CapabilityAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityAllocator{logger: logger}
}

// Allocate returns proposers matching the proposer requirement (empty
// requirement matches everyone) and critics matching the critic
// requirement (defaulting to roles containing "critic"), excluding
// proposers. When exclusion would leave no critic, the pre-exclusion
// critic set is kept: proposers critique their own round, a degraded
// mode that is logged, not an error. No proposer at all is fatal.
func (a *CapabilityAllocator) Allocate(t *Task, candidates []*registry.Descriptor) ([]*registry.Descriptor, []*registry.Descriptor, error) {
	req := t.Requirements()

	var proposers []*registry.Descriptor
	for _, c := range candidates {
		if c.Capabilities.Matches(req.Proposer) {
			proposers = append(proposers, c)
		}
	}
	if len(proposers) == 0 {
		return nil, nil, fmt.Errorf("%w: task %s", ErrAllocation, t.ID())
	}

	criticReq := req.Critic
	if len(criticReq) == 0 {
		criticReq = defaultCriticReq
	}

	var criticPool []*registry.Descriptor
	for _, c := range candidates {
		if c.Capabilities.Matches(criticReq) {
			criticPool = append(criticPool, c)
		}
	}

	proposerIDs := make(map[string]struct{}, len(proposers))
	for _, p := range proposers {
		proposerIDs[p.Agent.ID()] = struct{}{}
	}

	var critics []*registry.Descriptor
	for _, c := range criticPool {
		if _, overlap := proposerIDs[c.Agent.ID()]; !overlap {
			critics = append(critics, c)
		}
	}
	if len(critics) == 0 && len(criticPool) > 0 {
		a.logger.Warn("critic pool fully overlaps proposers, proposers will critique their own round",
			"task", t.ID(), "critics", len(criticPool))
		critics = criticPool
	}

	return proposers, critics, nil
}

// RoundRobinAllocator rotates proposer duty through the candidate pool
// on each allocation; the remaining candidates act as critics. It
// exists to prove the allocation contract is policy-replaceable.
type RoundRobinAllocator struct {
	mu        sync.Mutex
	next      int
	Proposers int // proposers per task, minimum 1
}

func (a *RoundRobinAllocator) Allocate(t *Task, candidates []*registry.Descriptor) ([]*registry.Descriptor, []*registry.Descriptor, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: task %s", ErrAllocation, t.ID())
	}

	n := a.Proposers
	if n < 1 {
		n = 1
	}
	if n > len(candidates) {
		n = len(candidates)
	}

	a.mu.Lock()
	start := a.next % len(candidates)
	a.next++
	a.mu.Unlock()

	var proposers, critics []*registry.Descriptor
	for i := range candidates {
		c := candidates[(start+i)%len(candidates)]
		if i < n {
			proposers = append(proposers, c)
		} else {
			critics = append(critics, c)
		}
	}
	if len(critics) == 0 {
		critics = proposers
	}
	return proposers, critics, nil
}
