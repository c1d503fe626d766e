// Package manager owns task submission and the lifecycle of the
// controllers running them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/iteration"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/registry"
	"github.com/moot-dev/moot/internal/store"
	"github.com/moot-dev/moot/internal/task"
)

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = errors.New("manager: task not found")

// SubmitRequest carries everything a task submission needs. A nil
// Stopping uses the configured default policy.
type SubmitRequest struct {
	Description  string
	Input        map[string]any
	Requirements task.Requirements
	Stopping     *iteration.Config
}

// Manager tracks every submitted task and enforces the one active
// controller per task invariant.
type Manager struct {
	registry *registry.Registry
	alloc    task.Allocator
	store    *store.Store
	events   *natsbus.Client
	logger   *slog.Logger
	defaults config.IterationConfig
	score    iteration.ScoreFunc

	mu      sync.Mutex
	tasks   map[string]*task.Task
	active  map[string]*iteration.Controller
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, alloc task.Allocator, st *store.Store, events *natsbus.Client, defaults config.IterationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if alloc == nil {
		alloc = task.NewCapabilityAllocator(logger)
	}
	return &Manager{
		registry: reg,
		alloc:    alloc,
		store:    st,
		events:   events,
		logger:   logger,
		defaults: defaults,
		tasks:    make(map[string]*task.Task),
		active:   make(map[string]*iteration.Controller),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetScoreFunc injects the similarity scorer used by convergence
// stopping conditions. Must be called before submissions.
func (m *Manager) SetScoreFunc(f iteration.ScoreFunc) { m.score = f }

// Submit creates a task, allocates its agents, resolves its stopping
// policy and launches its controller under the configured wall-clock
// budget. Allocation and configuration failures are fatal: the task is
// recorded as failed and the error surfaces to the caller.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	if req.Description == "" {
		return "", fmt.Errorf("submit: empty description")
	}

	t := task.New(req.Description, req.Input, req.Requirements)
	m.mu.Lock()
	m.tasks[t.ID()] = t
	m.mu.Unlock()

	stopCfg := m.stoppingConfig(req.Stopping)
	cond, err := iteration.NewCondition(stopCfg, m.score)
	if err != nil {
		t.Fail(err.Error())
		m.persist(t)
		return t.ID(), err
	}

	proposers, critics, err := m.alloc.Allocate(t, m.registry.All())
	if err != nil {
		t.Fail(err.Error())
		m.persist(t)
		return t.ID(), err
	}

	ctrl := iteration.NewController(t, agents(proposers), agents(critics), cond,
		iteration.Options{
			Anonymize:    m.defaults.Anonymize,
			AgentTimeout: m.defaults.AgentTimeout,
			Concurrency:  m.defaults.Concurrency,
			RoundCeiling: m.defaults.RoundCeiling,
		}, m.logger, m.events, m.retire)

	budget := m.defaults.TaskBudget
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)

	m.mu.Lock()
	m.active[t.ID()] = ctrl
	m.cancels[t.ID()] = cancel
	m.mu.Unlock()

	m.persist(t)
	m.logger.Info("task submitted", "task", t.ID(),
		"proposers", len(proposers), "critics", len(critics), "strategy", stopCfg.Strategy)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		ctrl.Run(ctx)
		m.persist(t)
		m.persistHistory(t)
	}()

	return t.ID(), nil
}

// retire is invoked by a controller when it exits; it drops the live
// controller entry so the task can never be driven twice.
func (m *Manager) retire(taskID string) {
	m.mu.Lock()
	delete(m.active, taskID)
	cancel, ok := m.cancels[taskID]
	delete(m.cancels, taskID)
	m.mu.Unlock()

	if ok {
		cancel()
	}
	m.logger.Debug("controller retired", "task", taskID)
}

// Status reports the task's current state.
func (m *Manager) Status(id string) (task.Status, error) {
	t, err := m.get(id)
	if err != nil {
		return "", err
	}
	return t.Status(), nil
}

// Result returns the final payload, or nil while the task has not
// finished successfully.
func (m *Manager) Result(id string) (map[string]any, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	switch t.Status() {
	case task.StatusCompleted, task.StatusConverged:
		return t.Result(), nil
	}
	return nil, nil
}

// History returns the task's round history so far. Partial history
// survives failure.
func (m *Manager) History(id string) ([]task.RoundEntry, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return t.History(), nil
}

// Get returns a read-only snapshot of the task.
func (m *Manager) Get(id string) (task.Snapshot, error) {
	t, err := m.get(id)
	if err != nil {
		return task.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// List returns snapshots of every known task, newest first.
func (m *Manager) List() []task.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]task.Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveCount reports how many controllers are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every launched controller has exited. Used on
// shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) get(id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// stoppingConfig merges a per-task stopping policy over the configured
// defaults.
func (m *Manager) stoppingConfig(override *iteration.Config) iteration.Config {
	if override != nil {
		return *override
	}
	return iteration.Config{
		Strategy:  iteration.Strategy(m.defaults.Strategy),
		MaxRounds: m.defaults.MaxRounds,
		Threshold: m.defaults.Threshold,
	}
}

func (m *Manager) persist(t *task.Task) {
	if m.store == nil {
		return
	}
	s := t.Snapshot()
	req := t.Requirements()
	rec := &store.TaskRecord{
		ID:          s.ID,
		Description: s.Description,
		Input:       t.Input(),
		Requirements: map[string]any{
			"proposer": capsToAny(req.Proposer.ToLists()),
			"critic":   capsToAny(req.Critic.ToLists()),
		},
		Status:      string(s.Status),
		Rounds:      s.Rounds,
		Result:      s.Result,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
	if err := m.store.SaveTaskRecord(rec); err != nil {
		m.logger.Error("persist task failed", "task", s.ID, "error", err)
	}
}

func (m *Manager) persistHistory(t *task.Task) {
	if m.store == nil {
		return
	}
	for _, entry := range t.History() {
		if err := m.store.SaveRound(t.ID(), entry); err != nil {
			m.logger.Error("persist round failed", "task", t.ID(), "round", entry.Round, "error", err)
		}
	}
}

func agents(ds []*registry.Descriptor) []agent.Agent {
	out := make([]agent.Agent, len(ds))
	for i, d := range ds {
		out[i] = d.Agent
	}
	return out
}

func capsToAny(in map[string][]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
