package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/message"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/task"
)

// CoordinatorID is the sender id the controller stamps on outbound
// envelopes.
const CoordinatorID = "coordinator"

// Options tune one controller run.
type Options struct {
	// Anonymize hides proposal authorship from critics behind
	// per-round display ids.
	Anonymize bool
	// AgentTimeout bounds each individual agent call.
	AgentTimeout time.Duration
	// Concurrency caps how many agent calls run at once per phase.
	Concurrency int
	// RoundCeiling is the administrative hard bound on rounds,
	// independent of the configured stopping condition.
	RoundCeiling int
}

func (o *Options) defaults() {
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 60 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.RoundCeiling <= 0 {
		o.RoundCeiling = 20
	}
}

// Controller owns one task's round loop. A task has exactly one
// controller; a second concurrent Run on the same instance is a no-op.
type Controller struct {
	task      *task.Task
	proposers []agent.Agent
	critics   []agent.Agent
	cond      Condition
	opts      Options
	logger    *slog.Logger
	events    *natsbus.Client
	onRetire  func(taskID string)

	running atomic.Bool
	// last usable output per proposer, carried into revision rounds
	lastGood map[string]task.Record
}

func NewController(t *task.Task, proposers, critics []agent.Agent, cond Condition, opts Options, logger *slog.Logger, events *natsbus.Client, onRetire func(taskID string)) *Controller {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		task:      t,
		proposers: proposers,
		critics:   critics,
		cond:      cond,
		opts:      opts,
		logger:    logger,
		events:    events,
		onRetire:  onRetire,
		lastGood:  make(map[string]task.Record),
	}
}

// Run drives the loop to a terminal task state. The ctx carries the
// caller's wall-clock budget for the whole task; its expiry stops new
// rounds from starting but does not kill in-flight agent calls beyond
// their own per-call timeout.
func (c *Controller) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("run already in progress, ignoring", "task", c.task.ID())
		return
	}
	defer c.running.Store(false)
	defer func() {
		if c.onRetire != nil {
			c.onRetire(c.task.ID())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("controller fault", "task", c.task.ID(), "panic", r)
			c.task.Fail(fmt.Sprintf("controller fault: %v", r))
			c.publishEvent("task_failed", map[string]any{"error": c.task.ErrDetail()})
		}
	}()

	// Zero-round short-circuit: the condition may fire before round 1.
	if c.cond.Check(State{Round: 0, Status: c.task.Status()}) {
		c.logger.Info("stopping condition satisfied before round 1", "task", c.task.ID())
		c.finish(task.StatusCompleted, "")
		return
	}

	if err := c.task.SetStatus(task.StatusRunning); err != nil {
		c.logger.Error("cannot start task", "task", c.task.ID(), "error", err)
		return
	}
	c.publishEvent("task_started", map[string]any{
		"proposers": agentIDs(c.proposers),
		"critics":   agentIDs(c.critics),
	})

	round := 0
	for {
		if ctx.Err() != nil {
			c.task.FailTimeout("task budget exceeded")
			c.publishEvent("task_failed", map[string]any{"error": c.task.ErrDetail()})
			return
		}

		round++
		c.logger.Info("round started", "task", c.task.ID(), "round", round)
		c.publishEvent("round_started", map[string]any{"round": round})

		proposals, done := c.proposePhase(ctx, round)
		if done {
			return
		}

		var critiques []task.Record
		if len(c.critics) > 0 {
			critiques = c.critiquePhase(ctx, round, proposals)
		}

		c.task.AppendRound(task.RoundEntry{
			Round:     round,
			Proposals: proposals,
			Critiques: critiques,
		})
		c.publishEvent("round_completed", map[string]any{
			"round":     round,
			"proposals": len(proposals),
			"critiques": len(critiques),
		})

		if c.cond.Check(State{Round: round, History: c.task.History(), Status: c.task.Status()}) {
			status, reason := task.StatusConverged, ""
			if tc, ok := c.cond.(interface{ Terminal() (task.Status, string) }); ok {
				status, reason = tc.Terminal()
			}
			c.logger.Info("stopping condition satisfied", "task", c.task.ID(), "round", round)
			c.finish(status, reason)
			return
		}

		if round >= c.opts.RoundCeiling {
			c.logger.Warn("round ceiling reached", "task", c.task.ID(), "round", round)
			c.finish(task.StatusCompleted, "reached maximum rounds")
			return
		}
	}
}

// proposePhase runs the prompt (round 1) or revision (round ≥2)
// fan-out. The bool result is true when the loop must stop: either the
// task reached a terminal state here, or the phase produced nothing
// usable.
func (c *Controller) proposePhase(ctx context.Context, round int) ([]task.Record, bool) {
	var targets []agent.Agent
	var build func(a agent.Agent) (*message.Envelope, error)

	if round == 1 {
		targets = c.proposers
		content := map[string]any{"description": c.task.Description()}
		for k, v := range c.task.Input() {
			content[k] = v
		}
		build = func(a agent.Agent) (*message.Envelope, error) {
			return c.envelope(a.ID(), message.KindTaskPrompt, round, content)
		}
	} else {
		critiqueTexts := c.previousCritiques()
		if len(critiqueTexts) == 0 {
			c.logger.Info("no critiques to revise against, stopping",
				"task", c.task.ID(), "round", round)
			c.finish(task.StatusCompleted, "no critiques to revise against")
			return nil, true
		}

		for _, p := range c.proposers {
			if rec, ok := c.lastGood[p.ID()]; ok && rec.Valid() {
				targets = append(targets, p)
			}
		}
		if len(targets) == 0 {
			c.task.Fail("no proposers eligible for revision")
			c.publishEvent("task_failed", map[string]any{"error": c.task.ErrDetail()})
			return nil, true
		}

		build = func(a agent.Agent) (*message.Envelope, error) {
			return c.envelope(a.ID(), message.KindRevisionRequest, round, map[string]any{
				"last_proposal":             proposalText(c.lastGood[a.ID()]),
				"critiques":                 critiqueTexts,
				"original_task_description": c.task.Description(),
			})
		}
	}

	records := c.gather(ctx, targets, build, message.KindProposal)

	valid := 0
	for _, r := range records {
		if r.Valid() {
			c.lastGood[r.AgentID] = r
			valid++
		}
	}
	if valid == 0 {
		// Preserve what the round produced before failing.
		c.task.AppendRound(task.RoundEntry{Round: round, Proposals: records})
		if ctx.Err() != nil {
			c.task.FailTimeout("task budget exceeded")
		} else {
			c.task.Fail("no valid output this round")
		}
		c.publishEvent("task_failed", map[string]any{"error": c.task.ErrDetail(), "round": round})
		return nil, true
	}
	return records, false
}

// critiquePhase fans a critique request carrying every usable proposal
// of this round out to the eligible critics.
func (c *Controller) critiquePhase(ctx context.Context, round int, proposals []task.Record) []task.Record {
	authors := make(map[string]struct{})
	var listed []map[string]any
	// The display-id to author mapping stays in here; critics only
	// ever see the display ids.
	for _, p := range proposals {
		if !p.Valid() {
			continue
		}
		authors[p.AgentID] = struct{}{}
		entry := map[string]any{"content": proposalText(p)}
		if c.opts.Anonymize {
			entry["display_id"] = displayID(round)
		} else {
			entry["agent_id"] = p.AgentID
		}
		listed = append(listed, entry)
	}

	// Critics never review their own proposal, unless excluding the
	// authors would leave nobody to critique at all.
	var eligible []agent.Agent
	for _, cr := range c.critics {
		if _, isAuthor := authors[cr.ID()]; !isAuthor {
			eligible = append(eligible, cr)
		}
	}
	if len(eligible) == 0 {
		c.logger.Warn("all critics authored proposals this round, keeping full critic set",
			"task", c.task.ID(), "round", round)
		eligible = c.critics
	}

	content := map[string]any{
		"proposals":                 listed,
		"original_task_description": c.task.Description(),
	}
	return c.gather(ctx, eligible, func(a agent.Agent) (*message.Envelope, error) {
		return c.envelope(a.ID(), message.KindCritiqueRequest, round, content)
	}, message.KindCritique)
}

// gather dispatches one call per target concurrently, each under its
// own timeout, and blocks until every call resolves. A reply is valid
// only when its kind matches want; anything else becomes a failure
// record for that agent and never disturbs the sibling calls.
func (c *Controller) gather(ctx context.Context, targets []agent.Agent, build func(a agent.Agent) (*message.Envelope, error), want message.Kind) []task.Record {
	records := make([]task.Record, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, a := range targets {
		g.Go(func() error {
			records[i] = c.call(gctx, a, build, want)
			return nil
		})
	}
	g.Wait()

	for _, r := range records {
		if !r.Valid() {
			c.logger.Warn("agent call failed", "task", c.task.ID(),
				"agent", r.AgentID, "error", r.Error)
		}
	}
	return records
}

func (c *Controller) call(ctx context.Context, a agent.Agent, build func(a agent.Agent) (*message.Envelope, error), want message.Kind) task.Record {
	rec := task.Record{AgentID: a.ID()}

	env, err := build(a)
	if err != nil {
		rec.Error = fmt.Sprintf("build request: %v", err)
		return rec
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.AgentTimeout)
	defer cancel()

	reply, err := a.Process(callCtx, env)
	switch {
	case err != nil:
		rec.Error = err.Error()
	case reply == nil:
		rec.Error = "no response"
	case reply.Kind == message.KindProcessingError:
		detail := reply.Text("error")
		if detail == "" {
			detail = "agent reported a processing error"
		}
		rec.Error = detail
	case reply.Kind != want:
		rec.Error = fmt.Sprintf("unexpected reply kind %s, want %s", reply.Kind, want)
	default:
		rec.Content = reply.Content
	}
	return rec
}

// previousCritiques collects the usable critique texts of the most
// recent round.
func (c *Controller) previousCritiques() []string {
	history := c.task.History()
	if len(history) == 0 {
		return nil
	}
	var texts []string
	for _, cr := range history[len(history)-1].Critiques {
		if !cr.Valid() || cr.Content == nil {
			continue
		}
		if s, ok := cr.Content["critique"].(string); ok && s != "" {
			texts = append(texts, s)
		}
	}
	return texts
}

// finish moves the task to a terminal success state and selects the
// final result: the first usable proposal of the most recent round
// that has one.
func (c *Controller) finish(status task.Status, reason string) {
	history := c.task.History()
	for i := len(history) - 1; i >= 0; i-- {
		if valid := history[i].ValidProposals(); len(valid) > 0 {
			c.task.SetResult(valid[0].Content)
			break
		}
	}

	if err := c.task.SetStatus(status); err != nil {
		c.logger.Error("finish transition rejected", "task", c.task.ID(), "error", err)
		return
	}
	c.logger.Info("task finished", "task", c.task.ID(),
		"status", status, "reason", reason, "rounds", len(history))
	c.publishEvent("task_finished", map[string]any{
		"status": string(status),
		"reason": reason,
		"rounds": len(history),
	})
}

// publishEvent emits a task event on the bus. Safe to call without a
// bus connection.
func (c *Controller) publishEvent(event string, data map[string]any) {
	if c.events == nil {
		return
	}
	payload := map[string]any{
		"event":     event,
		"task_id":   c.task.ID(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		payload[k] = v
	}
	if err := c.events.PublishJSON(natsbus.TopicEventsTask(c.task.ID()), payload); err != nil {
		c.logger.Warn("publish event failed", "event", event, "error", err)
	}
}

func (c *Controller) envelope(to string, kind message.Kind, round int, content map[string]any) (*message.Envelope, error) {
	// Targets of one phase share the content the caller built; each
	// envelope gets its own map so an agent mutating its request
	// payload cannot disturb a sibling dispatched concurrently.
	cp := make(map[string]any, len(content))
	for k, v := range content {
		cp[k] = v
	}
	env, err := message.New(CoordinatorID, []string{to}, kind, cp)
	if err != nil {
		return nil, err
	}
	env.TaskID = c.task.ID()
	env.Round = round
	env.ReplyTo = CoordinatorID
	return env, nil
}

// displayID generates the opaque per-round id a proposal is shown
// under when authorship is hidden.
func displayID(round int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("proposal_%d_%s", round, hex)
}

func agentIDs(agents []agent.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID()
	}
	return out
}
