// Package iteration drives the round loop of a task: proposal,
// critique and revision phases, stopping-condition evaluation and
// final result selection.
package iteration

import (
	"errors"
	"fmt"

	"github.com/moot-dev/moot/internal/task"
)

// ErrConfiguration marks invalid stopping-condition parameters or an
// unknown strategy name. Fatal at task submission, never defaulted.
var ErrConfiguration = errors.New("iteration: invalid configuration")

// State is the input to a stopping condition: the completed round
// count, the accumulated history and the task status.
type State struct {
	Round   int
	History []task.RoundEntry
	Status  task.Status
}

// Condition decides whether the loop should halt. Implementations are
// pure functions of the passed state; the only state they hold is
// their own configuration.
type Condition interface {
	Check(s State) bool
}

// ScoreFunc rates the similarity of two proposal texts in [0,1]. The
// built-in heuristic is a placeholder; callers wanting semantic
// convergence inject their own.
type ScoreFunc func(a, b string) float64

// DefaultScore returns 1 for identical texts, otherwise a length-ratio
// similarity.
func DefaultScore(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	return 1 - float64(diff)/float64(max)
}

// MaxRounds halts once the completed round count reaches the limit.
type MaxRounds struct {
	limit int
}

func NewMaxRounds(limit int) (*MaxRounds, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: max rounds must be positive, got %d", ErrConfiguration, limit)
	}
	return &MaxRounds{limit: limit}, nil
}

func (c *MaxRounds) Check(s State) bool {
	return s.Round >= c.limit
}

// Terminal reports the status a satisfied round-count condition
// produces: the task ran to its configured length, it did not
// converge.
func (c *MaxRounds) Terminal() (task.Status, string) {
	return task.StatusCompleted, "round limit reached"
}

// Convergence halts when the primary proposals of the last two rounds
// score at or above the threshold.
type Convergence struct {
	threshold float64
	score     ScoreFunc
}

func NewConvergence(threshold float64, score ScoreFunc) (*Convergence, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: convergence threshold must be in [0,1], got %v", ErrConfiguration, threshold)
	}
	if score == nil {
		score = DefaultScore
	}
	return &Convergence{threshold: threshold, score: score}, nil
}

func (c *Convergence) Check(s State) bool {
	if len(s.History) < 2 {
		return false
	}
	prev := primaryProposalText(s.History[len(s.History)-2])
	last := primaryProposalText(s.History[len(s.History)-1])
	// Missing data never converges.
	if prev == "" || last == "" {
		return false
	}
	return c.score(prev, last) >= c.threshold
}

// primaryProposalText extracts the text of the first usable proposal
// in a round.
func primaryProposalText(entry task.RoundEntry) string {
	for _, p := range entry.Proposals {
		if !p.Valid() {
			continue
		}
		return proposalText(p)
	}
	return ""
}

// proposalText pulls the proposal text out of a record's payload,
// whichever phase produced it.
func proposalText(rec task.Record) string {
	if rec.Content == nil {
		return ""
	}
	if s, ok := rec.Content["revised_proposal"].(string); ok && s != "" {
		return s
	}
	if s, ok := rec.Content["proposal"].(string); ok {
		return s
	}
	return ""
}

// Strategy names the built-in stopping policies.
type Strategy string

const (
	StrategyMaxRounds   Strategy = "max_rounds"
	StrategyConvergence Strategy = "convergence"
)

// Config selects and parameterizes a stopping condition.
type Config struct {
	Strategy  Strategy `json:"strategy" yaml:"strategy"`
	MaxRounds int      `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty"`
	Threshold float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// NewCondition resolves a Config to a built condition. Unknown
// strategies fail here, at load time, not during the loop.
func NewCondition(cfg Config, score ScoreFunc) (Condition, error) {
	switch cfg.Strategy {
	case StrategyMaxRounds:
		return NewMaxRounds(cfg.MaxRounds)
	case StrategyConvergence:
		return NewConvergence(cfg.Threshold, score)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, cfg.Strategy)
	}
}
