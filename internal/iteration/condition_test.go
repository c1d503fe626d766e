package iteration

import (
	"errors"
	"testing"

	"github.com/moot-dev/moot/internal/task"
)

func roundWithProposal(n int, text string) task.RoundEntry {
	return task.RoundEntry{
		Round: n,
		Proposals: []task.Record{
			{AgentID: "a", Content: map[string]any{"proposal": text}},
		},
	}
}

func TestMaxRoundsValidation(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		if _, err := NewMaxRounds(n); !errors.Is(err, ErrConfiguration) {
			t.Errorf("NewMaxRounds(%d): got %v, want ErrConfiguration", n, err)
		}
	}
}

func TestMaxRoundsBoundaries(t *testing.T) {
	for _, limit := range []int{1, 5, 100} {
		cond, err := NewMaxRounds(limit)
		if err != nil {
			t.Fatalf("NewMaxRounds(%d): %v", limit, err)
		}
		for round := 0; round < limit; round++ {
			if cond.Check(State{Round: round}) {
				t.Errorf("limit %d: check true at round %d", limit, round)
			}
		}
		if !cond.Check(State{Round: limit}) {
			t.Errorf("limit %d: check false at round %d", limit, limit)
		}
		if !cond.Check(State{Round: limit + 1}) {
			t.Errorf("limit %d: check false past the limit", limit)
		}
	}
}

func TestConvergenceValidation(t *testing.T) {
	for _, th := range []float64{-0.1, 1.1, 2} {
		if _, err := NewConvergence(th, nil); !errors.Is(err, ErrConfiguration) {
			t.Errorf("NewConvergence(%v): got %v, want ErrConfiguration", th, err)
		}
	}
	if _, err := NewConvergence(0, nil); err != nil {
		t.Errorf("threshold 0 is valid: %v", err)
	}
	if _, err := NewConvergence(1, nil); err != nil {
		t.Errorf("threshold 1 is valid: %v", err)
	}
}

func TestConvergenceNeedsTwoRounds(t *testing.T) {
	cond, err := NewConvergence(0.5, nil)
	if err != nil {
		t.Fatalf("NewConvergence: %v", err)
	}

	if cond.Check(State{Round: 0}) {
		t.Error("no history must never converge")
	}
	if cond.Check(State{Round: 1, History: []task.RoundEntry{roundWithProposal(1, "x")}}) {
		t.Error("single round must never converge")
	}
}

func TestConvergenceIdenticalTexts(t *testing.T) {
	cond, err := NewConvergence(1, nil)
	if err != nil {
		t.Fatalf("NewConvergence: %v", err)
	}

	history := []task.RoundEntry{
		roundWithProposal(1, "the answer is 42"),
		roundWithProposal(2, "the answer is 42"),
	}
	if !cond.Check(State{Round: 2, History: history}) {
		t.Error("byte-identical proposals must converge even at threshold 1")
	}
}

func TestConvergenceMissingProposalNeverConverges(t *testing.T) {
	cond, err := NewConvergence(0, nil)
	if err != nil {
		t.Fatalf("NewConvergence: %v", err)
	}

	history := []task.RoundEntry{
		roundWithProposal(1, "something"),
		{Round: 2, Proposals: []task.Record{{AgentID: "a", Error: "timed out"}}},
	}
	if cond.Check(State{Round: 2, History: history}) {
		t.Error("a round without a usable proposal must not converge, even at threshold 0")
	}
}

func TestConvergenceInjectedScore(t *testing.T) {
	calls := 0
	cond, err := NewConvergence(0.9, func(a, b string) float64 {
		calls++
		return 0.95
	})
	if err != nil {
		t.Fatalf("NewConvergence: %v", err)
	}

	history := []task.RoundEntry{
		roundWithProposal(1, "draft one"),
		roundWithProposal(2, "draft two"),
	}
	if !cond.Check(State{Round: 2, History: history}) {
		t.Error("injected score above threshold must converge")
	}
	if calls != 1 {
		t.Errorf("score function called %d times, want 1", calls)
	}
}

func TestConvergencePrefersRevisedProposal(t *testing.T) {
	cond, err := NewConvergence(1, nil)
	if err != nil {
		t.Fatalf("NewConvergence: %v", err)
	}

	history := []task.RoundEntry{
		roundWithProposal(1, "final text"),
		{Round: 2, Proposals: []task.Record{
			{AgentID: "a", Content: map[string]any{
				"revised_proposal": "final text",
				"proposal":         "stale first draft",
			}},
		}},
	}
	if !cond.Check(State{Round: 2, History: history}) {
		t.Error("revision rounds must compare the revised text")
	}
}

func TestDefaultScore(t *testing.T) {
	if got := DefaultScore("same", "same"); got != 1 {
		t.Errorf("identical texts score %v, want 1", got)
	}
	if got := DefaultScore("", ""); got != 1 {
		t.Errorf("two empty texts score %v, want 1", got)
	}
	got := DefaultScore("aaaa", "aaaaaaaa")
	if got < 0 || got > 1 {
		t.Errorf("score %v outside [0,1]", got)
	}
	if got != 0.5 {
		t.Errorf("length-ratio score = %v, want 0.5", got)
	}
}

func TestNewConditionFactory(t *testing.T) {
	if _, err := NewCondition(Config{Strategy: StrategyMaxRounds, MaxRounds: 3}, nil); err != nil {
		t.Errorf("max_rounds config: %v", err)
	}
	if _, err := NewCondition(Config{Strategy: StrategyConvergence, Threshold: 0.8}, nil); err != nil {
		t.Errorf("convergence config: %v", err)
	}
	if _, err := NewCondition(Config{Strategy: "fancy_ml"}, nil); !errors.Is(err, ErrConfiguration) {
		t.Error("unknown strategy must fail with ErrConfiguration at load time")
	}
	if _, err := NewCondition(Config{Strategy: StrategyMaxRounds, MaxRounds: 0}, nil); !errors.Is(err, ErrConfiguration) {
		t.Error("invalid parameters must fail with ErrConfiguration")
	}
}
