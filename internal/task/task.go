// Package task holds the task record, its lifecycle state machine and
// the allocation strategies matching agents to task roles.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moot-dev/moot/internal/capability"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusConverged     Status = "converged"
	StatusFailed        Status = "failed"
	StatusFailedTimeout Status = "failed_timeout"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusConverged, StatusFailed, StatusFailedTimeout:
		return true
	}
	return false
}

// Requirements declares the capability sets a task demands from each
// role.
type Requirements struct {
	Proposer capability.Set
	Critic   capability.Set
}

// Record is one agent's contribution in a round. A non-empty Error
// marks a per-agent failure; Content is then empty.
type Record struct {
	AgentID string         `json:"agent_id"`
	Content map[string]any `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Valid reports whether the record carries usable output.
func (r Record) Valid() bool { return r.Error == "" }

// RoundEntry captures one completed round. Entries are append-only and
// never mutated after being added to the history.
type RoundEntry struct {
	Round     int      `json:"round"`
	Proposals []Record `json:"proposals"`
	Critiques []Record `json:"critiques"`
}

// ValidProposals returns the proposals that carry usable output, in
// their recorded order.
func (e RoundEntry) ValidProposals() []Record {
	var out []Record
	for _, p := range e.Proposals {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

// Task is the record for one unit of work. The running controller is
// its only writer; everyone else reads snapshots.
type Task struct {
	mu sync.Mutex

	id           string
	description  string
	input        map[string]any
	requirements Requirements

	status      Status
	history     []RoundEntry
	result      map[string]any
	errDetail   string
	createdAt   time.Time
	completedAt time.Time
}

// New creates a task in the pending state.
func New(description string, input map[string]any, req Requirements) *Task {
	return &Task{
		id:           uuid.NewString(),
		description:  description,
		input:        input,
		requirements: req,
		status:       StatusPending,
		createdAt:    time.Now().UTC(),
	}
}

func (t *Task) ID() string                 { return t.id }
func (t *Task) Description() string        { return t.description }
func (t *Task) Input() map[string]any      { return t.input }
func (t *Task) Requirements() Requirements { return t.requirements }
func (t *Task) CreatedAt() time.Time       { return t.createdAt }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the task. Transitions out of a terminal state
// are rejected; entering a terminal state stamps CompletedAt.
func (t *Task) SetStatus(s Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return fmt.Errorf("task %s: cannot leave terminal state %s", t.id, t.status)
	}
	t.status = s
	if s.Terminal() {
		t.completedAt = time.Now().UTC()
	}
	return nil
}

// Fail moves the task to failed with detail, unless it is already
// terminal.
func (t *Task) Fail(detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}
	t.status = StatusFailed
	t.errDetail = detail
	t.completedAt = time.Now().UTC()
}

// FailTimeout marks the task failed_timeout if it is still running.
func (t *Task) FailTimeout(detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning {
		return
	}
	t.status = StatusFailedTimeout
	t.errDetail = detail
	t.completedAt = time.Now().UTC()
}

// AppendRound appends a completed round to the history.
func (t *Task) AppendRound(entry RoundEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, entry)
}

// History returns a copy of the round history. Partial history is kept
// on failure, never discarded.
func (t *Task) History() []RoundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RoundEntry(nil), t.history...)
}

// Rounds reports the number of completed rounds.
func (t *Task) Rounds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

func (t *Task) SetResult(result map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
}

func (t *Task) Result() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) ErrDetail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errDetail
}

func (t *Task) CompletedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedAt
}

// Snapshot is a read-only view of the task for external callers.
type Snapshot struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	Rounds      int            `json:"rounds"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ID:          t.id,
		Description: t.description,
		Status:      t.status,
		Rounds:      len(t.history),
		Result:      t.result,
		Error:       t.errDetail,
		CreatedAt:   t.createdAt,
	}
	if !t.completedAt.IsZero() {
		done := t.completedAt
		s.CompletedAt = &done
	}
	return s
}
