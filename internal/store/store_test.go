package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{
		ID:           "prop-1",
		Kind:         "remote",
		Capabilities: map[string][]string{"roles": {"proposer"}},
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if got := agents[0].Capabilities["roles"]; len(got) != 1 || got[0] != "proposer" {
		t.Errorf("capabilities round-trip failed: %v", agents[0].Capabilities)
	}

	// Upsert updates in place.
	a.Capabilities["roles"] = append(a.Capabilities["roles"], "critic")
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	agents, _ = s.ListAgents()
	if len(agents) != 1 || len(agents[0].Capabilities["roles"]) != 2 {
		t.Errorf("upsert failed: %+v", agents)
	}

	// Roster sync drops everything not listed.
	_ = s.SaveAgent(&Agent{ID: "prop-2", Kind: "remote"})
	_ = s.SaveAgent(&Agent{ID: "stale", Kind: "remote"})
	if err := s.DeleteAgentsNotIn([]string{"prop-1", "prop-2"}); err != nil {
		t.Fatalf("delete agents not in: %v", err)
	}
	agents, _ = s.ListAgents()
	if len(agents) != 2 {
		t.Errorf("expected 2 agents after sync, got %d", len(agents))
	}
}

func TestTaskRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	rec := &TaskRecord{
		ID:          "task-1",
		Description: "write a summary",
		Input:       map[string]any{"source": "report.txt"},
		Requirements: map[string]any{
			"proposer": map[string]any{"roles": []any{"proposer"}},
		},
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveTaskRecord(rec); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := s.GetTaskRecord("task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.Description != "write a summary" {
		t.Fatalf("task round-trip failed: %+v", got)
	}
	if got.Input["source"] != "report.txt" {
		t.Errorf("input round-trip failed: %v", got.Input)
	}

	// Status update via upsert, completion timestamp included.
	done := time.Now().UTC()
	rec.Status = "completed"
	rec.Rounds = 2
	rec.Result = map[string]any{"proposal": "final text"}
	rec.CompletedAt = &done
	if err := s.SaveTaskRecord(rec); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, _ = s.GetTaskRecord("task-1")
	if got.Status != "completed" || got.Rounds != 2 {
		t.Errorf("update failed: %+v", got)
	}
	if got.Result["proposal"] != "final text" {
		t.Errorf("result round-trip failed: %v", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not persisted")
	}

	// Not found is nil, not an error.
	got, err = s.GetTaskRecord("nonexistent")
	if err != nil || got != nil {
		t.Errorf("expected nil for nonexistent task, got %+v err %v", got, err)
	}

	list, err := s.ListTaskRecords()
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 task, got %d", len(list))
	}
}

func TestRoundsPersistence(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveTaskRecord(&TaskRecord{ID: "task-1", Description: "demo", Status: "running", CreatedAt: time.Now().UTC()})

	entries := []task.RoundEntry{
		{
			Round: 1,
			Proposals: []task.Record{
				{AgentID: "p1", Content: map[string]any{"proposal": "draft"}},
				{AgentID: "p2", Error: "timed out"},
			},
			Critiques: []task.Record{
				{AgentID: "c1", Content: map[string]any{"critique": "too vague"}},
			},
		},
		{
			Round: 2,
			Proposals: []task.Record{
				{AgentID: "p1", Content: map[string]any{"revised_proposal": "better draft"}},
			},
		},
	}
	for _, e := range entries {
		if err := s.SaveRound("task-1", e); err != nil {
			t.Fatalf("save round %d: %v", e.Round, err)
		}
	}

	got, err := s.GetRounds("task-1")
	if err != nil {
		t.Fatalf("get rounds: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(got))
	}
	if got[0].Round != 1 || got[1].Round != 2 {
		t.Errorf("rounds out of order: %+v", got)
	}
	if got[0].Proposals[1].Error != "timed out" {
		t.Errorf("failure marker lost: %+v", got[0].Proposals[1])
	}
	if got[0].Critiques[0].Content["critique"] != "too vague" {
		t.Errorf("critique lost: %+v", got[0].Critiques)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	nextRun := now.Add(-1 * time.Minute) // Due now
	sc := &Schedule{
		ID:          "sched-1",
		Name:        "daily digest",
		Schedule:    `{"kind":"interval","interval_ms":60000}`,
		Description: "summarize the day",
		Stopping:    map[string]any{"strategy": "max_rounds", "max_rounds": float64(2)},
		Status:      "active",
		NextRunAt:   &nextRun,
	}
	if err := s.SaveSchedule(sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Name != "daily digest" {
		t.Errorf("expected 'daily digest', got '%s'", got.Name)
	}
	if got.Stopping["strategy"] != "max_rounds" {
		t.Errorf("stopping config lost: %v", got.Stopping)
	}

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("get due schedules: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected 1 due schedule, got %d", len(due))
	}

	// Pause removes it from the due set.
	_ = s.UpdateScheduleStatus("sched-1", "paused")
	due, _ = s.GetDueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due schedules after pause, got %d", len(due))
	}

	// Run bookkeeping.
	next := now.Add(time.Hour)
	if err := s.UpdateScheduleRun("sched-1", "submitted", "", &next); err != nil {
		t.Fatalf("update schedule run: %v", err)
	}
	got, _ = s.GetSchedule("sched-1")
	if got.LastStatus != "submitted" || got.NextRunAt == nil {
		t.Errorf("run bookkeeping failed: %+v", got)
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if got, _ := s.GetSchedule("sched-1"); got != nil {
		t.Error("schedule still present after delete")
	}
}
