package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/moot-dev/moot/internal/agent"
	"github.com/moot-dev/moot/internal/capability"
	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/manager"
	"github.com/moot-dev/moot/internal/message"
	"github.com/moot-dev/moot/internal/registry"
	"github.com/moot-dev/moot/internal/store"
	"github.com/moot-dev/moot/internal/task"
)

func proposer(id string) *agent.Func {
	return &agent.Func{
		AgentID: id,
		Handler: func(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
			key := "proposal"
			if env.Kind == message.KindRevisionRequest {
				key = "revised_proposal"
			}
			return env.Reply(id, message.KindProposal, map[string]any{key: id + " solution"})
		},
	}
}

func critic(id string) *agent.Func {
	return &agent.Func{
		AgentID: id,
		Handler: func(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
			return env.Reply(id, message.KindCritique, map[string]any{"critique": "needs work"})
		},
	}
}

func newTestServer(t *testing.T, auth string) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "moot.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	roster := []struct {
		a    agent.Agent
		caps map[string][]string
	}{
		{proposer("p1"), map[string][]string{"roles": {"proposer"}}},
		{critic("c1"), map[string][]string{"roles": {"critic"}}},
	}
	for _, r := range roster {
		if err := reg.Register(r.a, capability.FromStrings(r.caps)); err != nil {
			t.Fatalf("register %s: %v", r.a.ID(), err)
		}
	}

	defaults := config.IterationConfig{
		Anonymize:    true,
		AgentTimeout: time.Second,
		Concurrency:  4,
		RoundCeiling: 20,
		TaskBudget:   10 * time.Second,
		Strategy:     "max_rounds",
		MaxRounds:    1,
	}
	mgr := manager.New(reg, nil, st, nil, defaults, nil)

	srv := NewServer(st, nil, mgr, reg, config.WebConfig{Port: 0, Auth: auth}, nil, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, ts := newTestServer(t, "")

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	code := postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"description": "summarize the report",
		"input":       map[string]any{"report": "quarterly numbers"},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.ID == "" {
		t.Fatal("expected a task id")
	}

	srv.manager.Wait()

	var status struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, ts.URL+"/api/tasks/"+created.ID+"/status", &status); code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", code)
	}
	if status.Status != "completed" {
		t.Errorf("expected status 'completed', got %q", status.Status)
	}

	var result struct {
		Result map[string]any `json:"result"`
	}
	getJSON(t, ts.URL+"/api/tasks/"+created.ID+"/result", &result)
	if result.Result["proposal"] != "p1 solution" {
		t.Errorf("unexpected result: %v", result.Result)
	}

	var history []map[string]any
	getJSON(t, ts.URL+"/api/tasks/"+created.ID+"/history", &history)
	if len(history) != 1 {
		t.Fatalf("expected 1 round of history, got %d", len(history))
	}
}

func TestTaskValidationErrors(t *testing.T) {
	_, ts := newTestServer(t, "")

	if code := postJSON(t, ts.URL+"/api/tasks", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Errorf("missing description: expected 400, got %d", code)
	}

	// No agent satisfies this requirement, so allocation fails.
	var failed struct {
		Error string `json:"error"`
		ID    string `json:"id"`
	}
	code := postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"description":  "impossible",
		"requirements": map[string]any{"proposer": map[string]any{"roles": []string{"astronaut"}}},
	}, &failed)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
	if failed.ID == "" {
		t.Error("failed submission should still return the task id")
	}
}

func TestTaskNotFound(t *testing.T) {
	_, ts := newTestServer(t, "")
	if code := getJSON(t, ts.URL+"/api/tasks/nope", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "")

	var agents []struct {
		ID           string              `json:"id"`
		Capabilities map[string][]string `json:"capabilities"`
	}
	getJSON(t, ts.URL+"/api/agents", &agents)
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].ID != "c1" || agents[1].ID != "p1" {
		t.Errorf("expected sorted ids [c1 p1], got [%s %s]", agents[0].ID, agents[1].ID)
	}

	if code := getJSON(t, ts.URL+"/api/agents/ghost", nil); code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", code)
	}
}

func TestScheduleCRUDOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, "")

	var created store.Schedule
	code := postJSON(t, ts.URL+"/api/schedules", map[string]any{
		"name":        "daily review",
		"schedule":    "0 9 * * *",
		"description": "review yesterday's output",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Status != "active" {
		t.Errorf("expected status 'active', got %q", created.Status)
	}
	if created.NextRunAt == nil {
		t.Error("expected next_run_at to be computed")
	}

	// The bare cron string is wrapped into the JSON spec form.
	var spec struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(created.Schedule), &spec); err != nil || spec.Kind != "cron" {
		t.Errorf("schedule not normalized: %q", created.Schedule)
	}

	// Pause it.
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/schedules/"+created.ID,
		bytes.NewReader([]byte(`{"enabled":false}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var updated store.Schedule
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	resp.Body.Close()
	if updated.Status != "paused" {
		t.Errorf("expected 'paused', got %q", updated.Status)
	}
	if updated.NextRunAt != nil {
		t.Error("paused schedule should have no next run")
	}

	// Delete it.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/schedules/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if code := getJSON(t, ts.URL+"/api/schedules/"+created.ID, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, ts := newTestServer(t, "")
	code := postJSON(t, ts.URL+"/api/schedules", map[string]any{
		"name":        "bad",
		"schedule":    "not a cron",
		"description": "broken",
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	srv, ts := newTestServer(t, "")

	var created struct {
		ID string `json:"id"`
	}
	postJSON(t, ts.URL+"/api/tasks", map[string]any{"description": "archive me"}, &created)
	srv.manager.Wait()

	var records []store.TaskRecord
	getJSON(t, ts.URL+"/api/archive", &records)
	if len(records) != 1 || records[0].ID != created.ID {
		t.Fatalf("expected archived record for %s, got %v", created.ID, records)
	}

	var archived struct {
		Task   store.TaskRecord  `json:"task"`
		Rounds []task.RoundEntry `json:"rounds"`
	}
	if code := getJSON(t, ts.URL+"/api/archive/"+created.ID, &archived); code != http.StatusOK {
		t.Fatalf("archive detail returned %d", code)
	}
	if archived.Task.Status != "completed" {
		t.Errorf("expected archived status 'completed', got %q", archived.Task.Status)
	}
	if len(archived.Rounds) != 1 {
		t.Errorf("expected 1 archived round, got %d", len(archived.Rounds))
	}
}

func TestBasicAuthGuard(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/tasks", nil)
	req.SetBasicAuth("", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with auth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with credentials, got %d", resp.StatusCode)
	}
}
