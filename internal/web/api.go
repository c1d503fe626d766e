package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moot-dev/moot/internal/capability"
	"github.com/moot-dev/moot/internal/iteration"
	"github.com/moot-dev/moot/internal/manager"
	"github.com/moot-dev/moot/internal/schedule"
	"github.com/moot-dev/moot/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/status", s.getTaskStatus)
	mux.HandleFunc("GET /api/tasks/{id}/result", s.getTaskResult)
	mux.HandleFunc("GET /api/tasks/{id}/history", s.getTaskHistory)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Archive (finished tasks persisted across restarts)
	mux.HandleFunc("GET /api/archive", s.listArchive)
	mux.HandleFunc("GET /api/archive/{id}", s.getArchived)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type taskRequest struct {
	Description  string         `json:"description"`
	Input        map[string]any `json:"input,omitempty"`
	Requirements struct {
		Proposer map[string]any `json:"proposer,omitempty"`
		Critic   map[string]any `json:"critic,omitempty"`
	} `json:"requirements"`
	Stopping *iteration.Config `json:"stopping,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body taskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Description == "" {
		jsonError(w, "description is required", http.StatusBadRequest)
		return
	}

	req := manager.SubmitRequest{
		Description: body.Description,
		Input:       body.Input,
		Stopping:    body.Stopping,
	}
	if len(body.Requirements.Proposer) > 0 {
		set, err := capability.FromAny(body.Requirements.Proposer)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid proposer requirements: %v", err), http.StatusBadRequest)
			return
		}
		req.Requirements.Proposer = set
	}
	if len(body.Requirements.Critic) > 0 {
		set, err := capability.FromAny(body.Requirements.Critic)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid critic requirements: %v", err), http.StatusBadRequest)
			return
		}
		req.Requirements.Critic = set
	}

	id, err := s.manager.Submit(req)
	if err != nil {
		// The task id is still returned so the caller can inspect the
		// failed record.
		jsonErrorWithID(w, err.Error(), id, http.StatusUnprocessableEntity)
		return
	}

	snap, err := s.manager.Get(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponseStatus(w, snap, http.StatusCreated)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.List())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"id": r.PathValue("id"), "status": status})
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.manager.Result(id)
	if err != nil {
		s.taskError(w, err)
		return
	}
	status, _ := s.manager.Status(id)
	jsonResponse(w, map[string]any{"id": id, "status": status, "result": result})
}

func (s *Server) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.manager.History(r.PathValue("id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	jsonResponse(w, history)
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrTaskNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, s.registry.Len())
	for _, d := range s.registry.All() {
		out = append(out, map[string]any{
			"id":           d.Agent.ID(),
			"capabilities": d.Capabilities.ToLists(),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.registry.Lookup(id)
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{
		"id":           d.Agent.ID(),
		"capabilities": d.Capabilities.ToLists(),
	})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, schedules)
}

type scheduleRequest struct {
	Name         string         `json:"name"`
	Schedule     string         `json:"schedule"`
	Description  string         `json:"description"`
	Input        map[string]any `json:"input,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Stopping     map[string]any `json:"stopping,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Description == "" {
		jsonError(w, "name, schedule, and description are required", http.StatusBadRequest)
		return
	}

	// Bare cron strings are accepted and wrapped.
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sc := store.Schedule{
		ID:           uuid.New().String(),
		Name:         body.Name,
		Schedule:     normalized,
		Description:  body.Description,
		Input:        body.Input,
		Requirements: body.Requirements,
		Stopping:     body.Stopping,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	if status == "active" {
		sc.NextRunAt = schedule.NextRunString(normalized, time.Now())
	}

	if err := s.store.SaveSchedule(&sc); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponseStatus(w, sc, http.StatusCreated)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sc == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sc)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name         *string        `json:"name"`
		Schedule     *string        `json:"schedule"`
		Description  *string        `json:"description"`
		Input        map[string]any `json:"input"`
		Requirements map[string]any `json:"requirements"`
		Stopping     map[string]any `json:"stopping"`
		Enabled      *bool          `json:"enabled"`
		Status       *string        `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Description != nil {
		existing.Description = *body.Description
	}
	if body.Input != nil {
		existing.Input = body.Input
	}
	if body.Requirements != nil {
		existing.Requirements = body.Requirements
	}
	if body.Stopping != nil {
		existing.Stopping = body.Stopping
	}

	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRunString(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, existing)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListTaskRecords()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, records)
}

func (s *Server) getArchived(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, err := s.store.GetTaskRecord(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if record == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	rounds, err := s.store.GetRounds(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"task": record, "rounds": rounds})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"agents":       s.registry.Len(),
		"active_tasks": s.manager.ActiveCount(),
		"uptime":       formatUptime(time.Since(s.startedAt)),
		"timestamp":    time.Now().UTC(),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonResponseStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonErrorWithID(w http.ResponseWriter, msg, id string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "id": id})
}
