// Package scheduler fires stored schedules: when one is due, it
// submits a fresh task through the manager and computes the next run.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/moot-dev/moot/internal/capability"
	"github.com/moot-dev/moot/internal/config"
	"github.com/moot-dev/moot/internal/iteration"
	"github.com/moot-dev/moot/internal/manager"
	"github.com/moot-dev/moot/internal/natsbus"
	"github.com/moot-dev/moot/internal/schedule"
	"github.com/moot-dev/moot/internal/store"
)

// Submitter is the slice of the manager the scheduler needs.
type Submitter interface {
	Submit(req manager.SubmitRequest) (string, error)
}

type Scheduler struct {
	store        *store.Store
	submitter    Submitter
	events       *natsbus.Client
	logger       *slog.Logger
	pollInterval time.Duration
}

func New(s *store.Store, submitter Submitter, events *natsbus.Client, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		submitter:    submitter,
		events:       events,
		logger:       logger,
		pollInterval: cfg.PollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(time.Now())
		}
	}
}

// Poll fires every schedule due at the given instant.
func (s *Scheduler) Poll(now time.Time) {
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		s.logger.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sc := range due {
		s.fire(sc, now)
	}
}

func (s *Scheduler) fire(sc store.Schedule, now time.Time) {
	s.logger.Info("firing schedule", "schedule", sc.ID, "name", sc.Name)

	req, err := s.buildRequest(sc)
	var taskID, lastStatus, lastError string
	if err == nil {
		taskID, err = s.submitter.Submit(req)
	}
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		s.logger.Error("schedule submission failed", "schedule", sc.ID, "error", err)
	} else {
		lastStatus = "submitted"
	}

	nextRun := schedule.NextRunString(sc.Schedule, now)
	if err := s.store.UpdateScheduleRun(sc.ID, lastStatus, lastError, nextRun); err != nil {
		s.logger.Error("failed to update schedule run", "schedule", sc.ID, "error", err)
	}

	s.publishFiredEvent(sc, lastStatus, taskID)

	// A spec with no further firing is retired.
	if nextRun == nil {
		s.logger.Info("no next run, completing schedule", "schedule", sc.ID, "name", sc.Name)
		if err := s.store.UpdateScheduleStatus(sc.ID, "completed"); err != nil {
			s.logger.Error("failed to complete schedule", "schedule", sc.ID, "error", err)
		}
	}
}

// buildRequest converts the stored schedule fields to a submission.
func (s *Scheduler) buildRequest(sc store.Schedule) (manager.SubmitRequest, error) {
	req := manager.SubmitRequest{
		Description: sc.Description,
		Input:       sc.Input,
	}

	if raw, ok := sc.Requirements["proposer"].(map[string]any); ok {
		set, err := capability.FromAny(raw)
		if err != nil {
			return req, err
		}
		req.Requirements.Proposer = set
	}
	if raw, ok := sc.Requirements["critic"].(map[string]any); ok {
		set, err := capability.FromAny(raw)
		if err != nil {
			return req, err
		}
		req.Requirements.Critic = set
	}

	if len(sc.Stopping) > 0 {
		data, err := json.Marshal(sc.Stopping)
		if err != nil {
			return req, err
		}
		var cfg iteration.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return req, err
		}
		req.Stopping = &cfg
	}

	return req, nil
}

func (s *Scheduler) publishFiredEvent(sc store.Schedule, status, taskID string) {
	if s.events == nil {
		return
	}
	event := map[string]any{
		"event":       "schedule_fired",
		"schedule_id": sc.ID,
		"name":        sc.Name,
		"status":      status,
		"task_id":     taskID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.events.PublishJSON(natsbus.TopicEventsAgent("scheduler"), event); err != nil {
		s.logger.Warn("publish schedule event failed", "schedule", sc.ID, "error", err)
	}
}
