package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moot-dev/moot/internal/task"
)

// TaskRecord is the persisted form of a task snapshot.
type TaskRecord struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Input        map[string]any `json:"input,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Status       string         `json:"status"`
	Rounds       int            `json:"rounds"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func scanTaskRecord(scanner interface {
	Scan(dest ...any) error
}) (*TaskRecord, error) {
	t := &TaskRecord{}
	var input, requirements, result, errDetail sql.NullString
	err := scanner.Scan(&t.ID, &t.Description, &input, &requirements, &t.Status,
		&t.Rounds, &result, &errDetail, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &t.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	if requirements.Valid && requirements.String != "" {
		if err := json.Unmarshal([]byte(requirements.String), &t.Requirements); err != nil {
			return nil, fmt.Errorf("decode requirements: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	t.Error = errDetail.String
	return t, nil
}

func (s *Store) SaveTaskRecord(t *TaskRecord) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	requirements, err := json.Marshal(t.Requirements)
	if err != nil {
		return fmt.Errorf("encode requirements: %w", err)
	}
	result, err := json.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, description, input, requirements, status, rounds, result, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			rounds = excluded.rounds,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		t.ID, t.Description, string(input), string(requirements), t.Status,
		t.Rounds, string(result), t.Error, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTaskRecord(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, description, input, requirements, status, rounds, result, error, created_at, completed_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTaskRecords() ([]TaskRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, description, input, requirements, status, rounds, result, error, created_at, completed_at
		FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SaveRound upserts one round of a task's history.
func (s *Store) SaveRound(taskID string, entry task.RoundEntry) error {
	proposals, err := json.Marshal(entry.Proposals)
	if err != nil {
		return fmt.Errorf("encode proposals: %w", err)
	}
	critiques, err := json.Marshal(entry.Critiques)
	if err != nil {
		return fmt.Errorf("encode critiques: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rounds (task_id, round, proposals, critiques)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, round) DO UPDATE SET
			proposals = excluded.proposals,
			critiques = excluded.critiques`,
		taskID, entry.Round, string(proposals), string(critiques))
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

// GetRounds returns a task's persisted history in round order.
func (s *Store) GetRounds(taskID string) ([]task.RoundEntry, error) {
	rows, err := s.db.Query(`
		SELECT round, proposals, critiques FROM rounds
		WHERE task_id = ? ORDER BY round`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get rounds: %w", err)
	}
	defer rows.Close()

	var entries []task.RoundEntry
	for rows.Next() {
		var entry task.RoundEntry
		var proposals, critiques string
		if err := rows.Scan(&entry.Round, &proposals, &critiques); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(proposals), &entry.Proposals); err != nil {
			return nil, fmt.Errorf("decode proposals: %w", err)
		}
		if err := json.Unmarshal([]byte(critiques), &entry.Critiques); err != nil {
			return nil, fmt.Errorf("decode critiques: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
