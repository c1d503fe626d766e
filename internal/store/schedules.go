package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is a recurring task submission: when it fires, a new task
// is submitted with the stored description, input, requirements and
// stopping policy.
type Schedule struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Schedule     string         `json:"schedule"`
	Description  string         `json:"description"`
	Input        map[string]any `json:"input,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Stopping     map[string]any `json:"stopping,omitempty"`
	Status       string         `json:"status"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	LastStatus   string         `json:"last_status,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sc := &Schedule{}
	var input, requirements, stopping, lastStatus, lastError sql.NullString
	err := scanner.Scan(&sc.ID, &sc.Name, &sc.Schedule, &sc.Description, &input,
		&requirements, &stopping, &sc.Status, &sc.NextRunAt, &sc.LastRunAt,
		&lastStatus, &lastError, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw  sql.NullString
		dest *map[string]any
	}{
		{input, &sc.Input},
		{requirements, &sc.Requirements},
		{stopping, &sc.Stopping},
	} {
		if f.raw.Valid && f.raw.String != "" {
			if err := json.Unmarshal([]byte(f.raw.String), f.dest); err != nil {
				return nil, fmt.Errorf("decode schedule field: %w", err)
			}
		}
	}
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	return sc, nil
}

const scheduleColumns = `id, name, schedule, description, input, requirements, stopping,
		       status, next_run_at, last_run_at, last_status, last_error, created_at`

func (s *Store) SaveSchedule(sc *Schedule) error {
	input, err := json.Marshal(sc.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	requirements, err := json.Marshal(sc.Requirements)
	if err != nil {
		return fmt.Errorf("encode requirements: %w", err)
	}
	stopping, err := json.Marshal(sc.Stopping)
	if err != nil {
		return fmt.Errorf("encode stopping: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO schedules (id, name, schedule, description, input, requirements, stopping, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			description = excluded.description,
			input = excluded.input,
			requirements = excluded.requirements,
			stopping = excluded.stopping,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Name, sc.Schedule, sc.Description, string(input),
		string(requirements), string(stopping), sc.Status, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
