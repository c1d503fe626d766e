// Package schedule parses and evaluates the recurrence specs attached
// to stored schedules. A spec is JSON: {"kind":"cron"|"interval"|"once"}
// with kind-specific fields.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Spec struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func Parse(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// NextRun computes the next firing after now. A nil result means the
// spec will never fire again (a once spec in the past, or a cron
// expression with no further tick).
func (s *Spec) NextRun(now time.Time) *time.Time {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		return &next
	case KindInterval:
		next := now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
		return &next
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return &at
		}
	}
	return nil
}

// NextRunString is the raw-string convenience used by callers holding
// the stored JSON.
func NextRunString(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.NextRun(now)
}

// Normalize accepts either the JSON spec form or a bare cron
// expression and returns the validated JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not a JSON spec or cron expression: %s", raw)
	}
	data, err := json.Marshal(Spec{Kind: KindCron, CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
