// Package models defines the job, result and event types shared by the
// scanwatch server, its store backends and the session controller.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanwatch/internal/errors"
)

// JobState is the lifecycle state of a scan job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// States lists every job state in lifecycle order.
var States = []JobState{StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled}

// IsTerminal reports whether no further transition is possible from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// rank orders states so that transitions can only move forward.
func (s JobState) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed, StateCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is legal.
// Queued may move to Running or Cancelled, Running to any terminal state.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case StateQueued:
		return next == StateRunning || next == StateCancelled
	case StateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s JobState) Before(other JobState) bool {
	return s.rank() < other.rank()
}

// ScanJob is the persisted snapshot of a scan job.
type ScanJob struct {
	ID          string      `json:"id" yaml:"id"`
	Targets     []string    `json:"targets" yaml:"targets"`
	Options     ScanOptions `json:"options" yaml:"options"`
	State       JobState    `json:"state" yaml:"state"`
	Progress    int         `json:"progress" yaml:"progress"`
	CurrentTask string      `json:"current_task,omitempty" yaml:"current_task,omitempty"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
	Result      *ScanResult `json:"result,omitempty" yaml:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// NewScanJob creates a queued job with a fresh id.
func NewScanJob(targets []string, opts ScanOptions, now time.Time) *ScanJob {
	return &ScanJob{
		ID:          uuid.NewString(),
		Targets:     append([]string(nil), targets...),
		Options:     opts,
		State:       StateQueued,
		CurrentTask: "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the job to next, stamping timestamps.
func (j *ScanJob) Transition(next JobState, now time.Time) error {
	if !j.State.CanTransitionTo(next) {
		return errors.ErrInvalidState(j.ID, "transition to "+string(next), string(j.State))
	}
	j.State = next
	j.UpdatedAt = now
	switch {
	case next == StateRunning:
		j.StartedAt = &now
	case next.IsTerminal():
		j.FinishedAt = &now
	}
	return nil
}

// SetProgress records progress while running. Lower values than the current
// progress are ignored; it reports whether anything changed.
func (j *ScanJob) SetProgress(progress int, task string, now time.Time) bool {
	if j.State != StateRunning {
		return false
	}
	progress = clampProgress(progress)
	if progress < j.Progress || (progress == j.Progress && task == j.CurrentTask) {
		return false
	}
	j.Progress = progress
	if task != "" {
		j.CurrentTask = task
	}
	j.UpdatedAt = now
	return true
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Clone returns a deep copy of the job.
func (j *ScanJob) Clone() *ScanJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	c.Options = j.Options.Clone()
	c.Result = j.Result.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Duration returns how long the job ran, or zero if it never started.
func (j *ScanJob) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := j.UpdatedAt
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}
