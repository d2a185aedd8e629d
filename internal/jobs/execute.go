package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/scanning"
)

const taskType = "scan"

// scanTask adapts a job to workers.Job.
type scanTask struct {
	m  *Manager
	id string
}

func (s *scanTask) ID() string   { return s.id }
func (s *scanTask) Type() string { return taskType }

// Execute runs one admitted job to its terminal state.
func (s *scanTask) Execute(ctx context.Context) error {
	return s.m.run(ctx, s.id)
}

func (m *Manager) run(ctx context.Context, id string) error {
	t := m.lookup(id)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	if t.terminated || t.job.State != models.StateQueued {
		t.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		// Cancelled between admission and start: no progress is ever reported.
		m.finishLocked(t, models.StateCancelled, "")
		t.mu.Unlock()
		return ctx.Err()
	}

	now := m.clock.Now()
	if err := t.job.Transition(models.StateRunning, now); err != nil {
		t.mu.Unlock()
		return err
	}
	t.job.Progress = 0
	t.job.CurrentTask = "starting"
	t.job.Result = models.NewScanResult(now)
	_ = m.persistLocked(t)
	targets := append([]string(nil), t.job.Targets...)
	opts := t.job.Options
	t.mu.Unlock()

	m.logger.InfoJob("Job started", id, "targets", len(targets))

	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	scanCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outcome, detail := m.drive(ctx, scanCtx, t, targets, opts, timeout)

	t.mu.Lock()
	if outcome == models.StateCompleted && !t.terminated {
		if t.job.SetProgress(100, "finalizing", m.clock.Now()) {
			if m.persistLocked(t) == nil {
				m.publishProgressLocked(t)
			}
		}
	}
	m.finishLocked(t, outcome, detail)
	t.mu.Unlock()
	return nil
}

// drive consumes the scan stream and returns how the job ended. A panicking
// scanner fails the job.
func (m *Manager) drive(
	jobCtx, scanCtx context.Context,
	t *tracked,
	targets []string,
	opts models.ScanOptions,
	timeout time.Duration,
) (outcome models.JobState, detail string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Scan panicked", "job_id", t.job.ID, "panic", r)
			outcome, detail = models.StateFailed, fmt.Sprintf("scan panicked: %v", r)
		}
	}()

	ended := func(err error) (models.JobState, string) {
		switch {
		case jobCtx.Err() != nil:
			return models.StateCancelled, ""
		case stderrors.Is(scanCtx.Err(), context.DeadlineExceeded):
			return models.StateFailed, fmt.Sprintf("scan timed out after %s", timeout)
		default:
			return models.StateFailed, err.Error()
		}
	}

	stream, err := m.scanner.Scan(scanCtx, targets, opts)
	if err != nil {
		return ended(err)
	}
	defer stream.Close()

	for {
		u, err := stream.Next(scanCtx)
		if stderrors.Is(err, io.EOF) {
			if jobCtx.Err() != nil {
				return models.StateCancelled, ""
			}
			return models.StateCompleted, ""
		}
		if err != nil {
			return ended(err)
		}
		m.apply(t, u)
	}
}

// apply folds one update into the snapshot and announces it after it is persisted.
func (m *Manager) apply(t *tracked, u scanning.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}
	now := m.clock.Now()

	switch u.Kind {
	case scanning.UpdateProgress:
		if !t.job.SetProgress(u.Progress, u.Task, now) {
			return
		}
		if m.persistLocked(t) == nil {
			m.publishProgressLocked(t)
		}

	case scanning.UpdateHost:
		if u.Host == nil {
			return
		}
		t.job.Result.AddHost(*u.Host)
		t.job.UpdatedAt = now
		_ = m.persistLocked(t)

	case scanning.UpdateFinding:
		if u.Finding == nil {
			return
		}
		f := *u.Finding
		if f.Severity == "" && m.classifier != nil {
			f.Severity, f.Score = m.classifier.Classify(f)
		}
		t.job.Result.AddFinding(f)
		t.job.UpdatedAt = now
		if m.persistLocked(t) == nil {
			m.recorder.FindingRecorded(string(f.Severity))
			m.publisher.Publish(models.NewVulnerabilityEvent(t.job.ID, f, now))
		}
	}
}

func (m *Manager) publishProgressLocked(t *tracked) {
	m.publisher.Publish(models.ProgressEvent{
		JobID:       t.job.ID,
		Progress:    t.job.Progress,
		CurrentTask: t.job.CurrentTask,
		Timestamp:   t.job.UpdatedAt,
	})
}
