// Package jobs implements the job manager: it accepts scan submissions,
// admits them through the worker pool, drives each scan's update stream and
// publishes progress, vulnerability and terminal events. The store holds the
// authoritative snapshot of every job and the manager is its only writer.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/scanning"
	"github.com/anstrom/scanwatch/internal/store"
	"github.com/anstrom/scanwatch/internal/workers"
)

// Publisher receives job events. Publish must not block.
type Publisher interface {
	Publish(e models.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e models.Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(e models.Event) { f(e) }

// Config holds job manager settings.
type Config struct {
	// MaxRunning is the number of jobs that may run at once.
	MaxRunning int `yaml:"max_running" json:"max_running"`
	// QueueSize bounds the number of queued jobs (0 = unbounded).
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// Retention is how long terminal jobs are kept (0 = forever).
	Retention time.Duration `yaml:"retention" json:"retention"`
	// RetentionSchedule is the cron spec of the retention sweep.
	RetentionSchedule string `yaml:"retention_schedule" json:"retention_schedule"`
	// ShutdownTimeout bounds how long Shutdown waits for running jobs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns default job manager settings.
func DefaultConfig() Config {
	return Config{
		MaxRunning:        4,
		QueueSize:         1000,
		Retention:         7 * 24 * time.Hour,
		RetentionSchedule: "@hourly",
		ShutdownTimeout:   30 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClassifier sets the classifier applied to findings that arrive without a severity.
func WithClassifier(c scanning.Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// tracked is the in-flight state of a non-terminal job. mu serializes every
// mutation of job together with the event that announces it.
type tracked struct {
	mu         sync.Mutex
	job        *models.ScanJob
	terminated bool
}

// Manager orchestrates scan jobs.
type Manager struct {
	config     Config
	store      store.Store
	scanner    scanning.Scanner
	publisher  Publisher
	pool       *workers.Pool
	cron       *cron.Cron
	clock      clockwork.Clock
	logger     *logging.Logger
	recorder   metrics.Recorder
	classifier scanning.Classifier

	mu     sync.Mutex
	jobs   map[string]*tracked
	closed bool

	// ctx outlives individual jobs so terminal snapshots can still be written
	// while running jobs are being cancelled.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
}

// NewManager creates a job manager.
func NewManager(cfg Config, st store.Store, scanner scanning.Scanner, pub Publisher, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:     cfg,
		store:      st,
		scanner:    scanner,
		publisher:  pub,
		clock:      clockwork.NewRealClock(),
		logger:     logging.Default(),
		recorder:   metrics.Nop{},
		classifier: scanning.CVSSClassifier{},
		jobs:       make(map[string]*tracked),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.publisher == nil {
		m.publisher = PublisherFunc(func(models.Event) {})
	}
	m.logger = m.logger.WithComponent("jobs")
	m.pool = workers.New(workers.Config{
		Size:            cfg.MaxRunning,
		QueueSize:       cfg.QueueSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, m.logger, m.recorder)
	m.cron = cron.New(cron.WithLocation(time.UTC))
	return m
}

// Start recovers jobs left unfinished by a previous process, starts
// admission and schedules the retention sweep.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		if err := m.recover(ctx); err != nil {
			startErr = err
			return
		}
		if m.config.Retention > 0 && m.config.RetentionSchedule != "" {
			if _, err := m.cron.AddFunc(m.config.RetentionSchedule, m.sweep); err != nil {
				startErr = errors.NewConfigFieldError(errors.CodeConfiguration,
					"invalid retention schedule", "jobs.retention_schedule", m.config.RetentionSchedule)
				return
			}
			m.cron.Start()
		}
		m.pool.Start()
		m.logger.Info("Job manager started",
			"max_running", m.config.MaxRunning,
			"retention", m.config.Retention)
	})
	return startErr
}

// recover re-queues jobs that were queued when the previous process stopped
// and fails the ones that were running, since their scan is gone.
func (m *Manager) recover(ctx context.Context) error {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, job := range active {
		t := m.track(job)
		switch job.State {
		case models.StateQueued:
			if err := m.pool.Submit(&scanTask{m: m, id: job.ID}); err != nil {
				t.mu.Lock()
				m.finishLocked(t, models.StateCancelled, err.Error())
				t.mu.Unlock()
			}
		case models.StateRunning:
			t.mu.Lock()
			m.finishLocked(t, models.StateFailed, "scan interrupted by service restart")
			t.mu.Unlock()
		}
	}
	if len(active) > 0 {
		m.logger.Info("Recovered unfinished jobs", "count", len(active))
	}
	return nil
}

// Submit validates and queues a scan, returning the new job's id.
func (m *Manager) Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error) {
	if err := models.ValidateSubmission(targets, opts); err != nil {
		return "", err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", errors.NewJobError(errors.CodeServiceUnavailable, "job manager is shut down")
	}

	job := models.NewScanJob(targets, opts.WithDefaults(), m.clock.Now())

	// The queue slot is taken before the row is written, so a rejected
	// submission leaves nothing behind. Holding t.mu keeps the task from
	// starting until the job exists in the store.
	t := m.track(job)
	t.mu.Lock()
	if err := m.pool.Submit(&scanTask{m: m, id: job.ID}); err != nil {
		m.abandonLocked(t)
		t.mu.Unlock()
		return "", err
	}
	if err := m.store.Create(ctx, job); err != nil {
		m.pool.Remove(job.ID)
		m.abandonLocked(t)
		t.mu.Unlock()
		return "", err
	}
	t.mu.Unlock()
	m.recorder.JobSubmitted()

	m.logger.InfoJob("Job submitted", job.ID, "targets", len(job.Targets))
	return job.ID, nil
}

// abandonLocked forgets a job that was never stored. No event is published.
// Callers hold t.mu.
func (m *Manager) abandonLocked(t *tracked) {
	t.terminated = true
	m.untrack(t.job.ID)
}

// Cancel requests cancellation. Queued jobs are cancelled immediately; running
// jobs are cancelled once their scan stops.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	t := m.lookup(id)
	if t == nil {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.ErrInvalidState(id, "cancel", string(job.State))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return errors.ErrInvalidState(id, "cancel", string(t.job.State))
	}

	if t.job.State == models.StateQueued && m.pool.Remove(id) {
		m.finishLocked(t, models.StateCancelled, "")
		return nil
	}
	// Running, or popped from the queue and about to start.
	m.pool.Cancel(id)
	m.logger.InfoJob("Cancellation requested", id, "state", t.job.State)
	return nil
}

// Query returns the latest persisted snapshot of a job.
func (m *Manager) Query(ctx context.Context, id string) (*models.ScanJob, error) {
	return m.store.Get(ctx, id)
}

// ListActive returns non-terminal jobs in submission order.
func (m *Manager) ListActive(ctx context.Context) ([]*models.ScanJob, error) {
	return m.store.ListActive(ctx)
}

// List returns jobs matching filter in submission order.
func (m *Manager) List(ctx context.Context, filter store.ListFilter) ([]*models.ScanJob, error) {
	return m.store.List(ctx, filter)
}

// Shutdown stops admission and cancels all unfinished jobs. Queued jobs end
// Cancelled immediately; running jobs end Cancelled once their scan stops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Shutting down job manager")
	<-m.cron.Stop().Done()

	pending, err := m.pool.Shutdown(ctx)
	for _, task := range pending {
		if t := m.lookup(task.ID()); t != nil {
			t.mu.Lock()
			m.finishLocked(t, models.StateCancelled, "")
			t.mu.Unlock()
		}
	}
	m.cancel()
	return err
}

func (m *Manager) track(job *models.ScanJob) *tracked {
	t := &tracked{job: job.Clone()}
	m.mu.Lock()
	m.jobs[job.ID] = t
	m.mu.Unlock()
	return t
}

func (m *Manager) lookup(id string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
}

// persistLocked writes the tracked snapshot. Callers hold t.mu.
func (m *Manager) persistLocked(t *tracked) error {
	if err := m.store.Update(m.ctx, t.job); err != nil {
		m.logger.ErrorJob("Failed to persist job", t.job.ID, err, "state", t.job.State)
		return err
	}
	return nil
}

// finishLocked moves the job to outcome, persists it and publishes the single
// TerminalEvent. Callers hold t.mu.
func (m *Manager) finishLocked(t *tracked, outcome models.JobState, detail string) {
	if t.terminated {
		return
	}
	now := m.clock.Now()
	job := t.job

	if err := job.Transition(outcome, now); err != nil {
		m.logger.ErrorJob("Illegal terminal transition", job.ID, err, "outcome", outcome)
		return
	}
	t.terminated = true
	job.Error = detail
	job.CurrentTask = string(outcome)

	var summary *models.ResultSummary
	if job.Result != nil {
		job.Result.FinishedAt = now
		s := job.Result.Summarize(len(job.Targets))
		if outcome == models.StateCompleted {
			summary = &s
		}
	}

	// The terminal event goes out even if the write fails so subscribers are
	// never left waiting; the failure is logged by persistLocked.
	_ = m.persistLocked(t)

	m.publisher.Publish(models.TerminalEvent{
		JobID:     job.ID,
		Outcome:   outcome,
		Summary:   summary,
		Error:     detail,
		Timestamp: now,
	})
	m.recorder.JobFinished(string(outcome), job.Duration())
	m.untrack(job.ID)

	if outcome == models.StateFailed {
		m.logger.ErrorJob("Job failed", job.ID, errors.NewJobErrorWithID(errors.CodeExecution, detail, job.ID))
	} else {
		m.logger.InfoJob("Job finished", job.ID, "outcome", outcome, "duration", job.Duration())
	}
}
