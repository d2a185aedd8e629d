// Package workers provides the admission pool that runs scan jobs for scanwatch.
// Jobs wait in a FIFO queue and are started, oldest first, whenever fewer than
// the configured number are running. Queued jobs can be withdrawn and running
// jobs cancelled individually.
package workers

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
)

// Job represents a unit of work to be executed by the pool.
type Job interface {
	// Execute performs the job. ctx is cancelled by Cancel or Shutdown.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Config holds configuration for the pool.
type Config struct {
	// Size is the maximum number of jobs running at once.
	Size int
	// QueueSize is the maximum number of waiting jobs (0 = unbounded).
	QueueSize int
	// RateLimit is the maximum number of job starts per second (0 = no limit).
	RateLimit float64
	// ShutdownTimeout bounds how long Shutdown waits for running jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            4,
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool admits queued jobs in FIFO order up to Config.Size at a time.
type Pool struct {
	config   Config
	logger   *logging.Logger
	recorder metrics.Recorder
	limiter  *rate.Limiter

	mu      sync.Mutex
	queue   *list.List
	queued  map[string]*list.Element
	running map[string]context.CancelFunc
	closed  bool

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New creates a new pool with the given configuration.
func New(config Config, logger *logging.Logger, recorder metrics.Recorder) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:   config,
		logger:   logger.WithComponent("workers"),
		recorder: recorder,
		queue:    list.New(),
		queued:   make(map[string]*list.Element),
		running:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return p
}

// Start begins dispatching queued jobs.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"size", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)
		p.wg.Add(1)
		go p.dispatch()
	})
}

// Submit appends a job to the queue.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewJobErrorWithID(errors.CodeServiceUnavailable, "worker pool is shut down", job.ID())
	}
	if _, ok := p.queued[job.ID()]; ok {
		return errors.ErrConflict(job.ID())
	}
	if _, ok := p.running[job.ID()]; ok {
		return errors.ErrConflict(job.ID())
	}
	if p.config.QueueSize > 0 && p.queue.Len() >= p.config.QueueSize {
		return errors.ErrQueueFull(p.config.QueueSize)
	}

	p.queued[job.ID()] = p.queue.PushBack(job)
	p.recorder.SetJobsQueued(p.queue.Len())
	p.logger.Debug("Job queued", "job_id", job.ID(), "job_type", job.Type(), "position", p.queue.Len())
	p.signal()
	return nil
}

// Remove withdraws a queued job. It reports false if the job is not waiting.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.queued[id]
	if !ok {
		return false
	}
	p.queue.Remove(el)
	delete(p.queued, id)
	p.recorder.SetJobsQueued(p.queue.Len())
	return true
}

// Cancel cancels the context of a running job. It reports false if the job is not running.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Queued returns the ids of waiting jobs in admission order.
func (p *Pool) Queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, p.queue.Len())
	for el := p.queue.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(Job).ID())
	}
	return ids
}

// Running returns the number of executing jobs.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Shutdown stops admission, cancels running jobs and waits for them to return
// or for ctx / the shutdown timeout to expire. Jobs still waiting are returned
// in queue order.
func (p *Pool) Shutdown(ctx context.Context) ([]Job, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil
	}
	p.closed = true
	var pending []Job
	for el := p.queue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(Job))
	}
	p.queue.Init()
	p.queued = make(map[string]*list.Element)
	p.recorder.SetJobsQueued(0)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool", "pending", len(pending))
	p.cancel()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(p.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-finished:
		p.logger.Info("Worker pool shutdown completed")
		return pending, nil
	case <-ctx.Done():
		return pending, ctx.Err()
	case <-timer.C:
		p.logger.Warn("Worker pool shutdown timeout", "running", p.Running())
		return pending, errors.NewJobError(errors.CodeTimeout, "timed out waiting for running jobs")
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch starts queued jobs whenever there is free capacity.
func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return
		}

		for {
			job, ctx, cancel := p.next()
			if job == nil {
				break
			}
			if p.limiter != nil {
				// An error means ctx was cancelled; Execute observes that itself.
				_ = p.limiter.Wait(ctx)
			}
			go p.execute(ctx, cancel, job)
		}
	}
}

// next pops the oldest job if a slot is free. The job counts as running from
// here on so Cancel reaches it even before it is launched.
func (p *Pool) next() (Job, context.Context, context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.running) >= p.config.Size {
		return nil, nil, nil
	}
	el := p.queue.Front()
	if el == nil {
		return nil, nil, nil
	}
	job := el.Value.(Job)
	p.queue.Remove(el)
	delete(p.queued, job.ID())

	ctx, cancel := context.WithCancel(p.ctx)
	p.running[job.ID()] = cancel
	p.recorder.SetJobsQueued(p.queue.Len())
	p.recorder.SetJobsRunning(len(p.running))
	p.wg.Add(1)
	return job, ctx, cancel
}

func (p *Pool) release(job Job, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	delete(p.running, job.ID())
	p.recorder.SetJobsRunning(len(p.running))
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) execute(ctx context.Context, cancel context.CancelFunc, job Job) {
	start := time.Now()
	p.logger.Debug("Job started", "job_id", job.ID(), "job_type", job.Type())

	err := p.run(ctx, job)

	p.release(job, cancel)
	p.signal()

	if err != nil {
		p.logger.Debug("Job returned error", "job_id", job.ID(), "error", err, "duration", time.Since(start))
		return
	}
	p.logger.Debug("Job finished", "job_id", job.ID(), "duration", time.Since(start))
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", "job_id", job.ID(), "panic", r)
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(ctx)
}
