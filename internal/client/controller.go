// Package client implements the scanwatch session controller: a client that
// keeps one event stream connection to the server, reconnects after a fixed
// delay, resynchronizes its job cache on every connect and reports changes to
// a UI sink.
//
// All state lives in a single event loop goroutine. Transport reads, dials
// and resync calls run in helper goroutines that post their results back to
// the loop, so no blocking call ever runs on it.
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

// State is the connection state of a Controller.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	inboxSize = 64
)

// AlertKind classifies alerts raised to the UI.
type AlertKind string

const (
	AlertJobFailed     AlertKind = "job_failed"
	AlertVulnerability AlertKind = "vulnerability"
)

// Alert is a dismissible notification for the UI.
type Alert struct {
	Kind      AlertKind       `json:"kind"`
	JobID     string          `json:"job_id"`
	Message   string          `json:"message"`
	Severity  models.Severity `json:"severity,omitempty"`
	FindingID string          `json:"finding_id,omitempty"`
	Host      string          `json:"host,omitempty"`
	Port      uint16          `json:"port,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// findingKey identifies one finding within a job. The same advisory on
// another host or port is a separate finding.
type findingKey struct {
	id   string
	host string
	port uint16
}

// Sink receives UI updates. Calls are made from the event loop goroutine and
// must not block.
type Sink interface {
	JobUpdated(job *models.ScanJob)
	Alert(a Alert)
	StateChanged(s State)
}

// API is the request/response channel to the server.
type API interface {
	Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error)
	Cancel(ctx context.Context, id string) error
	Query(ctx context.Context, id string) (*models.ScanJob, error)
	ListActive(ctx context.Context) ([]*models.ScanJob, error)
	Export(ctx context.Context, id, format string) (*export.Artifact, error)
}

// Config holds controller settings.
type Config struct {
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock sets the clock driving the reconnect timer.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller is the client session controller.
type Controller struct {
	transport Transport
	api       API
	sink      Sink
	config    Config
	clock     clockwork.Clock
	logger    *logging.Logger

	state   atomic.Int32
	inbox   chan message
	stopped chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	jobs      map[string]*models.ScanJob
	findings  map[string]map[findingKey]bool
	conn      Conn
	epoch     uint64
	resyncing bool
	timer     clockwork.Timer
	helpers   sync.WaitGroup
}

// New creates a controller. It does nothing until Run is called.
func New(transport Transport, api API, sink Sink, cfg Config, opts ...Option) *Controller {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	c := &Controller{
		transport: transport,
		api:       api,
		sink:      sink,
		config:    cfg,
		clock:     clockwork.NewRealClock(),
		logger:    logging.Default(),
		inbox:     make(chan message, inboxSize),
		stopped:   make(chan struct{}),
		jobs:      make(map[string]*models.ScanJob),
		findings:  make(map[string]map[findingKey]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("client")
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Loop messages. Messages from helpers carry the epoch of the connection
// attempt they belong to; stale ones are ignored.
type (
	message interface{}

	dialedMsg struct {
		epoch uint64
		conn  Conn
		err   error
	}
	eventMsg struct {
		epoch uint64
		event models.Event
	}
	streamClosedMsg struct {
		epoch uint64
		err   error
	}
	resyncedMsg struct {
		epoch uint64
		jobs  []*models.ScanJob
		err   error
	}
	snapshotMsg struct {
		job *models.ScanJob
	}
	listMsg struct {
		reply chan []*models.ScanJob
	}
)

// Run drives the controller until ctx is cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return stderrors.New("controller already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.teardown()
		c.helpers.Wait()
		close(c.stopped)
	}()

	c.connect(ctx)

	for {
		var reconnect <-chan time.Time
		if c.timer != nil {
			reconnect = c.timer.Chan()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-reconnect:
			c.timer = nil
			c.connect(ctx)
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case dialedMsg:
		c.onDialed(ctx, m)
	case eventMsg:
		if m.epoch != c.epoch || c.State() != Connected {
			return
		}
		if c.resyncing {
			c.logger.Debug("Discarding event received before resync",
				"event_type", m.event.EventType(), "job_id", m.event.EventJobID())
			return
		}
		c.apply(m.event)
	case streamClosedMsg:
		if m.epoch != c.epoch {
			return
		}
		c.logger.Warn("Event stream closed", "error", m.err)
		c.disconnect()
	case resyncedMsg:
		c.onResynced(m)
	case snapshotMsg:
		c.mergeSnapshot(m.job)
	case listMsg:
		m.reply <- c.snapshot()
	}
}

// connect starts a new connection attempt.
func (c *Controller) connect(ctx context.Context) {
	c.epoch++
	epoch := c.epoch
	c.setState(Connecting)

	c.spawn(func() {
		conn, err := c.transport.Dial(ctx)
		if !c.post(ctx, dialedMsg{epoch: epoch, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Controller) onDialed(ctx context.Context, m dialedMsg) {
	if m.epoch != c.epoch {
		if m.conn != nil {
			_ = m.conn.Close()
		}
		return
	}
	if m.err != nil {
		c.logger.Warn("Failed to connect event stream", "error", m.err)
		c.disconnect()
		return
	}

	c.conn = m.conn
	c.resyncing = true
	c.setState(Connected)

	conn := m.conn
	epoch := m.epoch
	c.spawn(func() { c.readLoop(ctx, conn, epoch) })

	known := c.unfinished()
	c.spawn(func() { c.resync(ctx, epoch, known) })
}

func (c *Controller) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		e, err := conn.Recv(ctx)
		if err != nil {
			c.post(ctx, streamClosedMsg{epoch: epoch, err: err})
			return
		}
		if !c.post(ctx, eventMsg{epoch: epoch, event: e}) {
			return
		}
	}
}

// resync fetches the active jobs and the final snapshot of every job the
// cache still believed unfinished but which is no longer active.
func (c *Controller) resync(ctx context.Context, epoch uint64, known []string) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	active, err := c.api.ListActive(reqCtx)
	if err != nil {
		c.post(ctx, resyncedMsg{epoch: epoch, err: err})
		return
	}

	listed := make(map[string]bool, len(active))
	for _, j := range active {
		listed[j.ID] = true
	}
	jobs := active
	for _, id := range known {
		if listed[id] {
			continue
		}
		job, err := c.api.Query(reqCtx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			c.post(ctx, resyncedMsg{epoch: epoch, err: err})
			return
		}
		jobs = append(jobs, job)
	}

	c.post(ctx, resyncedMsg{epoch: epoch, jobs: jobs})
}

func (c *Controller) onResynced(m resyncedMsg) {
	if m.epoch != c.epoch || c.State() != Connected {
		return
	}
	if m.err != nil {
		c.logger.Warn("Resynchronization failed", "error", m.err)
		c.disconnect()
		return
	}

	previous := c.jobs
	c.jobs = make(map[string]*models.ScanJob, len(m.jobs))
	for _, job := range m.jobs {
		c.jobs[job.ID] = job.Clone()
	}
	for id := range c.findings {
		if _, ok := c.jobs[id]; !ok {
			delete(c.findings, id)
		}
	}
	c.resyncing = false

	for _, job := range m.jobs {
		old := previous[job.ID]
		if old != nil && !old.State.IsTerminal() && job.State == models.StateFailed {
			c.alertFailed(job.ID, job.Error, job.UpdatedAt)
		}
		c.sink.JobUpdated(job.Clone())
	}
	c.logger.Info("Resynchronized job cache", "jobs", len(m.jobs))
}

// disconnect closes the current connection and schedules a reconnect.
func (c *Controller) disconnect() {
	c.closeConn()
	c.resyncing = false
	c.epoch++
	c.setState(Disconnected)

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.NewTimer(c.config.ReconnectDelay)
	c.logger.Debug("Reconnect scheduled", "delay", c.config.ReconnectDelay)
}

func (c *Controller) teardown() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.closeConn()
	c.setState(Disconnected)
}

func (c *Controller) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("Error closing event stream", "error", err)
	}
	c.conn = nil
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("Connection state changed", "state", s.String())
	c.sink.StateChanged(s)
}

func (c *Controller) spawn(fn func()) {
	c.helpers.Add(1)
	go func() {
		defer c.helpers.Done()
		fn()
	}()
}

// post delivers msg to the loop. It reports false once the loop is gone.
func (c *Controller) post(ctx context.Context, msg message) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopped:
		return false
	}
}

// apply folds an event into the cache. Applying the same event twice, or an
// older one, changes nothing.
func (c *Controller) apply(e models.Event) {
	switch ev := e.(type) {
	case models.ProgressEvent:
		c.applyProgress(ev)
	case models.TerminalEvent:
		c.applyTerminal(ev)
	case models.VulnerabilityEvent:
		c.applyVulnerability(ev)
	}
}

func (c *Controller) cached(id string, ts time.Time) *models.ScanJob {
	job, ok := c.jobs[id]
	if !ok {
		// Submitted elsewhere after the last resync.
		job = &models.ScanJob{ID: id, State: models.StateQueued, CreatedAt: ts}
		c.jobs[id] = job
	}
	return job
}

func (c *Controller) applyProgress(e models.ProgressEvent) {
	job := c.cached(e.JobID, e.Timestamp)
	if job.State.IsTerminal() || !e.Timestamp.After(job.UpdatedAt) {
		return
	}
	if job.State == models.StateQueued {
		job.State = models.StateRunning
		started := e.Timestamp
		job.StartedAt = &started
	}
	job.Progress = e.Progress
	if e.CurrentTask != "" {
		job.CurrentTask = e.CurrentTask
	}
	job.UpdatedAt = e.Timestamp
	c.sink.JobUpdated(job.Clone())
}

func (c *Controller) applyTerminal(e models.TerminalEvent) {
	if !e.Outcome.IsTerminal() {
		c.logger.Warn("Ignoring terminal event with non-terminal outcome",
			"job_id", e.JobID, "outcome", string(e.Outcome))
		return
	}
	job := c.cached(e.JobID, e.Timestamp)
	if job.State.IsTerminal() {
		return
	}

	job.State = e.Outcome
	job.Error = e.Error
	job.CurrentTask = string(e.Outcome)
	if e.Outcome == models.StateCompleted {
		job.Progress = 100
	}
	if e.Timestamp.After(job.UpdatedAt) {
		job.UpdatedAt = e.Timestamp
	}
	finished := e.Timestamp
	job.FinishedAt = &finished

	c.sink.JobUpdated(job.Clone())
	if e.Outcome == models.StateFailed {
		c.alertFailed(e.JobID, e.Error, e.Timestamp)
	}
}

func (c *Controller) applyVulnerability(e models.VulnerabilityEvent) {
	seen := c.findings[e.JobID]
	if seen == nil {
		seen = make(map[findingKey]bool)
		c.findings[e.JobID] = seen
	}
	key := findingKey{id: e.FindingID, host: e.Host, port: e.Port}
	if seen[key] {
		return
	}
	seen[key] = true

	c.sink.Alert(Alert{
		Kind:      AlertVulnerability,
		JobID:     e.JobID,
		Message:   e.Description,
		Severity:  e.Severity,
		FindingID: e.FindingID,
		Host:      e.Host,
		Port:      e.Port,
		Timestamp: e.Timestamp,
	})
}

func (c *Controller) alertFailed(jobID, detail string, ts time.Time) {
	c.sink.Alert(Alert{
		Kind:      AlertJobFailed,
		JobID:     jobID,
		Message:   detail,
		Timestamp: ts,
	})
}

// mergeSnapshot applies a snapshot fetched on demand. Snapshots never move a
// cached job backwards.
func (c *Controller) mergeSnapshot(job *models.ScanJob) {
	if job == nil {
		return
	}
	old, ok := c.jobs[job.ID]
	if ok {
		switch {
		case old.State.IsTerminal(), job.State.Before(old.State):
			return
		case job.State == old.State && !job.UpdatedAt.After(old.UpdatedAt):
			return
		}
	}
	c.jobs[job.ID] = job.Clone()
	c.sink.JobUpdated(job.Clone())
	if ok && job.State == models.StateFailed {
		c.alertFailed(job.ID, job.Error, job.UpdatedAt)
	}
}

func (c *Controller) unfinished() []string {
	var ids []string
	for id, job := range c.jobs {
		if !job.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) snapshot() []*models.ScanJob {
	out := make([]*models.ScanJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Jobs returns the cached job snapshots ordered by creation time.
func (c *Controller) Jobs(ctx context.Context) ([]*models.ScanJob, error) {
	reply := make(chan []*models.ScanJob, 1)
	if !c.post(ctx, listMsg{reply: reply}) {
		return nil, errors.ErrTransportUnavailable("jobs")
	}
	select {
	case jobs := <-reply:
		return jobs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, errors.ErrTransportUnavailable("jobs")
	}
}

func (c *Controller) requestContext(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if c.State() != Connected {
		return nil, nil, errors.ErrTransportUnavailable(op)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	return reqCtx, cancel, nil
}

// Submit submits a scan job.
func (c *Controller) Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error) {
	reqCtx, cancel, err := c.requestContext(ctx, "submit")
	if err != nil {
		return "", err
	}
	defer cancel()
	return c.api.Submit(reqCtx, targets, opts)
}

// Cancel requests cancellation of a job. The job is Cancelled once its
// terminal event arrives.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	reqCtx, cancel, err := c.requestContext(ctx, "cancel")
	if err != nil {
		return err
	}
	defer cancel()
	return c.api.Cancel(reqCtx, id)
}

// Query fetches the authoritative snapshot of a job and folds it into the cache.
func (c *Controller) Query(ctx context.Context, id string) (*models.ScanJob, error) {
	reqCtx, cancel, err := c.requestContext(ctx, "query")
	if err != nil {
		return nil, err
	}
	defer cancel()

	job, err := c.api.Query(reqCtx, id)
	if err != nil {
		return nil, err
	}
	c.post(ctx, snapshotMsg{job: job.Clone()})
	return job, nil
}

// Export renders a completed job.
func (c *Controller) Export(ctx context.Context, id, format string) (*export.Artifact, error) {
	reqCtx, cancel, err := c.requestContext(ctx, "export")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.api.Export(reqCtx, id, format)
}
