package client

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

const waitFor = 2 * time.Second

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// fakeConn is an event stream fed by the test.
type fakeConn struct {
	events chan models.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan models.Event), closed: make(chan struct{})}
}

func (c *fakeConn) Recv(ctx context.Context) (models.Event, error) {
	select {
	case e := <-c.events:
		return e, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// send hands e to the controller's reader. It returns once the reader has
// taken it.
func (c *fakeConn) send(t *testing.T, e models.Event) {
	t.Helper()
	select {
	case c.events <- e:
	case <-time.After(waitFor):
		t.Fatalf("event %s for %s not received", e.EventType(), e.EventJobID())
	}
}

// fakeTransport hands out queued connections; a nil entry fails the dial.
type fakeTransport struct {
	conns chan *fakeConn
	dials atomic.Int32
}

func newFakeTransport(conns ...*fakeConn) *fakeTransport {
	t := &fakeTransport{conns: make(chan *fakeConn, 8)}
	for _, c := range conns {
		t.conns <- c
	}
	return t
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.dials.Add(1)
	select {
	case c := <-t.conns:
		if c == nil {
			return nil, stderrors.New("connection refused")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fakeAPI serves jobs from memory.
type fakeAPI struct {
	mu        sync.Mutex
	jobs      map[string]*models.ScanJob
	order     []string
	listGate  chan struct{}
	listErr   error
	listCalls atomic.Int32
	cancelled []string
}

func newFakeAPI(jobs ...*models.ScanJob) *fakeAPI {
	a := &fakeAPI{jobs: make(map[string]*models.ScanJob)}
	for _, j := range jobs {
		a.put(j)
	}
	return a
}

func (a *fakeAPI) put(j *models.ScanJob) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[j.ID]; !ok {
		a.order = append(a.order, j.ID)
	}
	a.jobs[j.ID] = j.Clone()
}

func (a *fakeAPI) Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error) {
	if err := models.ValidateSubmission(targets, opts); err != nil {
		return "", err
	}
	job := models.NewScanJob(targets, opts, t0)
	a.put(job)
	return job.ID, nil
}

func (a *fakeAPI) Cancel(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.jobs[id]; !ok {
		return errors.ErrNotFound(id)
	}
	a.cancelled = append(a.cancelled, id)
	return nil
}

func (a *fakeAPI) Query(ctx context.Context, id string) (*models.ScanJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[id]
	if !ok {
		return nil, errors.ErrNotFound(id)
	}
	return j.Clone(), nil
}

func (a *fakeAPI) ListActive(ctx context.Context) ([]*models.ScanJob, error) {
	a.listCalls.Add(1)
	if a.listGate != nil {
		select {
		case <-a.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.listErr != nil {
		return nil, a.listErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.ScanJob
	for _, id := range a.order {
		if j := a.jobs[id]; !j.State.IsTerminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (a *fakeAPI) Export(ctx context.Context, id, format string) (*export.Artifact, error) {
	j, err := a.Query(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State != models.StateCompleted {
		return nil, errors.ErrInvalidState(id, "export", string(j.State))
	}
	return &export.Artifact{Data: []byte("{}"), ContentType: "application/json", Filename: "scan-" + id + "." + format}, nil
}

// recordingSink captures UI calls.
type recordingSink struct {
	mu      sync.Mutex
	updates []*models.ScanJob
	alerts  []Alert
	states  []State
}

func (s *recordingSink) JobUpdated(job *models.ScanJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, job)
}

func (s *recordingSink) Alert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) StateChanged(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *recordingSink) updatesFor(id string) []*models.ScanJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScanJob
	for _, j := range s.updates {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

func (s *recordingSink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func (s *recordingSink) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

// waitUpdates waits until job id has been reported n times.
func (s *recordingSink) waitUpdates(t *testing.T, id string, n int) []*models.ScanJob {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.updatesFor(id)) >= n },
		waitFor, 5*time.Millisecond, "expected %d updates for %s", n, id)
	return s.updatesFor(id)
}

type harness struct {
	ctrl      *Controller
	sink      *recordingSink
	clock     *clockwork.FakeClock
	transport *fakeTransport
	api       *fakeAPI
}

func start(t *testing.T, transport *fakeTransport, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{
		sink:      &recordingSink{},
		clock:     clockwork.NewFakeClock(),
		transport: transport,
		api:       api,
	}
	h.ctrl = New(transport, api, h.sink, Config{ReconnectDelay: 5 * time.Second},
		WithLogger(logging.Discard()), WithClock(h.clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State() == want },
		waitFor, 5*time.Millisecond, "state never became %s", want)
}

// waitReconnectTimer blocks until the controller armed its reconnect timer.
func (h *harness) waitReconnectTimer(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

func (h *harness) job(t *testing.T, id string) *models.ScanJob {
	t.Helper()
	jobs, err := h.ctrl.Jobs(context.Background())
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func runningJob(id string, progress int, at time.Time) *models.ScanJob {
	job := models.NewScanJob([]string{"192.0.2.1"}, models.ScanOptions{}, t0)
	job.ID = id
	if err := job.Transition(models.StateRunning, t0); err != nil {
		panic(err)
	}
	job.Progress = progress
	job.UpdatedAt = at
	return job
}

func progress(id string, p int, at time.Time) models.ProgressEvent {
	return models.ProgressEvent{JobID: id, Progress: p, CurrentTask: "scanning", Timestamp: at}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestController_ConnectAndResync(t *testing.T) {
	conn := newFakeConn()
	api := newFakeAPI(runningJob("a", 40, t0.Add(time.Second)))
	h := start(t, newFakeTransport(conn), api)

	h.waitState(t, Connected)
	updates := h.sink.waitUpdates(t, "a", 1)
	assert.Equal(t, 40, updates[0].Progress)
	assert.Equal(t, []State{Connecting, Connected}, h.sink.States())

	job := h.job(t, "a")
	require.NotNil(t, job)
	assert.Equal(t, models.StateRunning, job.State)
	assert.EqualValues(t, 1, api.listCalls.Load())
}

func TestController_DiscardsEventsBeforeResync(t *testing.T) {
	conn := newFakeConn()
	api := newFakeAPI(runningJob("a", 40, t0.Add(10*time.Second)))
	api.listGate = make(chan struct{})
	h := start(t, newFakeTransport(conn), api)

	h.waitState(t, Connected)
	require.Eventually(t, func() bool { return api.listCalls.Load() == 1 }, waitFor, 5*time.Millisecond)

	conn.send(t, progress("a", 90, t0.Add(20*time.Second)))
	// The second send returns only after the first was posted to the loop.
	conn.send(t, progress("a", 10, t0))
	close(api.listGate)

	updates := h.sink.waitUpdates(t, "a", 1)
	assert.Equal(t, 40, updates[0].Progress)
	assert.Equal(t, 40, h.job(t, "a").Progress)

	conn.send(t, progress("a", 95, t0.Add(30*time.Second)))
	updates = h.sink.waitUpdates(t, "a", 2)
	assert.Equal(t, 95, updates[1].Progress)
}

func TestController_ProgressAppliedByTimestamp(t *testing.T) {
	conn := newFakeConn()
	h := start(t, newFakeTransport(conn), newFakeAPI(runningJob("a", 40, t0.Add(10*time.Second))))
	h.sink.waitUpdates(t, "a", 1)

	conn.send(t, progress("a", 50, t0.Add(11*time.Second)))
	conn.send(t, progress("a", 55, t0.Add(11*time.Second)))
	conn.send(t, progress("a", 30, t0.Add(5*time.Second)))
	conn.send(t, progress("a", 60, t0.Add(12*time.Second)))

	updates := h.sink.waitUpdates(t, "a", 3)
	var seen []int
	for _, u := range updates {
		seen = append(seen, u.Progress)
	}
	assert.Equal(t, []int{40, 50, 60}, seen)
	assert.Equal(t, t0.Add(12*time.Second), h.job(t, "a").UpdatedAt)
}

func TestController_ProgressForUnknownJob(t *testing.T) {
	conn := newFakeConn()
	h := start(t, newFakeTransport(conn), newFakeAPI(runningJob("anchor", 0, t0)))
	h.sink.waitUpdates(t, "anchor", 1)

	conn.send(t, progress("new", 15, t0.Add(time.Second)))

	updates := h.sink.waitUpdates(t, "new", 1)
	assert.Equal(t, models.StateRunning, updates[0].State)
	assert.Equal(t, 15, updates[0].Progress)
}

func TestController_TerminalAppliedOnce(t *testing.T) {
	conn := newFakeConn()
	h := start(t, newFakeTransport(conn), newFakeAPI(
		runningJob("a", 40, t0.Add(time.Second)),
		runningJob("marker", 0, t0),
	))
	h.sink.waitUpdates(t, "a", 1)
	h.sink.waitUpdates(t, "marker", 1)

	failed := models.TerminalEvent{JobID: "a", Outcome: models.StateFailed, Error: "nmap: exit status 1", Timestamp: t0.Add(2 * time.Second)}
	conn.send(t, failed)
	conn.send(t, failed)
	conn.send(t, progress("a", 99, t0.Add(3*time.Second)))
	conn.send(t, progress("marker", 5, t0.Add(time.Second)))
	h.sink.waitUpdates(t, "marker", 2)

	updates := h.sink.updatesFor("a")
	require.Len(t, updates, 2)
	assert.Equal(t, models.StateFailed, updates[1].State)
	assert.Equal(t, "nmap: exit status 1", updates[1].Error)
	assert.Equal(t, 40, updates[1].Progress)

	alerts := h.sink.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailed, alerts[0].Kind)
	assert.Equal(t, "a", alerts[0].JobID)
}

func TestController_TerminalStates(t *testing.T) {
	tests := []struct {
		name         string
		outcome      models.JobState
		wantProgress int
		wantAlerts   int
	}{
		{"completed", models.StateCompleted, 100, 0},
		{"cancelled", models.StateCancelled, 40, 0},
		{"failed", models.StateFailed, 40, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			h := start(t, newFakeTransport(conn), newFakeAPI(runningJob("a", 40, t0)))
			h.sink.waitUpdates(t, "a", 1)

			conn.send(t, models.TerminalEvent{JobID: "a", Outcome: tt.outcome, Timestamp: t0.Add(time.Second)})
			updates := h.sink.waitUpdates(t, "a", 2)

			assert.Equal(t, tt.outcome, updates[1].State)
			assert.Equal(t, tt.wantProgress, updates[1].Progress)
			assert.NotNil(t, updates[1].FinishedAt)
			assert.Len(t, h.sink.Alerts(), tt.wantAlerts)
		})
	}
}

func TestController_VulnerabilityAlertsDeduplicated(t *testing.T) {
	conn := newFakeConn()
	h := start(t, newFakeTransport(conn), newFakeAPI(runningJob("a", 40, t0)))
	h.sink.waitUpdates(t, "a", 1)

	finding := models.VulnerabilityEvent{
		JobID:       "a",
		FindingID:   "CVE-2024-6387",
		Severity:    models.SeverityHigh,
		Description: "regreSSHion",
		Host:        "192.0.2.1",
		Port:        22,
		Timestamp:   t0.Add(time.Second),
	}
	conn.send(t, finding)
	conn.send(t, finding)
	other := finding
	other.FindingID = "CVE-2023-48795"
	conn.send(t, other)
	// Same advisory on another host, then another port: both are new findings.
	otherHost := finding
	otherHost.Host = "192.0.2.2"
	conn.send(t, otherHost)
	conn.send(t, otherHost)
	otherPort := finding
	otherPort.Port = 2222
	conn.send(t, otherPort)

	require.Eventually(t, func() bool { return len(h.sink.Alerts()) == 4 }, waitFor, 5*time.Millisecond)
	alerts := h.sink.Alerts()
	assert.Equal(t, AlertVulnerability, alerts[0].Kind)
	assert.Equal(t, "CVE-2024-6387", alerts[0].FindingID)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "192.0.2.1", alerts[0].Host)
	assert.EqualValues(t, 22, alerts[0].Port)
	assert.Equal(t, "CVE-2023-48795", alerts[1].FindingID)
	assert.Equal(t, "CVE-2024-6387", alerts[2].FindingID)
	assert.Equal(t, "192.0.2.2", alerts[2].Host)
	assert.Equal(t, "CVE-2024-6387", alerts[3].FindingID)
	assert.EqualValues(t, 2222, alerts[3].Port)

	// A repeat is still suppressed; only the marker after it is alerted.
	conn.send(t, finding)
	marker := finding
	marker.FindingID = "CVE-2024-3094"
	conn.send(t, marker)
	require.Eventually(t, func() bool { return len(h.sink.Alerts()) >= 5 }, waitFor, 5*time.Millisecond)
	alerts = h.sink.Alerts()
	require.Len(t, alerts, 5)
	assert.Equal(t, "CVE-2024-3094", alerts[4].FindingID)
}

func TestController_ReconnectsAfterDelayAndResyncs(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	transport := newFakeTransport(first)
	api := newFakeAPI(runningJob("a", 40, t0.Add(time.Second)))
	h := start(t, transport, api)
	h.sink.waitUpdates(t, "a", 1)

	// The job finishes while the stream is down.
	require.NoError(t, first.Close())
	h.waitState(t, Disconnected)
	done := runningJob("a", 100, t0.Add(time.Minute))
	require.NoError(t, done.Transition(models.StateCompleted, t0.Add(time.Minute)))
	api.put(done)

	_, err := h.ctrl.Query(context.Background(), "a")
	assert.True(t, errors.IsCode(err, errors.CodeTransportUnavailable))

	h.waitReconnectTimer(t)
	h.clock.Advance(4 * time.Second)
	assert.EqualValues(t, 1, transport.dials.Load())

	transport.conns <- second
	h.clock.Advance(time.Second)
	h.waitState(t, Connected)

	updates := h.sink.waitUpdates(t, "a", 2)
	assert.Equal(t, models.StateCompleted, updates[1].State)
	assert.Equal(t, 100, updates[1].Progress)
	assert.EqualValues(t, 2, transport.dials.Load())
	assert.EqualValues(t, 2, api.listCalls.Load())
	assert.Equal(t, []State{Connecting, Connected, Disconnected, Connecting, Connected}, h.sink.States())

	job, err := h.ctrl.Query(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Empty(t, h.sink.Alerts())
}

func TestController_ResyncAlertsMissedFailure(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	transport := newFakeTransport(first)
	api := newFakeAPI(runningJob("a", 40, t0.Add(time.Second)))
	h := start(t, transport, api)
	h.sink.waitUpdates(t, "a", 1)

	require.NoError(t, first.Close())
	h.waitState(t, Disconnected)
	failed := runningJob("a", 40, t0.Add(time.Minute))
	failed.Error = "host unreachable"
	require.NoError(t, failed.Transition(models.StateFailed, t0.Add(time.Minute)))
	api.put(failed)

	transport.conns <- second
	h.waitReconnectTimer(t)
	h.clock.Advance(5 * time.Second)

	updates := h.sink.waitUpdates(t, "a", 2)
	assert.Equal(t, models.StateFailed, updates[1].State)
	require.Len(t, h.sink.Alerts(), 1)
	assert.Equal(t, "host unreachable", h.sink.Alerts()[0].Message)
}

func TestController_DialFailureSchedulesReconnect(t *testing.T) {
	transport := newFakeTransport(nil)
	h := start(t, transport, newFakeAPI(runningJob("a", 0, t0)))

	h.waitState(t, Disconnected)
	h.waitReconnectTimer(t)

	transport.conns <- newFakeConn()
	h.clock.Advance(5 * time.Second)

	h.waitState(t, Connected)
	h.sink.waitUpdates(t, "a", 1)
	assert.EqualValues(t, 2, transport.dials.Load())
}

func TestController_ResyncFailureDisconnects(t *testing.T) {
	conn := newFakeConn()
	api := newFakeAPI()
	api.listErr = errors.NewJobError(errors.CodeServiceUnavailable, "store unavailable")
	h := start(t, newFakeTransport(conn), api)

	h.waitReconnectTimer(t)
	assert.Equal(t, Disconnected, h.ctrl.State())
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, h.sink.States())
	select {
	case <-conn.closed:
	default:
		t.Error("connection left open after failed resync")
	}
}

func TestController_OutboundRequiresConnection(t *testing.T) {
	h := start(t, newFakeTransport(), newFakeAPI())
	h.waitState(t, Connecting)
	ctx := context.Background()

	calls := map[string]func() error{
		"submit": func() error {
			_, err := h.ctrl.Submit(ctx, []string{"192.0.2.1"}, models.ScanOptions{})
			return err
		},
		"cancel": func() error { return h.ctrl.Cancel(ctx, "a") },
		"query": func() error {
			_, err := h.ctrl.Query(ctx, "a")
			return err
		},
		"export": func() error {
			_, err := h.ctrl.Export(ctx, "a", "json")
			return err
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeTransportUnavailable))
		})
	}
}

func TestController_OutboundWhenConnected(t *testing.T) {
	conn := newFakeConn()
	api := newFakeAPI(runningJob("anchor", 0, t0))
	h := start(t, newFakeTransport(conn), api)
	h.waitState(t, Connected)
	ctx := context.Background()

	id, err := h.ctrl.Submit(ctx, []string{"192.0.2.5"}, models.ScanOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = h.ctrl.Submit(ctx, nil, models.ScanOptions{})
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, h.ctrl.Cancel(ctx, id))
	assert.Equal(t, []string{id}, api.cancelled)

	job, err := h.ctrl.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, job.State)
	// Query results are folded into the cache.
	h.sink.waitUpdates(t, id, 1)

	_, err = h.ctrl.Export(ctx, id, "json")
	assert.True(t, errors.IsInvalidState(err))

	_, err = h.ctrl.Query(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestController_RunOnce(t *testing.T) {
	h := start(t, newFakeTransport(), newFakeAPI())
	h.waitState(t, Connecting)

	err := h.ctrl.Run(context.Background())
	assert.Error(t, err)
}
