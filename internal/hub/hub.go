// Package hub fans job events out to connected sessions.
//
// Every session owns a bounded queue drained by its own delivery goroutine,
// so Publish never waits on a consumer. When a queue is full, progress
// events give way: the oldest queued progress event is dropped to make room.
// If the queue holds no progress event, the incoming one is dropped instead,
// even when it is the latest progress of its job. The job's next progress
// event or its terminal event supersedes it, and a client that needs the
// exact value queries the job.
//
// Terminal and vulnerability events are never dropped; they may wait beyond
// the bound. Once a critical event pushes a session over its bound, the
// session has CriticalSendTimeout to get back within it or it is
// disconnected. Progress published meanwhile does not extend that deadline.
package hub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
	"github.com/anstrom/scanwatch/internal/models"
)

// Disconnect reasons reported by Session.Reason.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonSlowConsumer = "slow_consumer"
	ReasonHubClosed    = "hub_closed"
)

// Config holds hub settings.
type Config struct {
	// SessionQueueSize bounds each session's queue.
	SessionQueueSize int `yaml:"session_queue_size" json:"session_queue_size"`
	// CriticalSendTimeout is how long a critical event may wait for queue space.
	CriticalSendTimeout time.Duration `yaml:"critical_send_timeout" json:"critical_send_timeout"`
}

// DefaultConfig returns default hub settings.
func DefaultConfig() Config {
	return Config{
		SessionQueueSize:    64,
		CriticalSendTimeout: 2 * time.Second,
	}
}

// Hub is the notification hub.
type Hub struct {
	config   Config
	logger   *logging.Logger
	recorder metrics.Recorder
	clock    clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(h *Hub) { h.recorder = r }
}

// WithClock sets the clock used for critical send deadlines.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// New creates a hub.
func New(cfg Config, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.SessionQueueSize <= 0 {
		cfg.SessionQueueSize = def.SessionQueueSize
	}
	if cfg.CriticalSendTimeout <= 0 {
		cfg.CriticalSendTimeout = def.CriticalSendTimeout
	}
	h := &Hub{
		config:   cfg,
		logger:   logging.Default(),
		recorder: metrics.Nop{},
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("hub")
	return h
}

// Publish delivers e to every connected session. It never blocks on a consumer.
func (h *Hub) Publish(e models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, s := range h.sessions {
		s.enqueue(e)
	}
	h.recorder.EventPublished(string(e.EventType()))
}

// Subscribe connects a new session. A non-positive bufferSize uses the
// configured session queue size.
func (h *Hub) Subscribe(bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = h.config.SessionQueueSize
	}
	s := newSession(h, bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close(ReasonHubClosed)
		close(s.out)
		return s
	}
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()

	go s.deliver()
	h.recorder.SetSessions(n)
	h.logger.Debug("Session subscribed", "session_id", s.id, "queue_size", bufferSize)
	return s
}

// Unsubscribe disconnects s. It is safe to call more than once.
func (h *Hub) Unsubscribe(s *Session) {
	if h.remove(s) {
		h.logger.Debug("Session unsubscribed", "session_id", s.id)
	}
	s.close(ReasonUnsubscribed)
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(ReasonHubClosed)
	}
	h.recorder.SetSessions(0)
	h.logger.Info("Hub closed", "sessions", len(sessions))
}

func (h *Hub) remove(s *Session) bool {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	if ok {
		h.recorder.SetSessions(n)
	}
	return ok
}

// evict disconnects a session whose consumer fell behind on critical events.
func (h *Hub) evict(s *Session, waiting models.Event) {
	h.remove(s)
	s.close(ReasonSlowConsumer)
	h.recorder.SessionEvicted(ReasonSlowConsumer)
	h.logger.Warn("Session disconnected: critical event not accepted in time",
		"session_id", s.id,
		"event_type", waiting.EventType(),
		"job_id", waiting.EventJobID(),
		"timeout", h.config.CriticalSendTimeout)
}
