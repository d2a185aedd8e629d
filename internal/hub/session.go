package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/anstrom/scanwatch/internal/models"
)

type queued struct {
	event models.Event
	at    time.Time
}

// Session is one subscriber's view of the event stream.
type Session struct {
	id       string
	hub      *Hub
	capacity int

	mu       sync.Mutex
	queue    []queued
	inflight bool
	// overflow is the first critical event that pushed the session past its
	// bound. Its time starts the eviction deadline, which holds until the
	// queue is back within capacity.
	overflow *queued

	wake    chan struct{}
	out     chan models.Event
	done    chan struct{}
	once    sync.Once
	reason  atomic.Value
	dropped atomic.Uint64
}

func newSession(h *Hub, capacity int) *Session {
	return &Session{
		id:       uuid.NewString(),
		hub:      h,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		out:      make(chan models.Event),
		done:     make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Events returns the session's event channel. It is closed after Done.
func (s *Session) Events() <-chan models.Event { return s.out }

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session was disconnected, or "" while connected.
func (s *Session) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Dropped returns the number of progress events discarded for this session.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) close(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		close(s.done)
	})
}

// size counts queued events plus the one being handed to the consumer. Callers hold mu.
func (s *Session) size() int {
	n := len(s.queue)
	if s.inflight {
		n++
	}
	return n
}

func (s *Session) enqueue(e models.Event) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if _, ok := e.(models.ProgressEvent); ok && s.size() >= s.capacity {
		if !s.dropOldestProgressLocked() {
			s.mu.Unlock()
			s.countDrop(e)
			return
		}
	}
	q := queued{event: e, at: s.hub.clock.Now()}
	s.queue = append(s.queue, q)
	if s.overflow == nil && s.size() > s.capacity {
		s.overflow = &q
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) dropOldestProgressLocked() bool {
	for i, q := range s.queue {
		if _, ok := q.event.(models.ProgressEvent); ok {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.countDrop(q.event)
			return true
		}
	}
	return false
}

func (s *Session) countDrop(e models.Event) {
	s.dropped.Add(1)
	s.hub.recorder.EventDropped(string(e.EventType()))
}

// overdueAt returns when the session runs out of time to get back within
// its bound, and the critical event that first pushed it over. Dropping
// progress does not move the deadline. Callers hold mu.
func (s *Session) overdueAt() (time.Time, models.Event, bool) {
	if s.size() <= s.capacity {
		s.overflow = nil
		return time.Time{}, nil, false
	}
	if s.overflow == nil {
		return time.Time{}, nil, false
	}
	return s.overflow.at.Add(s.hub.config.CriticalSendTimeout), s.overflow.event, true
}

// deliver hands queued events to the consumer in publish order.
func (s *Session) deliver() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		head := s.queue[0].event
		s.queue = s.queue[1:]
		s.inflight = true
		s.mu.Unlock()

		if !s.send(head) {
			return
		}

		s.mu.Lock()
		s.inflight = false
		if s.size() <= s.capacity {
			s.overflow = nil
		}
		s.mu.Unlock()
	}
}

// send blocks until the consumer takes e, watching the deadline of events
// waiting for space. It reports false once the session is closed.
func (s *Session) send(e models.Event) bool {
	for {
		s.mu.Lock()
		deadline, waiting, overflow := s.overdueAt()
		s.mu.Unlock()

		var (
			timer   clockwork.Timer
			timeout <-chan time.Time
		)
		if overflow {
			d := deadline.Sub(s.hub.clock.Now())
			if d <= 0 {
				s.hub.evict(s, waiting)
				return false
			}
			timer = s.hub.clock.NewTimer(d)
			timeout = timer.Chan()
		}

		sent, closed := false, false
		select {
		case s.out <- e:
			sent = true
		case <-s.wake:
			// Queue grew; recompute the deadline.
		case <-timeout:
		case <-s.done:
			closed = true
		}
		if timer != nil {
			timer.Stop()
		}
		if sent {
			return true
		}
		if closed {
			return false
		}
	}
}
