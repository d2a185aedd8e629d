package scanning

import (
	"context"
	"fmt"
	"io"

	"github.com/anstrom/scanwatch/internal/models"
)

// UpdateKind identifies the payload of an Update.
type UpdateKind int

const (
	UpdateProgress UpdateKind = iota
	UpdateHost
	UpdateFinding
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateProgress:
		return "progress"
	case UpdateHost:
		return "host"
	case UpdateFinding:
		return "finding"
	default:
		return "unknown"
	}
}

// Update is one incremental item produced by a scan.
type Update struct {
	Kind     UpdateKind
	Progress int
	Task     string
	Host     *models.Host
	Finding  *models.Finding
}

// ProgressUpdate builds a progress update.
func ProgressUpdate(progress int, task string) Update {
	return Update{Kind: UpdateProgress, Progress: progress, Task: task}
}

// HostUpdate builds a host update.
func HostUpdate(h models.Host) Update {
	return Update{Kind: UpdateHost, Host: &h}
}

// FindingUpdate builds a finding update.
func FindingUpdate(f models.Finding) Update {
	return Update{Kind: UpdateFinding, Finding: &f}
}

// Stream yields updates until io.EOF or an error.
type Stream interface {
	Next(ctx context.Context) (Update, error)
	Close() error
}

// Scanner starts scans.
type Scanner interface {
	Scan(ctx context.Context, targets []string, opts models.ScanOptions) (Stream, error)
}

// Emit hands one update to the consumer of a stream.
type Emit func(Update) error

// ProduceFunc generates a stream's updates. Returning nil ends the stream with io.EOF.
type ProduceFunc func(ctx context.Context, emit Emit) error

type pipeStream struct {
	updates chan Update
	done    chan struct{}
	cancel  context.CancelFunc
	err     error

	finished bool
	final    error
}

// NewStream runs produce in its own goroutine and exposes what it emits as a Stream.
// Emit blocks until the consumer calls Next, so a stream is only as fast as its reader.
func NewStream(ctx context.Context, produce ProduceFunc) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pipeStream{
		updates: make(chan Update),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("scan panicked: %v", r)
			}
		}()
		s.err = produce(ctx, func(u Update) error {
			select {
			case s.updates <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return s
}

func (s *pipeStream) Next(ctx context.Context) (Update, error) {
	if s.finished {
		return Update{}, s.final
	}

	select {
	case u := <-s.updates:
		return u, nil
	case <-s.done:
		s.finished = true
		s.final = io.EOF
		if s.err != nil {
			s.final = s.err
		}
		return Update{}, s.final
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

func (s *pipeStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
