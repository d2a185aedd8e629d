// Package scantest provides a scripted Scanner for tests of code that drives scans.
package scantest

import (
	"context"
	"sync"

	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/scanning"
)

// Step is one scripted action of a fake scan.
type Step struct {
	update *scanning.Update
	err    error
	wait   <-chan struct{}
	panic  any
}

// Progress emits a progress update.
func Progress(p int, task string) Step {
	u := scanning.ProgressUpdate(p, task)
	return Step{update: &u}
}

// Host emits a host result.
func Host(h models.Host) Step {
	u := scanning.HostUpdate(h)
	return Step{update: &u}
}

// Finding emits a finding.
func Finding(f models.Finding) Step {
	u := scanning.FindingUpdate(f)
	return Step{update: &u}
}

// Fail ends the stream with err.
func Fail(err error) Step {
	return Step{err: err}
}

// Panic makes the scan panic with v.
func Panic(v any) Step {
	return Step{panic: v}
}

// Block waits until ch is closed or the scan is cancelled.
func Block(ch <-chan struct{}) Step {
	return Step{wait: ch}
}

// Call records one Scan invocation.
type Call struct {
	Targets []string
	Options models.ScanOptions
}

// Scanner replays a script for every Scan call. Scripts can be set per first
// target with On; Default applies otherwise.
type Scanner struct {
	mu       sync.Mutex
	Default  []Step
	byTarget map[string][]Step
	calls    []Call
	started  chan string
	StartErr error
}

// New creates a fake scanner that plays steps for every scan.
func New(steps ...Step) *Scanner {
	return &Scanner{
		Default:  steps,
		byTarget: make(map[string][]Step),
		started:  make(chan string, 64),
	}
}

// On sets the script for scans whose first target is target.
func (s *Scanner) On(target string, steps ...Step) *Scanner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTarget[target] = steps
	return s
}

// Started receives the first target of every scan as it begins.
func (s *Scanner) Started() <-chan string {
	return s.started
}

// Calls returns the scans started so far, in order.
func (s *Scanner) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Scan implements scanning.Scanner.
func (s *Scanner) Scan(ctx context.Context, targets []string, opts models.ScanOptions) (scanning.Stream, error) {
	s.mu.Lock()
	if s.StartErr != nil {
		err := s.StartErr
		s.mu.Unlock()
		return nil, err
	}
	s.calls = append(s.calls, Call{Targets: append([]string(nil), targets...), Options: opts})
	steps := s.Default
	if len(targets) > 0 {
		if scripted, ok := s.byTarget[targets[0]]; ok {
			steps = scripted
		}
	}
	s.mu.Unlock()

	if len(targets) > 0 {
		select {
		case s.started <- targets[0]:
		default:
		}
	}

	return scanning.NewStream(ctx, func(ctx context.Context, emit scanning.Emit) error {
		for _, step := range steps {
			switch {
			case step.panic != nil:
				panic(step.panic)
			case step.err != nil:
				return step.err
			case step.wait != nil:
				select {
				case <-step.wait:
				case <-ctx.Done():
					return ctx.Err()
				}
			case step.update != nil:
				if err := emit(*step.update); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}
