// Package metrics provides Prometheus-based metrics collection for scanwatch.
package metrics

import "time"

// Recorder is the metrics surface used by the job manager, the hub, the
// export service and the API. Tests use Nop.
type Recorder interface {
	JobSubmitted()
	JobFinished(outcome string, duration time.Duration)
	SetJobsRunning(n int)
	SetJobsQueued(n int)
	FindingRecorded(severity string)

	EventPublished(eventType string)
	EventDropped(eventType string)
	SessionEvicted(reason string)
	SetSessions(n int)

	ExportGenerated(format string, duration time.Duration)
	HTTPRequest(method, route, status string, duration time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

var (
	_ Recorder = Nop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)

func (Nop) JobSubmitted() {}
func (Nop) JobFinished(string, time.Duration) {}
func (Nop) SetJobsRunning(int) {}
func (Nop) SetJobsQueued(int) {}
func (Nop) FindingRecorded(string) {}
func (Nop) EventPublished(string) {}
func (Nop) EventDropped(string) {}
func (Nop) SessionEvicted(string) {}
func (Nop) SetSessions(int) {}
func (Nop) ExportGenerated(string, time.Duration) {}
func (Nop) HTTPRequest(string, string, string, time.Duration) {}
