package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the variants of Event on the wire.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventTerminal      EventType = "terminal"
	EventVulnerability EventType = "vulnerability"
)

// Event is a notification about one job. The set of implementations is
// closed: ProgressEvent, TerminalEvent and VulnerabilityEvent.
type Event interface {
	EventType() EventType
	EventJobID() string
	EventTime() time.Time
	sealed()
}

// ProgressEvent reports progress of a running job.
type ProgressEvent struct {
	JobID       string    `json:"job_id"`
	Progress    int       `json:"progress"`
	CurrentTask string    `json:"current_task"`
	Timestamp   time.Time `json:"timestamp"`
}

// Outcome is the terminal state carried by a TerminalEvent.
type Outcome = JobState

// TerminalEvent reports the end of a job. Exactly one is emitted per job.
type TerminalEvent struct {
	JobID     string         `json:"job_id"`
	Outcome   Outcome        `json:"outcome"`
	Summary   *ResultSummary `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// VulnerabilityEvent reports a finding discovered while a job runs.
type VulnerabilityEvent struct {
	JobID       string    `json:"job_id"`
	FindingID   string    `json:"finding_id"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score,omitempty"`
	Description string    `json:"description"`
	Host        string    `json:"host,omitempty"`
	Port        uint16    `json:"port,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (ProgressEvent) EventType() EventType { return EventProgress }
func (e ProgressEvent) EventJobID() string { return e.JobID }
func (e ProgressEvent) EventTime() time.Time { return e.Timestamp }
func (ProgressEvent) sealed() {}
func (TerminalEvent) EventType() EventType { return EventTerminal }
func (e TerminalEvent) EventJobID() string { return e.JobID }
func (e TerminalEvent) EventTime() time.Time { return e.Timestamp }
func (TerminalEvent) sealed() {}
func (VulnerabilityEvent) EventType() EventType { return EventVulnerability }
func (e VulnerabilityEvent) EventJobID() string { return e.JobID }
func (e VulnerabilityEvent) EventTime() time.Time { return e.Timestamp }
func (VulnerabilityEvent) sealed() {}

// IsCritical reports whether an event must not be dropped under backpressure.
func IsCritical(e Event) bool {
	switch e.(type) {
	case TerminalEvent, VulnerabilityEvent:
		return true
	default:
		return false
	}
}

// NewVulnerabilityEvent builds the event announcing f.
func NewVulnerabilityEvent(jobID string, f Finding, ts time.Time) VulnerabilityEvent {
	return VulnerabilityEvent{
		JobID:       jobID,
		FindingID:   f.ID,
		Severity:    f.Severity,
		Score:       f.Score,
		Description: f.Description,
		Host:        f.Host,
		Port:        f.Port,
		Timestamp:   ts,
	}
}

// Envelope is the wire form of an Event.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEvent marshals e into its JSON envelope.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.EventType(), err)
	}
	return json.Marshal(Envelope{
		Type:      e.EventType(),
		Timestamp: e.EventTime(),
		Data:      data,
	})
}

// DecodeEvent parses a JSON envelope into the matching Event variant.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	switch env.Type {
	case EventProgress:
		var e ProgressEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode progress event: %w", err)
		}
		return e, nil
	case EventTerminal:
		var e TerminalEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode terminal event: %w", err)
		}
		return e, nil
	case EventVulnerability:
		var e VulnerabilityEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode vulnerability event: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
