package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		ProgressEvent{JobID: "j1", Progress: 45, CurrentTask: "scanning 10.0.0.2", Timestamp: ts},
		TerminalEvent{JobID: "j1", Outcome: StateFailed, Error: "exit status 1", Timestamp: ts},
		VulnerabilityEvent{JobID: "j1", FindingID: "CVE-2021-41773", Severity: SeverityCritical, Description: "path traversal", Timestamp: ts},
	}

	for _, ev := range events {
		t.Run(string(ev.EventType()), func(t *testing.T) {
			raw, err := EncodeEvent(ev)
			require.NoError(t, err)

			var env map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &env))
			assert.Contains(t, env, "type")
			assert.Contains(t, env, "timestamp")
			assert.Contains(t, env, "data")

			decoded, err := DecodeEvent(raw)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"bogus","data":{}}`))
	assert.ErrorContains(t, err, "unknown event type")

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"type":"progress","data":"nope"}`))
	assert.Error(t, err)
}

func TestIsCritical(t *testing.T) {
	assert.False(t, IsCritical(ProgressEvent{}))
	assert.True(t, IsCritical(TerminalEvent{}))
	assert.True(t, IsCritical(VulnerabilityEvent{}))
}

func TestNewVulnerabilityEvent(t *testing.T) {
	f := Finding{ID: "CVE-1", Severity: SeverityHigh, Score: 7.5, Description: "d", Host: "h", Port: 443}
	ev := NewVulnerabilityEvent("job", f, time.Unix(0, 0))
	assert.Equal(t, "CVE-1", ev.FindingID)
	assert.Equal(t, uint16(443), ev.Port)
	assert.Equal(t, "job", ev.EventJobID())
}
