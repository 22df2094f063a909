// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventInstrumentConnected    EventType = "INSTRUMENT_CONNECTED"
	EventInstrumentDisconnected EventType = "INSTRUMENT_DISCONNECTED"
	EventInstrumentError        EventType = "INSTRUMENT_ERROR"
	EventPhaseChanged           EventType = "PHASE_CHANGED"
	EventRunStarted             EventType = "RUN_STARTED"
	EventRunCompleted           EventType = "RUN_COMPLETED"
	EventRunFailed              EventType = "RUN_FAILED"
	EventAmperometryChunk       EventType = "AMPEROMETRY_CHUNK"
	EventCalibrated             EventType = "CALIBRATED"
	EventRangeChanged           EventType = "RANGE_CHANGED"
)

// InstrumentEvent represents an event in the system
type InstrumentEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Data      JSONObject `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"` // INFO, WARNING, ERROR
}

// NewEvent creates an event stamped with a fresh ID and the current time
func NewEvent(eventType EventType, source, severity string, data JSONObject) *InstrumentEvent {
	return &InstrumentEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Severity:  severity,
	}
}

// WithRun tags the event with a run ID
func (e *InstrumentEvent) WithRun(id uuid.UUID) *InstrumentEvent {
	e.RunID = &id
	return e
}
