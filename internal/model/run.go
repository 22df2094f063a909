// internal/model/run.go
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunStatus represents the outcome of a stored run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSuccess   RunStatus = "SUCCESS"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Run is a persisted experiment run
type Run struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Technique       Technique       `json:"technique" db:"technique"`
	Status          RunStatus       `json:"status" db:"status"`
	Parameters      JSONObject      `json:"parameters" db:"parameters"`
	Voltages        []int           `json:"voltages,omitempty" db:"voltages"`
	Currents        []float64       `json:"currents,omitempty" db:"currents"`
	SampleCount     int             `json:"sample_count" db:"sample_count"`
	PeakCurrent     decimal.Decimal `json:"peak_current_ua" db:"peak_current"`
	CountsToCurrent float64         `json:"counts_to_current" db:"counts_to_current"`
	Shift           float64         `json:"shift" db:"shift"`
	RangeIndex      int             `json:"range_index" db:"range_index"`
	ErrorCode       *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs      *int            `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// IsCompleted checks if the run reached a final status
func (r *Run) IsCompleted() bool {
	return r.Status == RunStatusSuccess ||
		r.Status == RunStatusFailed ||
		r.Status == RunStatusCancelled
}

// RunFilter narrows run listings
type RunFilter struct {
	Technique *Technique
	Status    *RunStatus
	Since     *time.Time
	Limit     int
	Offset    int
}

// CalibrationRecord is a persisted self-calibration result
type CalibrationRecord struct {
	ID              uuid.UUID `json:"id" db:"id"`
	RangeIndex      int       `json:"range_index" db:"range_index"`
	ResistorKOhm    float64   `json:"resistor_kohm" db:"resistor_kohm"`
	GainBits        int       `json:"gain_bits" db:"gain_bits"`
	CountsToCurrent float64   `json:"counts_to_current" db:"counts_to_current"`
	Shift           float64   `json:"shift" db:"shift"`
	ReferenceData   []int16   `json:"reference_data" db:"reference_data"`
	Succeeded       bool      `json:"succeeded" db:"succeeded"`
	ErrorMessage    *string   `json:"error_message,omitempty" db:"error_message"`
	RecordedAt      time.Time `json:"recorded_at" db:"recorded_at"`
}
