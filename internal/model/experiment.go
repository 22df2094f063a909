// internal/model/experiment.go
package model

import (
	"fmt"
	"time"
)

// Technique identifies the electrochemical method of a run
type Technique string

const (
	TechniqueCV          Technique = "CV"
	TechniqueLS          Technique = "LS"
	TechniqueSWV         Technique = "SWV"
	TechniqueASV         Technique = "ASV"
	TechniqueAmperometry Technique = "AMPEROMETRY"
)

// SweepType is the shape of the applied voltage ramp
type SweepType string

const (
	SweepTypeCV SweepType = "CV"
	SweepTypeLS SweepType = "LS"
)

// StartMode selects where a sweep begins
type StartMode string

const (
	// StartModeStart begins the sweep at the start voltage
	StartModeStart StartMode = "Start"
	// StartModeZero begins and ends the sweep at 0 mV
	StartModeZero StartMode = "Zero"
)

// SweepSpec describes one voltage sweep. Voltages are in mV, sweep rate in V/s,
// square-wave period in ms. A zero SwvHeight means no square-wave superposition;
// the synthesized axis uses SwvHeight/2 rounded down on either side of the ramp.
type SweepSpec struct {
	StartVoltage int       `json:"start_voltage" yaml:"start_voltage"`
	EndVoltage   int       `json:"end_voltage" yaml:"end_voltage"`
	Increment    int       `json:"increment" yaml:"increment"`
	SweepRate    float64   `json:"sweep_rate" yaml:"sweep_rate"`
	SweepType    SweepType `json:"sweep_type" yaml:"sweep_type"`
	StartMode    StartMode `json:"start_mode" yaml:"start_mode"`
	SwvHeight    int       `json:"swv_height,omitempty" yaml:"swv_height,omitempty"`
	SwvPeriod    int       `json:"swv_period,omitempty" yaml:"swv_period,omitempty"`
}

// IsSWV reports whether a square wave is superimposed on the ramp
func (s SweepSpec) IsSWV() bool {
	return s.SwvHeight > 0
}

// Technique returns the technique label for the sweep
func (s SweepSpec) Technique() Technique {
	switch {
	case s.IsSWV():
		return TechniqueSWV
	case s.SweepType == SweepTypeLS:
		return TechniqueLS
	default:
		return TechniqueCV
	}
}

// TypeCode is the two-letter sweep type field of the S and G frames, e.g. "CS" or "LZ"
func (s SweepSpec) TypeCode() string {
	return string(s.SweepType)[:1] + string(s.StartMode)[:1]
}

// Validate checks the fields the device and waveform synthesis rely on
func (s SweepSpec) Validate() error {
	if s.Increment == 0 {
		return fmt.Errorf("increment must be non-zero")
	}
	if s.SweepType != SweepTypeCV && s.SweepType != SweepTypeLS {
		return fmt.Errorf("sweep_type must be CV or LS, got %q", s.SweepType)
	}
	if s.StartMode != StartModeStart && s.StartMode != StartModeZero {
		return fmt.Errorf("start_mode must be Start or Zero, got %q", s.StartMode)
	}
	if s.SwvHeight < 0 {
		return fmt.Errorf("swv_height must not be negative")
	}
	if s.IsSWV() {
		if s.SwvPeriod <= 0 {
			return fmt.Errorf("swv_period must be positive for square-wave sweeps")
		}
	} else if s.SweepRate <= 0 {
		return fmt.Errorf("sweep_rate must be positive")
	}
	return nil
}

// AsvPhaseSpec describes an anode-stripping run. Times are in seconds except
// DelayTime, which is the completion wait of the stripping sweep in ms.
type AsvPhaseSpec struct {
	CleanVoltage int       `json:"clean_voltage" yaml:"clean_voltage"`
	CleanTime    int       `json:"clean_time" yaml:"clean_time"`
	PlateVoltage int       `json:"plate_voltage" yaml:"plate_voltage"`
	PlateTime    int       `json:"plate_time" yaml:"plate_time"`
	ShortPlating bool      `json:"short_plating" yaml:"short_plating"`
	Strip        SweepSpec `json:"strip" yaml:"strip"`
	DelayTime    int       `json:"delay_time" yaml:"delay_time"`
}

// Validate checks phase timings and the stripping sweep
func (a AsvPhaseSpec) Validate() error {
	if a.CleanTime < 0 || a.PlateTime < 0 {
		return fmt.Errorf("phase times must not be negative")
	}
	if a.DelayTime < 0 {
		return fmt.Errorf("delay_time must not be negative")
	}
	if a.Strip.SweepType != SweepTypeLS {
		return fmt.Errorf("stripping sweep must be LS")
	}
	return a.Strip.Validate()
}

// AmperometrySpec describes a constant-voltage streaming run
type AmperometrySpec struct {
	Voltage      int     `json:"voltage" yaml:"voltage"`             // mV
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"` // Hz
	PollInterval int     `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
}

// Validate checks the amperometry settings
func (a AmperometrySpec) Validate() error {
	if a.SamplingRate <= 0 {
		return fmt.Errorf("sampling_rate must be positive")
	}
	if a.PollInterval < 0 {
		return fmt.Errorf("poll_interval_ms must not be negative")
	}
	return nil
}

// PacketSize is the number of samples the device buffers before a chunk is
// ready: a fifth of a second of data at 1 kHz and above, half a second below.
func (a AmperometrySpec) PacketSize() int {
	if a.SamplingRate >= 1000 {
		return int(a.SamplingRate / 5)
	}
	size := int(a.SamplingRate / 2)
	if size < 1 {
		size = 1
	}
	return size
}

// Phase is the controller state
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhaseCleaning             Phase = "CLEANING"
	PhasePlating              Phase = "PLATING"
	PhaseParametersSent       Phase = "PARAMETERS_SENT"
	PhaseArmed                Phase = "ARMED"
	PhaseWaitingForCompletion Phase = "WAITING_FOR_COMPLETION"
	PhaseRetrievingData       Phase = "RETRIEVING_DATA"
	PhaseStreaming            Phase = "STREAMING"
	PhaseFailed               Phase = "FAILED"
)

// Busy reports whether a run currently owns the device
func (p Phase) Busy() bool {
	return p != PhaseIdle && p != PhaseFailed
}

// RunState is the controller's view of the current run
type RunState struct {
	Phase      Phase     `json:"phase"`
	RetryCount int       `json:"retry_count"`
	ArmedAt    time.Time `json:"armed_at,omitempty"`
	Technique  Technique `json:"technique,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// RunResult pairs the applied voltages with the measured currents of one run
type RunResult struct {
	Technique       Technique `json:"technique"`
	Spec            SweepSpec `json:"spec"`
	Voltages        []int     `json:"voltages"` // mV
	Currents        []float64 `json:"currents"` // µA
	Raw             []int16   `json:"raw,omitempty"`
	CountsToCurrent float64   `json:"counts_to_current"`
	Shift           float64   `json:"shift"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// AmperometryChunk is one block of streamed constant-voltage samples
type AmperometryChunk struct {
	Sequence  int       `json:"sequence"`
	StartTime float64   `json:"start_time"` // seconds since run start
	TimeStep  float64   `json:"time_step"`  // seconds
	Currents  []float64 `json:"currents"`   // µA
}
