// internal/devicemodel/adctia.go
package devicemodel

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"potentiostat-service/internal/model"
)

// CalibrationSamples is the length of the self-test reply: five reference
// IDAC codes followed by the five ADC counts they produced.
const CalibrationSamples = 10

// IDACMicroampsPerBit is the current of one IDAC code
const IDACMicroampsPerBit = 1.0 / 8.0

// TiaState is an immutable snapshot of the current-sense chain
type TiaState struct {
	Range       model.GainRange        `json:"range"`
	Config      AdcConfig              `json:"config"`
	Calibration model.CalibrationState `json:"calibration"`
}

// AdcTia models the ADC and transimpedance amplifier. Writers are serialized;
// readers take a snapshot and never observe a half-applied calibration.
type AdcTia struct {
	vref  float64 // mV
	bits  int
	table *RangeTable
	mu    sync.Mutex
	state atomic.Pointer[TiaState]
	clock func() time.Time
}

// NewAdcTia creates the model on range index with the nominal conversion factor
func NewAdcTia(vref float64, bits int, table *RangeTable, index int, config AdcConfig) (*AdcTia, error) {
	if vref <= 0 || bits <= 0 {
		return nil, fmt.Errorf("adc vref and bits must be positive")
	}
	a := &AdcTia{vref: vref, bits: bits, table: table, clock: time.Now}
	if _, err := a.SetRange(index, config); err != nil {
		return nil, err
	}
	return a, nil
}

// Table returns the range table the model was built with
func (a *AdcTia) Table() *RangeTable {
	return a.table
}

// Snapshot returns the state in force
func (a *AdcTia) Snapshot() TiaState {
	return *a.state.Load()
}

// NominalCountsToCurrent is the uncalibrated µA per count for a resistor (kΩ)
// and ADC gain: (vref / 2^bits) / resistor / 2^gain.
func (a *AdcTia) NominalCountsToCurrent(resistorKOhm float64, gainBits int) float64 {
	countsToMillivolts := a.vref / float64(int(1)<<a.bits)
	return countsToMillivolts / resistorKOhm / float64(int(1)<<gainBits)
}

// SetRange selects a current range. The previous calibration no longer applies,
// so the nominal factor stays in force until Calibrate succeeds.
func (a *AdcTia) SetRange(index int, config AdcConfig) (TiaState, error) {
	r, err := a.table.Range(index)
	if err != nil {
		return TiaState{}, err
	}

	return a.apply(r, config), nil
}

// SetExternalRange switches to an off-board resistor built by
// RangeTable.ExternalRange. Like SetRange it drops the calibration.
func (a *AdcTia) SetExternalRange(r model.GainRange, config AdcConfig) (TiaState, error) {
	if r.Index != ExternalRangeIndex || r.ResistorKOhm <= 0 {
		return TiaState{}, fmt.Errorf("not an external range: %+v", r)
	}
	if config.Mode != ModeExternal {
		return TiaState{}, fmt.Errorf("external range needs adc mode %q, got %q", ModeExternal, config.Mode)
	}
	if err := config.Validate(); err != nil {
		return TiaState{}, err
	}
	return a.apply(r, config), nil
}

func (a *AdcTia) apply(r model.GainRange, config AdcConfig) TiaState {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := &TiaState{
		Range:  r,
		Config: config,
		Calibration: model.CalibrationState{
			CountsToCurrent: a.NominalCountsToCurrent(r.ResistorKOhm, r.GainBits),
		},
	}
	a.state.Store(next)
	return *next
}

// Calibrate derives the zero-current shift and counts-to-current factor from the
// self-test reply. The factor is the mean of the slopes below and above the
// zero point. On error the previous values stay in force.
func (a *AdcTia) Calibrate(data []int16) (model.CalibrationState, error) {
	cal, err := ComputeCalibration(data)
	if err != nil {
		return a.Snapshot().Calibration, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cal.CalibratedAt = a.clock()
	next := *a.state.Load()
	next.Calibration = cal
	a.state.Store(&next)
	return cal, nil
}

// ComputeCalibration is the pure part of Calibrate
func ComputeCalibration(data []int16) (model.CalibrationState, error) {
	if len(data) < CalibrationSamples {
		return model.CalibrationState{}, &model.CalibrationError{
			Reason: fmt.Sprintf("expected %d reference samples, got %d", CalibrationSamples, len(data)),
		}
	}

	lowCurrent := float64(data[0]) * IDACMicroampsPerBit
	highCurrent := float64(data[4]) * IDACMicroampsPerBit
	lowCount, zeroCount, highCount := float64(data[5]), float64(data[7]), float64(data[9])

	if lowCount == zeroCount || zeroCount == highCount {
		return model.CalibrationState{}, &model.CalibrationError{
			Reason: "reference counts do not move away from the zero point",
		}
	}

	lower := lowCurrent / (lowCount - zeroCount)
	upper := highCurrent / (zeroCount - highCount)
	factor := (lower + upper) / 2

	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor == 0 {
		return model.CalibrationState{}, &model.CalibrationError{
			Reason: fmt.Sprintf("derived factor %v is unusable", factor),
		}
	}
	if (lower > 0) != (upper > 0) {
		return model.CalibrationState{}, &model.CalibrationError{
			Reason: fmt.Sprintf("slopes disagree in sign (lower %v, upper %v)", lower, upper),
		}
	}

	return model.CalibrationState{
		CountsToCurrent: factor,
		Shift:           zeroCount,
		Calibrated:      true,
	}, nil
}

// CountsToPhysical converts raw ADC counts into µA: (raw - shift) * factor
func CountsToPhysical(raw []int16, shift, countsToCurrent float64) []float64 {
	out := make([]float64, len(raw))
	for i, r := range raw {
		out[i] = (float64(r) - shift) * countsToCurrent
	}
	return out
}
