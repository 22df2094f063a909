// internal/devicemodel/dac.go
package devicemodel

import (
	"fmt"
	"math"
	"sync"
)

// SourceVariant names the voltage source driving the electrode
type SourceVariant string

const (
	// Source8Bit is the plain 8-bit VDAC, 16 mV per count
	Source8Bit SourceVariant = "8-bit"
	// SourceDVDAC is the dithered VDAC (capacitor installed), 1 mV per count
	SourceDVDAC SourceVariant = "dvdac"
)

// SourceSpec describes the resolution of one voltage source
type SourceSpec struct {
	Variant  SourceVariant `json:"variant"`
	Bits     int           `json:"bits"`
	StepSize int           `json:"voltage_step_size"` // mV per count
	Command  string        `json:"command"`           // select command
	Code     byte          `json:"code"`              // value reported by the source query
}

var sources = map[SourceVariant]SourceSpec{
	Source8Bit:  {Variant: Source8Bit, Bits: 8, StepSize: 16, Command: "VS1", Code: 1},
	SourceDVDAC: {Variant: SourceDVDAC, Bits: 12, StepSize: 1, Command: "VS2", Code: 2},
}

// LookupSource returns the spec for a source variant
func LookupSource(v SourceVariant) (SourceSpec, bool) {
	s, ok := sources[v]
	return s, ok
}

// SourceFromCode maps the byte reported by the source query onto a variant.
// Zero means the firmware has no source selected yet.
func SourceFromCode(code byte) (SourceSpec, bool) {
	for _, s := range sources {
		if s.Code == code {
			return s, true
		}
	}
	return SourceSpec{}, false
}

// DAC converts between electrode millivolts and DAC counts.
//
// The electrode sits on the virtual ground, so with shifting enabled a count
// encodes virtual_ground - mv: count = round((vg - mv) / step) and
// mv = vg - count*step. Unshifted conversions (anode voltage, step and pulse
// sizes) are plain mv / step.
type DAC struct {
	mu            sync.RWMutex
	source        SourceSpec
	virtualGround float64 // mV
	voltageRange  float64 // mV full scale
	revision      uint64
}

// NewDAC creates a DAC model for the given source
func NewDAC(variant SourceVariant, virtualGround, voltageRange float64) (*DAC, error) {
	spec, ok := LookupSource(variant)
	if !ok {
		return nil, fmt.Errorf("unknown voltage source %q", variant)
	}
	if voltageRange <= 0 {
		return nil, fmt.Errorf("voltage range must be positive")
	}
	return &DAC{
		source:        spec,
		virtualGround: virtualGround,
		voltageRange:  voltageRange,
	}, nil
}

// SetSource switches the source variant. Counts computed before the switch
// are stale; Revision changes so callers can tell.
func (d *DAC) SetSource(variant SourceVariant) (changed bool, err error) {
	spec, ok := LookupSource(variant)
	if !ok {
		return false, fmt.Errorf("unknown voltage source %q", variant)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.source.Variant == variant {
		return false, nil
	}
	d.source = spec
	d.revision++
	return true, nil
}

// Source returns the active source spec
func (d *DAC) Source() SourceSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

// StepSize returns mV per count of the active source
func (d *DAC) StepSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source.StepSize
}

// VirtualGround returns the virtual ground shift in mV
func (d *DAC) VirtualGround() float64 {
	return d.virtualGround
}

// Revision increments every time the source changes
func (d *DAC) Revision() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// MaxCount is the largest count the source accepts
func (d *DAC) MaxCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxCountLocked()
}

func (d *DAC) maxCountLocked() int {
	full := (1 << d.source.Bits) - 1
	byRange := int(d.voltageRange) / d.source.StepSize
	if byRange < full {
		return byRange
	}
	return full
}

// VoltageToCount converts mv into the nearest representable DAC count
func (d *DAC) VoltageToCount(mv int, shift bool) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := float64(mv)
	if shift {
		v = d.virtualGround - v
	}
	count := int(math.Round(v / float64(d.source.StepSize)))
	if count < 0 || count > d.maxCountLocked() {
		return 0, fmt.Errorf("%d mV is outside the %s range (count %d, max %d)",
			mv, d.source.Variant, count, d.maxCountLocked())
	}
	return count, nil
}

// StepCount converts a step or pulse size into counts, never less than one
func (d *DAC) StepCount(mv int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := int(math.Round(math.Abs(float64(mv)) / float64(d.source.StepSize)))
	if count == 0 {
		count = 1
	}
	return count
}

// CountToVoltage is the inverse of VoltageToCount
func (d *DAC) CountToVoltage(count int, shift bool) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := float64(count * d.source.StepSize)
	if shift {
		v = d.virtualGround - v
	}
	return v
}
