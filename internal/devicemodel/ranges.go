// internal/devicemodel/ranges.go
package devicemodel

import (
	"fmt"
	"math"
	"strconv"

	"potentiostat-service/internal/model"
)

// ADC input modes of the A frame
const (
	ModeInternal = "F"
	ModeExternal = "T"
)

// ExternalRangeIndex marks a range built around an off-board resistor
const ExternalRangeIndex = -1

// ExternalSwingMillivolts is the TIA output swing that sets the current limit
// of an external resistor
const ExternalSwingMillivolts = 1200.0

// AdcConfig is the trailing mode/channel pair of the A frame. Mode "F" routes
// the internal TIA, "T" an external resistor on Channel.
type AdcConfig struct {
	Mode    string `json:"mode"`
	Channel int    `json:"channel"`
}

// DefaultAdcConfig uses the internal TIA
var DefaultAdcConfig = AdcConfig{Mode: ModeInternal, Channel: 0}

// Validate checks the mode and that the channel fits the frame's single digit
func (c AdcConfig) Validate() error {
	if c.Mode != ModeInternal && c.Mode != ModeExternal {
		return fmt.Errorf("unknown adc mode %q", c.Mode)
	}
	if c.Channel < 0 || c.Channel > 9 {
		return fmt.Errorf("adc channel %d out of range [0,9]", c.Channel)
	}
	return nil
}

// Frame renders the ADC/TIA command for a range, e.g. "A3|0|F|0"
func (c AdcConfig) Frame(resistorIndex, gainBits int) string {
	return fmt.Sprintf("A%d|%d|%s|%d", resistorIndex, gainBits, c.Mode, c.Channel)
}

// RangeTable maps operator-facing current ranges onto TIA resistor and ADC gain
// settings. It is built once and never mutated.
type RangeTable struct {
	resistors []float64 // kΩ
	ranges    []model.GainRange
}

// DefaultResistors are the TIA feedback resistors in kΩ
var DefaultResistors = []float64{20, 30, 40, 80, 120, 250, 500, 1000}

// DefaultCurrentLimits are the full-scale currents in µA of each range
var DefaultCurrentLimits = []float64{100, 50, 33, 25, 12.5, 8, 4, 2, 1, 0.5, 0.25}

// NewRangeTable builds a table. Ranges past the last resistor keep that
// resistor and raise the ADC gain bits by one per range.
func NewRangeTable(resistors, currentLimits []float64) (*RangeTable, error) {
	if len(resistors) == 0 {
		return nil, fmt.Errorf("range table needs at least one resistor")
	}
	if len(currentLimits) < len(resistors) {
		return nil, fmt.Errorf("range table needs a current limit per resistor")
	}

	maxResistor := len(resistors) - 1
	rs := append([]float64(nil), resistors...)
	ranges := make([]model.GainRange, len(currentLimits))
	for i, limit := range currentLimits {
		resistorIndex, gainBits := i, 0
		if i > maxResistor {
			resistorIndex = maxResistor
			gainBits = i - maxResistor
		}
		ranges[i] = model.GainRange{
			Index:         i,
			Label:         "±" + strconv.FormatFloat(limit, 'f', -1, 64) + " µA",
			CurrentLimit:  limit,
			ResistorIndex: resistorIndex,
			ResistorKOhm:  rs[resistorIndex],
			GainBits:      gainBits,
		}
	}
	return &RangeTable{resistors: rs, ranges: ranges}, nil
}

// DefaultRangeTable returns the table of the stock board
func DefaultRangeTable() *RangeTable {
	t, err := NewRangeTable(DefaultResistors, DefaultCurrentLimits)
	if err != nil {
		panic(err)
	}
	return t
}

// Len is the number of selectable ranges
func (t *RangeTable) Len() int {
	return len(t.ranges)
}

// Range returns range i
func (t *RangeTable) Range(i int) (model.GainRange, error) {
	if i < 0 || i >= len(t.ranges) {
		return model.GainRange{}, fmt.Errorf("range index %d out of bounds [0,%d)", i, len(t.ranges))
	}
	return t.ranges[i], nil
}

// Ranges returns a copy of all ranges
func (t *RangeTable) Ranges() []model.GainRange {
	return append([]model.GainRange(nil), t.ranges...)
}

// ExternalRange describes an off-board TIA resistor. The on-board resistor is
// left at its largest value so it barely loads the external one.
func (t *RangeTable) ExternalRange(resistorKOhm float64) (model.GainRange, error) {
	if resistorKOhm <= 0 || math.IsNaN(resistorKOhm) || math.IsInf(resistorKOhm, 0) {
		return model.GainRange{}, fmt.Errorf("external resistor must be positive, got %v kΩ", resistorKOhm)
	}
	limit := ExternalSwingMillivolts / resistorKOhm
	return model.GainRange{
		Index:         ExternalRangeIndex,
		Label:         "external " + strconv.FormatFloat(resistorKOhm, 'f', -1, 64) + " kΩ",
		CurrentLimit:  limit,
		ResistorIndex: len(t.resistors) - 1,
		ResistorKOhm:  resistorKOhm,
	}, nil
}

// SelectGainRange maps a range index onto the three register fields
func (t *RangeTable) SelectGainRange(i int, config AdcConfig) (AdcConfig, int, int, error) {
	r, err := t.Range(i)
	if err != nil {
		return AdcConfig{}, 0, 0, err
	}
	return config, r.ResistorIndex, r.GainBits, nil
}
