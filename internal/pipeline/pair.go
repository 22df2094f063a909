// internal/pipeline/pair.go
package pipeline

import (
	"math"

	"github.com/shopspring/decimal"

	"potentiostat-service/internal/model"
)

// currentScale is the number of decimal places kept for µA values
const currentScale = 6

// Point is one applied voltage with the current measured at it
type Point struct {
	Voltage int     `json:"voltage_mv"`
	Current float64 `json:"current_ua"`
}

// CheckAligned fails unless every voltage has exactly one current
func CheckAligned(voltages []int, currents []float64) error {
	if len(voltages) != len(currents) {
		return &model.DataIntegrityError{
			Op:       "pair samples",
			Expected: len(voltages),
			Got:      len(currents),
			Detail:   "current samples do not match the applied waveform",
		}
	}
	return nil
}

// Pair zips the waveform with the measured currents. Sequences of different
// length are rejected, never truncated.
func Pair(voltages []int, currents []float64) ([]Point, error) {
	if err := CheckAligned(voltages, currents); err != nil {
		return nil, err
	}
	out := make([]Point, len(voltages))
	for i := range voltages {
		out[i] = Point{Voltage: voltages[i], Current: currents[i]}
	}
	return out, nil
}

// PeakCurrent returns the current of largest magnitude, sign kept. On equal
// magnitudes the earliest sample wins.
func PeakCurrent(currents []float64) decimal.Decimal {
	peak := 0.0
	for _, c := range currents {
		if math.Abs(c) > math.Abs(peak) {
			peak = c
		}
	}
	return decimal.NewFromFloat(peak).Round(currentScale)
}
