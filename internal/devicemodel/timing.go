// internal/devicemodel/timing.go
package devicemodel

import (
	"fmt"
	"math"
)

// Field widths of the numeric command fields
const (
	countWidth   = 4
	dividerWidth = 5
	maxDivider   = 99999
)

// SweepDivider is the PWM period, in clock ticks, between DAC steps of a sweep:
// round(clk / (rate_mV_per_s / step)) - 1.
func SweepDivider(clockHz, sweepRate float64, stepSize int) (int, error) {
	if sweepRate <= 0 {
		return 0, fmt.Errorf("sweep rate must be positive")
	}
	stepsPerSecond := sweepRate * 1000 / float64(stepSize)
	return checkDivider(int(math.Round(clockHz/stepsPerSecond)) - 1)
}

// SquareWaveDivider is the PWM period for a square-wave sweep, which changes the
// DAC twice per period: int(clk / (2000 / period_ms)) - 1.
func SquareWaveDivider(clockHz float64, periodMs int) (int, error) {
	if periodMs <= 0 {
		return 0, fmt.Errorf("square-wave period must be positive")
	}
	return checkDivider(int(clockHz/(2000/float64(periodMs))) - 1)
}

// SamplePeriod is the PWM period for amperometry sampling at rateHz
func SamplePeriod(clockHz, rateHz float64) (int, error) {
	if rateHz <= 0 {
		return 0, fmt.Errorf("sampling rate must be positive")
	}
	return checkDivider(int(math.Round(clockHz/rateHz)) - 1)
}

// Compare is the PWM compare value that centers the ADC sample in a DAC step
func Compare(divider int) int {
	return divider / 2
}

func checkDivider(d int) (int, error) {
	if d < 0 || d > maxDivider {
		return 0, fmt.Errorf("timer period %d does not fit the %d-digit field", d, dividerWidth)
	}
	return d, nil
}

// FormatCount renders a DAC count as the zero-padded 4-digit field
func FormatCount(count int) string {
	return fmt.Sprintf("%0*d", countWidth, count)
}

// FormatDivider renders a timer value as the zero-padded 5-digit field
func FormatDivider(divider int) string {
	return fmt.Sprintf("%0*d", dividerWidth, divider)
}
