// internal/waveform/generator.go
package waveform

import (
	"fmt"

	"potentiostat-service/internal/model"
)

// Generate synthesizes the applied-voltage sequence (mV) the instrument steps
// through for spec, one value per recorded sample.
//
// Start and end are first truncated toward zero to a multiple of the increment
// so the curve matches what the quantized DAC can produce. Sweep legs are
// concatenated without repeating the turning point. A square-wave sweep sits
// half the pulse height above and below each ramp value; an odd height is
// rounded down to the whole mV below, so 25 gives ±12.
func Generate(spec model.SweepSpec) ([]int, error) {
	if spec.Increment == 0 {
		return nil, fmt.Errorf("increment must be non-zero")
	}
	inc := abs(spec.Increment)
	start := Quantize(spec.StartVoltage, inc) / inc
	end := Quantize(spec.EndVoltage, inc) / inc

	var ramp []int
	switch {
	case spec.SweepType == model.SweepTypeLS:
		ramp = side(start, end)
	case spec.SweepType == model.SweepTypeCV && spec.StartMode == model.StartModeStart:
		ramp = side(start, end)
		ramp = append(ramp, side(end, start)[1:]...)
	case spec.SweepType == model.SweepTypeCV && spec.StartMode == model.StartModeZero:
		ramp = side(0, start)
		ramp = append(ramp, side(start, end)[1:]...)
		ramp = append(ramp, side(end, 0)[1:]...)
	default:
		return nil, fmt.Errorf("unsupported sweep %s/%s", spec.SweepType, spec.StartMode)
	}

	for i := range ramp {
		ramp[i] *= inc
	}
	if spec.IsSWV() {
		return superimpose(ramp, spec.SwvHeight/2), nil
	}
	return ramp, nil
}

// Quantize truncates mv toward zero to a multiple of inc
func Quantize(mv, inc int) int {
	inc = abs(inc)
	if inc == 0 {
		return mv
	}
	return mv / inc * inc
}

// Steps is the number of ramp values in one leg from start to end, both included
func Steps(start, end, inc int) int {
	inc = abs(inc)
	if inc == 0 {
		return 0
	}
	return abs(Quantize(end, inc)-Quantize(start, inc))/inc + 1
}

// Length is the number of samples Generate returns for spec without building it
func Length(spec model.SweepSpec) int {
	inc := abs(spec.Increment)
	if inc == 0 {
		return 0
	}
	start := Quantize(spec.StartVoltage, inc) / inc
	end := Quantize(spec.EndVoltage, inc) / inc

	var n int
	switch {
	case spec.SweepType == model.SweepTypeLS:
		n = abs(end-start) + 1
	case spec.StartMode == model.StartModeZero:
		n = abs(start) + abs(end-start) + abs(end) + 1
	default:
		n = 2*abs(end-start) + 1
	}
	if spec.IsSWV() {
		n *= 4
	}
	return n
}

// side walks from start to end in unit steps, both ends included
func side(start, end int) []int {
	step := 1
	if end < start {
		step = -1
	}
	out := make([]int, 0, abs(end-start)+1)
	for v := start; ; v += step {
		out = append(out, v)
		if v == end {
			break
		}
	}
	return out
}

// superimpose replaces each ramp value with a high pair and a low pair
func superimpose(ramp []int, half int) []int {
	out := make([]int, 0, 4*len(ramp))
	for _, v := range ramp {
		out = append(out, v+half, v+half, v-half, v-half)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
