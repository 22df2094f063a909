// internal/pipeline/smooth.go
package pipeline

// Smooth applies a centered moving average over window samples. The window
// shrinks at both ends so the output has the input's length. A window of one
// or less returns a copy.
func Smooth(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	if window <= 1 {
		copy(out, values)
		return out
	}

	half := window / 2
	for i := range values {
		lo, hi := i-half, i+half
		if window%2 == 0 {
			hi--
		}
		if lo < 0 {
			lo = 0
		}
		if hi > len(values)-1 {
			hi = len(values) - 1
		}
		sum := 0.0
		for _, v := range values[lo : hi+1] {
			sum += v
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}
