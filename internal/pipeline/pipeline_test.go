package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

func TestPair(t *testing.T) {
	points, err := Pair([]int{-20, 0, 20}, []float64{-1.5, 0, 1.5})
	require.NoError(t, err)
	assert.Equal(t, []Point{{-20, -1.5}, {0, 0}, {20, 1.5}}, points)
}

func TestPair_LengthMismatchIsRejected(t *testing.T) {
	_, err := Pair([]int{-20, 0, 20}, []float64{-1.5, 0})

	var dataErr *model.DataIntegrityError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, 3, dataErr.Expected)
	assert.Equal(t, 2, dataErr.Got)
}

func TestSmooth(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		window int
		want   []float64
	}{
		{name: "disabled", values: []float64{1, 5, 3}, window: 1, want: []float64{1, 5, 3}},
		{name: "zero window", values: []float64{1, 5, 3}, window: 0, want: []float64{1, 5, 3}},
		{name: "odd window", values: []float64{0, 3, 6, 9}, window: 3, want: []float64{1.5, 3, 6, 7.5}},
		{name: "even window", values: []float64{0, 2, 4, 6}, window: 2, want: []float64{0, 1, 3, 5}},
		{name: "empty", values: []float64{}, window: 5, want: []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Smooth(tt.values, tt.window)
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
			assert.Len(t, got, len(tt.values))
		})
	}
}

func TestSmooth_DoesNotAlias(t *testing.T) {
	in := []float64{1, 2, 3}
	out := Smooth(in, 1)
	out[0] = 42
	assert.Equal(t, 1.0, in[0])
}

func TestPeakCurrent(t *testing.T) {
	assert.Equal(t, "-4.25", PeakCurrent([]float64{1, -4.25, 3}).String())
	assert.True(t, PeakCurrent(nil).IsZero())
	assert.Equal(t, "-0.25", PeakCurrent([]float64{-0.25, 0, 0.25}).String())
	assert.Equal(t, "0.25", PeakCurrent([]float64{0.25, 0, -0.25}).String())
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []int{-10, 0}, []float64{-0.125, 1.0 / 3}))
	assert.Equal(t, "voltage_mv,current_ua\n-10,-0.125000\n0,0.333333\n", buf.String())
}

func TestWriteCSV_Mismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []int{1}, nil)
	var dataErr *model.DataIntegrityError
	assert.True(t, errors.As(err, &dataErr))
	assert.Zero(t, buf.Len())
}

func TestPublisher_FansOutAndCollectsErrors(t *testing.T) {
	p := NewPublisher(zap.NewNop())
	cache := &LatestCache{}
	var seen []string

	p.AddSink(SinkFunc{Label: "first", Fn: func(ctx context.Context, rec *Record) error {
		seen = append(seen, "first")
		return errors.New("disk full")
	}})
	p.AddSink(cache)
	p.AddSink(SinkFunc{Label: "last", Fn: func(ctx context.Context, rec *Record) error {
		seen = append(seen, "last")
		return nil
	}})

	rec := &Record{RunID: uuid.New(), Result: &model.RunResult{Voltages: []int{1}, Currents: []float64{2}}}
	err := p.Publish(context.Background(), rec)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "first: disk full")
	assert.Equal(t, []string{"first", "last"}, seen)
	assert.Same(t, rec, cache.Latest())
}

func TestLatestCache_IgnoresFailedRuns(t *testing.T) {
	cache := &LatestCache{}
	ok := &Record{RunID: uuid.New(), Result: &model.RunResult{}}
	require.NoError(t, cache.Consume(context.Background(), ok))
	require.NoError(t, cache.Consume(context.Background(), &Record{RunID: uuid.New(), Err: model.ErrCancelled}))
	assert.Same(t, ok, cache.Latest())
}
