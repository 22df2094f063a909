package devicemodel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potentiostat-service/internal/model"
)

func newTestAdcTia(t *testing.T, index int) *AdcTia {
	t.Helper()
	a, err := NewAdcTia(2048, 12, DefaultRangeTable(), index, DefaultAdcConfig)
	require.NoError(t, err)
	return a
}

func TestDAC_VoltageCountRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		source SourceVariant
		mv     int
		shift  bool
		want   int
		wantMV float64
	}{
		{name: "dvdac shifted zero", source: SourceDVDAC, mv: 0, shift: true, want: 2048, wantMV: 0},
		{name: "dvdac shifted positive", source: SourceDVDAC, mv: 500, shift: true, want: 1548, wantMV: 500},
		{name: "dvdac shifted negative", source: SourceDVDAC, mv: -500, shift: true, want: 2548, wantMV: -500},
		{name: "dvdac unshifted", source: SourceDVDAC, mv: 300, shift: false, want: 300, wantMV: 300},
		{name: "8-bit shifted", source: Source8Bit, mv: -480, shift: true, want: 158, wantMV: -480},
		{name: "8-bit unshifted rounds to nearest", source: Source8Bit, mv: 200, shift: false, want: 13, wantMV: 208},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dac, err := NewDAC(tt.source, 2048, 4080)
			require.NoError(t, err)

			count, err := dac.VoltageToCount(tt.mv, tt.shift)
			require.NoError(t, err)
			assert.Equal(t, tt.want, count)
			assert.Equal(t, tt.wantMV, dac.CountToVoltage(count, tt.shift))
		})
	}
}

func TestDAC_ShiftedRoundTripOverRange(t *testing.T) {
	dac, err := NewDAC(Source8Bit, 2048, 4080)
	require.NoError(t, err)

	for mv := -2000; mv <= 2048; mv += 16 {
		count, err := dac.VoltageToCount(mv, true)
		require.NoError(t, err, "mv=%d", mv)
		assert.Equal(t, float64(mv), dac.CountToVoltage(count, true), "mv=%d", mv)
	}
}

func TestDAC_OutOfRange(t *testing.T) {
	dac, err := NewDAC(SourceDVDAC, 2048, 4080)
	require.NoError(t, err)

	_, err = dac.VoltageToCount(2100, true)
	assert.Error(t, err)
	_, err = dac.VoltageToCount(-2100, true)
	assert.Error(t, err)
	assert.Equal(t, 4080, dac.MaxCount())
}

func TestDAC_SetSourceBumpsRevision(t *testing.T) {
	dac, err := NewDAC(Source8Bit, 2048, 4080)
	require.NoError(t, err)
	assert.Equal(t, 16, dac.StepSize())

	changed, err := dac.SetSource(SourceDVDAC)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), dac.Revision())
	assert.Equal(t, 1, dac.StepSize())

	changed, err = dac.SetSource(SourceDVDAC)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), dac.Revision())

	_, err = dac.SetSource("vdac9000")
	assert.Error(t, err)
}

func TestDAC_StepCount(t *testing.T) {
	dac, err := NewDAC(Source8Bit, 2048, 4080)
	require.NoError(t, err)
	assert.Equal(t, 1, dac.StepCount(3))
	assert.Equal(t, 2, dac.StepCount(30))
	assert.Equal(t, 2, dac.StepCount(-32))
}

func TestSourceFromCode(t *testing.T) {
	s, ok := SourceFromCode(1)
	require.True(t, ok)
	assert.Equal(t, Source8Bit, s.Variant)

	s, ok = SourceFromCode(2)
	require.True(t, ok)
	assert.Equal(t, SourceDVDAC, s.Variant)

	_, ok = SourceFromCode(0)
	assert.False(t, ok)
}

func TestRangeTable_SelectGainRange(t *testing.T) {
	table := DefaultRangeTable()
	require.Equal(t, 11, table.Len())

	tests := []struct {
		index        int
		wantResistor int
		wantGain     int
	}{
		{0, 0, 0},
		{4, 4, 0},
		{7, 7, 0},
		{8, 7, 1},
		{9, 7, 2},
		{10, 7, 3},
	}
	for _, tt := range tests {
		cfg, resistor, gain, err := table.SelectGainRange(tt.index, DefaultAdcConfig)
		require.NoError(t, err)
		assert.Equal(t, DefaultAdcConfig, cfg)
		assert.Equal(t, tt.wantResistor, resistor, "index %d", tt.index)
		assert.Equal(t, tt.wantGain, gain, "index %d", tt.index)
	}

	_, _, _, err := table.SelectGainRange(11, DefaultAdcConfig)
	assert.Error(t, err)
	_, _, _, err = table.SelectGainRange(-1, DefaultAdcConfig)
	assert.Error(t, err)
}

func TestRangeTable_Labels(t *testing.T) {
	table := DefaultRangeTable()
	r, err := table.Range(0)
	require.NoError(t, err)
	assert.Equal(t, "±100 µA", r.Label)

	r, err = table.Range(4)
	require.NoError(t, err)
	assert.Equal(t, "±12.5 µA", r.Label)
	assert.Equal(t, float64(120), r.ResistorKOhm)
}

func TestAdcConfig_Frame(t *testing.T) {
	assert.Equal(t, "A3|0|F|0", DefaultAdcConfig.Frame(3, 0))
	assert.Equal(t, "A7|2|T|1", AdcConfig{Mode: "T", Channel: 1}.Frame(7, 2))
}

func TestAdcConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultAdcConfig.Validate())
	assert.NoError(t, AdcConfig{Mode: ModeExternal, Channel: 9}.Validate())
	assert.Error(t, AdcConfig{Mode: "X"}.Validate())
	assert.Error(t, AdcConfig{Mode: ModeExternal, Channel: 10}.Validate())
	assert.Error(t, AdcConfig{Mode: ModeExternal, Channel: -1}.Validate())
}

func TestAdcTia_SetExternalRange(t *testing.T) {
	a := newTestAdcTia(t, 0)
	_, err := a.Calibrate([]int16{80, 40, 0, 40, 80, 220, 120, 20, -80, -180})
	require.NoError(t, err)

	r, err := a.Table().ExternalRange(10)
	require.NoError(t, err)
	assert.Equal(t, ExternalRangeIndex, r.Index)
	assert.Equal(t, 7, r.ResistorIndex)
	assert.InDelta(t, 120, r.CurrentLimit, 1e-12)
	assert.Equal(t, "A7|0|T|2", AdcConfig{Mode: ModeExternal, Channel: 2}.Frame(r.ResistorIndex, r.GainBits))

	state, err := a.SetExternalRange(r, AdcConfig{Mode: ModeExternal, Channel: 2})
	require.NoError(t, err)
	assert.False(t, state.Calibration.Calibrated)
	assert.InDelta(t, 2048.0/4096.0/10.0, state.Calibration.CountsToCurrent, 1e-12)
	assert.Equal(t, ModeExternal, a.Snapshot().Config.Mode)

	_, err = a.Table().ExternalRange(0)
	assert.Error(t, err)
	_, err = a.SetExternalRange(r, DefaultAdcConfig)
	assert.Error(t, err)
	internal, err := a.Table().Range(3)
	require.NoError(t, err)
	_, err = a.SetExternalRange(internal, AdcConfig{Mode: ModeExternal})
	assert.Error(t, err)
}

func TestAdcTia_FactorScalesInverselyWithResistor(t *testing.T) {
	// ranges 0 and 2 are 20 kΩ and 40 kΩ
	low := newTestAdcTia(t, 0).Snapshot().Calibration.CountsToCurrent
	high := newTestAdcTia(t, 2).Snapshot().Calibration.CountsToCurrent

	assert.InDelta(t, 2048.0/4096.0/20.0, low, 1e-12)
	assert.InDelta(t, low/2, high, 1e-12)
}

func TestAdcTia_GainDividesFactor(t *testing.T) {
	a := newTestAdcTia(t, 7)
	base := a.Snapshot().Calibration.CountsToCurrent

	state, err := a.SetRange(9, DefaultAdcConfig)
	require.NoError(t, err)
	assert.InDelta(t, base/4, state.Calibration.CountsToCurrent, 1e-12)
}

func TestAdcTia_Calibrate(t *testing.T) {
	a := newTestAdcTia(t, 0)

	// IDAC code 80 is 10 µA sourced then sunk; zero point at count 20
	data := []int16{80, 40, 0, 40, 80, 220, 120, 20, -80, -180}
	cal, err := a.Calibrate(data)
	require.NoError(t, err)

	assert.True(t, cal.Calibrated)
	assert.Equal(t, float64(20), cal.Shift)
	assert.InDelta(t, 0.05, cal.CountsToCurrent, 1e-12)
	assert.False(t, cal.CalibratedAt.IsZero())
	assert.Equal(t, cal, a.Snapshot().Calibration)
}

func TestAdcTia_CalibrateFailureKeepsPrevious(t *testing.T) {
	a := newTestAdcTia(t, 0)
	good := []int16{80, 40, 0, 40, 80, 220, 120, 20, -80, -180}
	before, err := a.Calibrate(good)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []int16
	}{
		{name: "too short", data: []int16{1, 2, 3}},
		{name: "flat counts", data: []int16{80, 40, 0, 40, 80, 20, 20, 20, 20, 20}},
		{name: "zero currents", data: []int16{0, 0, 0, 0, 0, 220, 120, 20, -80, -180}},
		{name: "slopes disagree", data: []int16{80, 40, 0, 40, -40, 220, 120, 20, -80, -180}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Calibrate(tt.data)
			var calErr *model.CalibrationError
			require.True(t, errors.As(err, &calErr))
			assert.Equal(t, before, a.Snapshot().Calibration)
		})
	}
}

func TestAdcTia_SetRangeInvalidatesCalibration(t *testing.T) {
	a := newTestAdcTia(t, 0)
	_, err := a.Calibrate([]int16{80, 40, 0, 40, 80, 220, 120, 20, -80, -180})
	require.NoError(t, err)

	state, err := a.SetRange(1, DefaultAdcConfig)
	require.NoError(t, err)
	assert.False(t, state.Calibration.Calibrated)
	assert.Equal(t, float64(0), state.Calibration.Shift)
	assert.InDelta(t, 0.5/30.0, state.Calibration.CountsToCurrent, 1e-12)
}

func TestCountsToPhysical(t *testing.T) {
	got := CountsToPhysical([]int16{120, 20, -80}, 20, 0.05)
	assert.InDeltaSlice(t, []float64{5, 0, -5}, got, 1e-12)
}

func TestTiming(t *testing.T) {
	d, err := SweepDivider(2400000, 1.0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2399, d)
	assert.Equal(t, 1199, Compare(d))
	assert.Equal(t, "02399", FormatDivider(d))

	d, err = SweepDivider(2400000, 1.0, 16)
	require.NoError(t, err)
	assert.Equal(t, 38399, d)

	_, err = SweepDivider(2400000, 0.001, 1)
	assert.Error(t, err)

	d, err = SquareWaveDivider(2400000, 10)
	require.NoError(t, err)
	assert.Equal(t, 11999, d)

	d, err = SamplePeriod(2400000, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2399, d)

	assert.Equal(t, "0042", FormatCount(42))
	assert.Equal(t, "2048", FormatCount(2048))
}
