package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potentiostat-service/internal/model"
)

func asvSpec() model.AsvPhaseSpec {
	return model.AsvPhaseSpec{
		CleanVoltage: -200,
		CleanTime:    5,
		PlateVoltage: -400,
		PlateTime:    10,
		ShortPlating: true,
		Strip: model.SweepSpec{
			StartVoltage: -400,
			EndVoltage:   0,
			Increment:    1,
			SweepRate:    1,
			SweepType:    model.SweepTypeLS,
			StartMode:    model.StartModeStart,
		},
	}
}

func TestAsvRunner_Phases(t *testing.T) {
	f := newFixture(t)
	asv := NewAsvRunner(f.ctrl)

	fut, err := asv.Run(f.ctx, asvSpec())
	require.NoError(t, err)
	assert.Equal(t, []string{"H", "D|2248"}, f.sim.Frames())
	assert.Equal(t, model.PhaseCleaning, f.ctrl.State().Phase)
	assert.Equal(t, model.TechniqueASV, f.ctrl.State().Technique)

	f.sim.ResetFrames()
	f.advance(5 * time.Second)
	assert.Equal(t, []string{"D|2448", "s"}, f.sim.Frames())
	assert.Equal(t, model.PhasePlating, f.ctrl.State().Phase)
	assert.True(t, f.sim.Shorted())

	f.sim.ResetFrames()
	f.advance(10 * time.Second)
	assert.Equal(t, []string{"d", "S|2448|2048|02399|LS", "C|01199", "R"}, f.sim.Frames())
	assert.Equal(t, model.PhaseArmed, f.ctrl.State().Phase)
	assert.False(t, f.sim.Shorted())

	f.advance(1000 * time.Millisecond)
	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TechniqueASV, result.Technique)
	require.Len(t, result.Voltages, 401)
	assert.Equal(t, -400, result.Voltages[0])
	assert.Equal(t, 0, result.Voltages[400])
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
}

func TestAsvRunner_DelayTimeOverridesWait(t *testing.T) {
	f := newFixture(t)
	spec := asvSpec()
	spec.ShortPlating = false
	spec.DelayTime = 2000

	fut, err := NewAsvRunner(f.ctrl).Run(f.ctx, spec)
	require.NoError(t, err)
	f.advance(5 * time.Second)
	f.advance(10 * time.Second)

	f.advance(2 * time.Second)
	assert.Equal(t, model.PhaseArmed, f.ctrl.State().Phase)
	f.advance(200 * time.Millisecond)
	_, err = fut.Wait(f.ctx)
	require.NoError(t, err)
}

func TestAsvRunner_CancelDuringPlating(t *testing.T) {
	f := newFixture(t)

	fut, err := NewAsvRunner(f.ctrl).Run(f.ctx, asvSpec())
	require.NoError(t, err)
	f.advance(5 * time.Second)
	require.Equal(t, model.PhasePlating, f.ctrl.State().Phase)
	f.sim.ResetFrames()

	require.NoError(t, f.ctrl.Cancel(f.ctx))
	assert.Equal(t, []string{"d", "X"}, f.sim.Frames())
	assert.False(t, f.sim.Shorted())
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
	assert.Zero(t, f.clock.Pending())

	_, err = fut.Wait(f.ctx)
	assert.ErrorIs(t, err, model.ErrCancelled)

	f.advance(time.Minute)
	assert.Equal(t, []string{"d", "X"}, f.sim.Frames(), "no stripping sweep after cancel")
}

func TestAsvRunner_CancelDuringCleaning(t *testing.T) {
	f := newFixture(t)

	fut, err := NewAsvRunner(f.ctrl).Run(f.ctx, asvSpec())
	require.NoError(t, err)
	f.sim.ResetFrames()

	require.NoError(t, f.ctrl.Cancel(f.ctx))
	assert.Equal(t, []string{"X"}, f.sim.Frames())
	f.advance(time.Minute)
	assert.Equal(t, []string{"X"}, f.sim.Frames())
	assert.True(t, fut.Ready())
}

func TestAsvRunner_RejectsBadStripBeforeTouchingElectrode(t *testing.T) {
	f := newFixture(t)
	spec := asvSpec()
	spec.Strip.SweepType = model.SweepTypeCV

	_, err := NewAsvRunner(f.ctrl).Run(f.ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)

	spec = asvSpec()
	spec.Strip.EndVoltage = 5000
	_, err = NewAsvRunner(f.ctrl).Run(f.ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)

	assert.Empty(t, f.sim.Frames())
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
}

func TestAsvRunner_LaterSweepResendsParameters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))

	fut, err := NewAsvRunner(f.ctrl).Run(f.ctx, asvSpec())
	require.NoError(t, err)
	f.advance(5 * time.Second)
	f.advance(10 * time.Second)
	f.advance(1000 * time.Millisecond)
	_, err = fut.Wait(f.ctx)
	require.NoError(t, err)

	f.sim.ResetFrames()
	_, err = f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S|2148|1948|02399|CS", "C|01199", "R"}, f.sim.Frames())
}

func TestAmperometry_StreamsChunks(t *testing.T) {
	f := newFixture(t)
	spec := model.AmperometrySpec{Voltage: 100, SamplingRate: 100, PollInterval: 50}

	require.NoError(t, f.ctrl.StartAmperometry(f.ctx, spec))
	assert.Equal(t, []string{"T|23999", "M|1948|0050"}, f.sim.Frames())
	assert.Equal(t, model.PhaseStreaming, f.ctrl.State().Phase)

	_, err := f.ctrl.Run(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle)

	f.advance(300 * time.Millisecond) // buffer 0 ready
	f.advance(50 * time.Millisecond)  // nothing ready
	f.advance(50 * time.Millisecond)  // buffer 1 ready

	chunks := f.obs.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Sequence)
	assert.Equal(t, 1, chunks[1].Sequence)
	assert.Len(t, chunks[0].Currents, 50)
	assert.InDelta(t, 0.01, chunks[0].TimeStep, 1e-12)
	assert.InDelta(t, 0.5, chunks[1].StartTime, 1e-12)

	frames := f.sim.Frames()
	assert.Contains(t, frames, "F0")
	assert.Contains(t, frames, "F1")

	f.sim.ResetFrames()
	require.NoError(t, f.ctrl.StopAmperometry(f.ctx))
	assert.Equal(t, []string{"X"}, f.sim.Frames())
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
	assert.Zero(t, f.clock.Pending())
}

func TestAmperometry_InvalidatesSweepParameters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	require.NoError(t, f.ctrl.StartAmperometry(f.ctx, model.AmperometrySpec{Voltage: 0, SamplingRate: 100}))
	require.NoError(t, f.ctrl.StopAmperometry(f.ctx))
	f.sim.ResetFrames()

	_, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S|2148|1948|02399|CS", "C|01199", "R"}, f.sim.Frames())
}
