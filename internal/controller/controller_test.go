package controller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/protocol"
	"potentiostat-service/internal/scheduler"
	"potentiostat-service/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	phases []model.Phase
	chunks []model.AmperometryChunk
}

func (r *recorder) StateChanged(state model.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.phases); n == 0 || r.phases[n-1] != state.Phase {
		r.phases = append(r.phases, state.Phase)
	}
}

func (r *recorder) AmperometryChunk(chunk model.AmperometryChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *recorder) Phases() []model.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Phase(nil), r.phases...)
}

func (r *recorder) Chunks() []model.AmperometryChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AmperometryChunk(nil), r.chunks...)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	ctrl  *ExperimentController
	sim   *protocol.SimulatedConnection
	clock *scheduler.FakeClock
	loop  *scheduler.Loop
	obs   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDevice(t, nil)
}

// newFixtureWithDevice lets wrap replace the transport the controller sees
func newFixtureWithDevice(t *testing.T, wrap func(Device) Device) *fixture {
	t.Helper()
	ctx := context.Background()

	sim := protocol.NewSimulator(&protocol.SimulatedConfig{Ident: "USB Test - 059", SourceCode: 2}, zap.NewNop())
	tr := transport.New(transport.DefaultConfig(), transport.StaticLinks{sim}, zap.NewNop())
	_, err := tr.Open(ctx)
	require.NoError(t, err)

	dac, err := devicemodel.NewDAC(devicemodel.SourceDVDAC, 2048, 4080)
	require.NoError(t, err)
	adc, err := devicemodel.NewAdcTia(2048, 12, devicemodel.DefaultRangeTable(), 0, devicemodel.DefaultAdcConfig)
	require.NoError(t, err)

	clock := scheduler.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	loop := scheduler.NewLoop(clock, zap.NewNop())
	t.Cleanup(loop.Stop)

	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	obs := &recorder{}
	var device Device = tr
	if wrap != nil {
		device = wrap(tr)
	}
	ctrl := New(cfg, device, dac, adc, loop, obs, zap.NewNop())
	t.Cleanup(ctrl.Close)

	sim.ResetFrames()
	return &fixture{t: t, ctx: ctx, ctrl: ctrl, sim: sim, clock: clock, loop: loop, obs: obs}
}

// advance moves the fake clock and waits for the callbacks it fired
func (f *fixture) advance(d time.Duration) {
	f.t.Helper()
	f.clock.Advance(d)
	require.NoError(f.t, f.loop.Sync(f.ctx))
}

func (f *fixture) runDelay() time.Duration {
	var d time.Duration
	require.NoError(f.t, f.loop.Do(f.ctx, func() { d = f.ctrl.plan.delay }))
	return d
}

func cvSpec() model.SweepSpec {
	return model.SweepSpec{
		StartVoltage: -100,
		EndVoltage:   100,
		Increment:    10,
		SweepRate:    1,
		SweepType:    model.SweepTypeCV,
		StartMode:    model.StartModeStart,
	}
}

func TestController_ConfigureSendsFrames(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	assert.Equal(t, []string{"S|2148|1948|02399|CS", "C|01199"}, f.sim.Frames())
	assert.Equal(t, 600*time.Millisecond, f.runDelay())
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
}

func TestController_CompletionWait(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.SweepSpec)
		want   time.Duration
	}{
		{name: "cyclic", mutate: func(*model.SweepSpec) {}, want: 600 * time.Millisecond},
		{
			name:   "linear uses the doubled span",
			mutate: func(s *model.SweepSpec) { s.SweepType = model.SweepTypeLS },
			want:   600 * time.Millisecond,
		},
		{
			name: "zero start mode same-sign endpoints",
			mutate: func(s *model.SweepSpec) {
				s.StartVoltage, s.EndVoltage = 100, 500
				s.StartMode = model.StartModeZero
			},
			want: 1000 * time.Millisecond,
		},
		{
			name:   "slower rate",
			mutate: func(s *model.SweepSpec) { s.SweepRate = 0.5 },
			want:   1000 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			spec := cvSpec()
			tt.mutate(&spec)
			require.NoError(t, f.ctrl.Configure(f.ctx, spec))
			assert.Equal(t, tt.want, f.runDelay())
		})
	}
}

func TestController_ConfigureRejectsInvalidSweep(t *testing.T) {
	f := newFixture(t)

	spec := cvSpec()
	spec.SweepRate = 0
	assert.Error(t, f.ctrl.Configure(f.ctx, spec))

	spec = cvSpec()
	spec.StartVoltage = -5000
	assert.Error(t, f.ctrl.Configure(f.ctx, spec))
	assert.Empty(t, f.sim.Frames())
}

func TestController_CyclicRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	f.sim.ResetFrames()

	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R"}, f.sim.Frames(), "parameters are current, only the run command is sent")
	assert.Equal(t, model.PhaseArmed, f.ctrl.State().Phase)
	assert.False(t, fut.Ready())

	f.advance(600 * time.Millisecond)
	require.True(t, fut.Ready())
	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, model.TechniqueCV, result.Technique)
	require.Len(t, result.Voltages, 401)
	require.Len(t, result.Currents, 401)
	assert.Equal(t, -100, result.Voltages[0])
	assert.Equal(t, 100, result.Voltages[200])
	assert.Equal(t, -100, result.Voltages[400])

	factor := result.CountsToCurrent
	for i, v := range result.Voltages {
		want := (20 + math.Round(float64(v)*0.05)) * factor
		require.InDelta(t, want, result.Currents[i], 1e-12, "sample %d", i)
	}

	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
	assert.Equal(t, []string{"R", "E0"}, f.sim.Frames())
	assert.Equal(t, []model.Phase{
		model.PhaseIdle,
		model.PhaseParametersSent,
		model.PhaseArmed,
		model.PhaseWaitingForCompletion,
		model.PhaseRetrievingData,
		model.PhaseIdle,
	}, f.obs.Phases())
}

func TestController_SquareWaveRun(t *testing.T) {
	f := newFixture(t)
	spec := cvSpec()
	spec.SwvHeight = 50
	spec.SwvPeriod = 10
	spec.SweepRate = 0

	require.NoError(t, f.ctrl.Configure(f.ctx, spec))
	assert.Equal(t, "G|2148|1948|0010|0050|11999|CS", f.sim.Frames()[0])
	assert.Equal(t, 610*time.Millisecond, f.runDelay())

	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	f.advance(610 * time.Millisecond)

	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TechniqueSWV, result.Technique)
	require.Len(t, result.Voltages, 164)
	assert.Equal(t, []int{-75, -75, -125, -125}, result.Voltages[:4])
}

func TestController_RetryBoundThenFailed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	f.sim.SetNotDoneReads(100)

	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)

	f.advance(600 * time.Millisecond)
	state := f.ctrl.State()
	assert.Equal(t, model.PhaseWaitingForCompletion, state.Phase)
	assert.Equal(t, 1, state.RetryCount)
	assert.False(t, fut.Ready())

	f.advance(DefaultConfig().FailureDelay)
	require.True(t, fut.Ready())
	_, err = fut.Wait(f.ctx)
	var timeoutErr *model.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, DefaultConfig().FailCountThreshold, timeoutErr.Attempts)

	assert.Equal(t, model.PhaseFailed, f.ctrl.State().Phase)
	assert.NotEmpty(t, f.ctrl.State().LastError)
	assert.Zero(t, f.clock.Pending(), "no further poll is scheduled")

	f.advance(time.Minute)
	assert.Equal(t, model.PhaseFailed, f.ctrl.State().Phase)
}

func TestController_RunRejectedWhileBusy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	_, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)

	before := f.ctrl.State()
	frames := len(f.sim.Frames())

	_, err = f.ctrl.Run(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle)
	assert.ErrorIs(t, f.ctrl.Configure(f.ctx, cvSpec()), model.ErrNotIdle)
	_, err = f.ctrl.Calibrate(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle)

	assert.Equal(t, before, f.ctrl.State())
	assert.Len(t, f.sim.Frames(), frames)
}

func TestController_RunWithoutConfigure(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Run(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotConfigured)
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
}

func TestController_CancelWhileArmed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	f.sim.ResetFrames()

	require.NoError(t, f.ctrl.Cancel(f.ctx))
	assert.Equal(t, []string{"X"}, f.sim.Frames())
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
	assert.Zero(t, f.clock.Pending())

	_, err = fut.Wait(f.ctx)
	assert.ErrorIs(t, err, model.ErrCancelled)

	f.advance(time.Minute)
	assert.Equal(t, []string{"X"}, f.sim.Frames(), "the cancelled poll never runs")
}

func TestController_RecoversFromFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	f.sim.SetNotDoneReads(100)

	_, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	f.advance(600 * time.Millisecond)
	f.advance(500 * time.Millisecond)
	require.Equal(t, model.PhaseFailed, f.ctrl.State().Phase)

	_, err = f.ctrl.Run(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle)

	require.NoError(t, f.ctrl.Cancel(f.ctx))
	f.sim.SetNotDoneReads(0)

	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	f.advance(600 * time.Millisecond)
	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	assert.Len(t, result.Currents, 401)
}

func TestController_CancelDuringCalibration(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Calibrate(f.ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.ctrl.Cancel(f.ctx))
	assert.ErrorIs(t, <-done, model.ErrCancelled)
	assert.Zero(t, f.clock.Pending(), "self-test read is not left scheduled")
	assert.Equal(t, []string{"B", "X"}, f.sim.Frames())

	f.advance(time.Second)
	assert.Equal(t, model.PhaseIdle, f.ctrl.State().Phase)
	assert.Empty(t, f.ctrl.State().LastError)

	// idle again, so a new self-test is accepted
	go func() {
		_, err := f.ctrl.Calibrate(f.ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(400 * time.Millisecond)
	assert.NoError(t, <-done)
}

func TestController_SourceChangeResendsParameters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))

	spec, err := f.ctrl.SelectVoltageSource(f.ctx, devicemodel.Source8Bit)
	require.NoError(t, err)
	assert.Equal(t, 16, spec.StepSize)
	f.sim.ResetFrames()

	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S|0134|0122|38399|CS", "C|19199", "R"}, f.sim.Frames())

	f.advance(f.runDelay())
	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	require.Len(t, result.Voltages, 25)
	assert.Equal(t, -96, result.Voltages[0])
	assert.Equal(t, 96, result.Voltages[12])
}

func TestController_Calibrate(t *testing.T) {
	f := newFixture(t)

	type reply struct {
		out CalibrationOutcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := f.ctrl.Calibrate(f.ctx)
		done <- reply{out, err}
	}()

	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"B"}, f.sim.Frames())

	_, err := f.ctrl.Run(f.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle, "no run while the self-test is measuring")

	f.clock.Advance(400 * time.Millisecond)
	r := <-done
	require.NoError(t, r.err)
	assert.InDelta(t, 0.05, r.out.State.CountsToCurrent, 1e-12)
	assert.InDelta(t, 20, r.out.State.Shift, 1e-12)
	assert.True(t, r.out.State.Calibrated)
	assert.Len(t, r.out.Reference, devicemodel.CalibrationSamples)

	// currents now come out of the calibrated factor
	require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))
	fut, err := f.ctrl.Run(f.ctx)
	require.NoError(t, err)
	f.advance(600 * time.Millisecond)
	result, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	assert.InDelta(t, -0.25, result.Currents[0], 1e-12)
	assert.InDelta(t, 0.25, result.Currents[200], 1e-12)
}

func TestController_SelectGainRange(t *testing.T) {
	f := newFixture(t)

	state, err := f.ctrl.SelectGainRange(f.ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"A7|2|F|0"}, f.sim.Frames())
	assert.Equal(t, 9, state.Range.Index)
	assert.False(t, state.Calibration.Calibrated)

	_, err = f.ctrl.SelectGainRange(f.ctx, 42)
	assert.Error(t, err)
	assert.Len(t, f.sim.Frames(), 1)
}

func TestController_SelectExternalResistor(t *testing.T) {
	f := newFixture(t)

	state, err := f.ctrl.SelectExternalResistor(f.ctx, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"A7|0|T|3"}, f.sim.Frames())
	assert.Equal(t, devicemodel.ExternalRangeIndex, state.Range.Index)
	assert.InDelta(t, 240, state.Range.CurrentLimit, 1e-12)
	assert.Equal(t, devicemodel.AdcConfig{Mode: devicemodel.ModeExternal, Channel: 3}, state.Config)

	_, err = f.ctrl.SelectExternalResistor(f.ctx, 12, 5)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	_, err = f.ctrl.SelectExternalResistor(f.ctx, 0, -1)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	assert.Len(t, f.sim.Frames(), 1)

	// a table range goes back to the internal TIA
	state, err = f.ctrl.SelectGainRange(f.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "A2|0|F|0", f.sim.Frames()[1])
	assert.Equal(t, devicemodel.DefaultAdcConfig, state.Config)
}

func TestController_SetElectrodeCount(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.SetElectrodeCount(f.ctx, 2))
	assert.Equal(t, 2, f.sim.Electrodes())
	assert.Error(t, f.ctrl.SetElectrodeCount(f.ctx, 4))
	assert.Equal(t, []string{"L|2"}, f.sim.Frames())
}

func TestController_SyncVoltageSource(t *testing.T) {
	f := newFixture(t)

	spec, err := f.ctrl.SyncVoltageSource(f.ctx, devicemodel.Source8Bit)
	require.NoError(t, err)
	assert.Equal(t, devicemodel.SourceDVDAC, spec.Variant)
	assert.Equal(t, []string{"VR"}, f.sim.Frames())
}

func TestController_SyncVoltageSourceUnset(t *testing.T) {
	ctx := context.Background()
	sim := protocol.NewSimulator(&protocol.SimulatedConfig{Ident: "USB Test - v04"}, zap.NewNop())
	tr := transport.New(transport.DefaultConfig(), transport.StaticLinks{sim}, zap.NewNop())
	_, err := tr.Open(ctx)
	require.NoError(t, err)

	dac, err := devicemodel.NewDAC(devicemodel.Source8Bit, 2048, 4080)
	require.NoError(t, err)
	adc, err := devicemodel.NewAdcTia(2048, 12, devicemodel.DefaultRangeTable(), 0, devicemodel.DefaultAdcConfig)
	require.NoError(t, err)
	loop := scheduler.NewLoop(scheduler.NewFakeClock(time.Now()), zap.NewNop())
	defer loop.Stop()
	ctrl := New(DefaultConfig(), tr, dac, adc, loop, nil, zap.NewNop())
	sim.ResetFrames()

	spec, err := ctrl.SyncVoltageSource(ctx, devicemodel.SourceDVDAC)
	require.NoError(t, err)
	assert.Equal(t, devicemodel.SourceDVDAC, spec.Variant)
	assert.Equal(t, 1, dac.StepSize())
	assert.Equal(t, []string{"VR", "VS2"}, sim.Frames())
}

// fixedExport answers every export with n samples
type fixedExport struct {
	Device
	n int
}

func (d fixedExport) ReadSamples(ctx context.Context, maxPackets int) ([]int16, error) {
	return make([]int16, d.n), nil
}

func TestController_ExportSampleCountMismatch(t *testing.T) {
	// cvSpec expects 401 samples behind the leading dummy
	tests := []struct {
		name    string
		samples int
	}{
		{name: "nothing exported", samples: 0},
		{name: "short export", samples: 200},
		{name: "dummy missing", samples: 401},
		{name: "long export", samples: 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithDevice(t, func(d Device) Device {
				return fixedExport{Device: d, n: tt.samples}
			})
			require.NoError(t, f.ctrl.Configure(f.ctx, cvSpec()))

			fut, err := f.ctrl.Run(f.ctx)
			require.NoError(t, err)
			f.advance(f.runDelay())

			_, err = fut.Wait(f.ctx)
			var integrityErr *model.DataIntegrityError
			require.True(t, errors.As(err, &integrityErr), "got %v", err)
			assert.Equal(t, model.PhaseFailed, f.ctrl.State().Phase)
			assert.NotEmpty(t, f.ctrl.State().LastError)
		})
	}
}
