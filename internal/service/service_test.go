package service

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/driver"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/repository"
)

type eventLog struct {
	mu     sync.Mutex
	events []*model.InstrumentEvent
}

func (l *eventLog) Publish(e *model.InstrumentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t model.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			Link:              "simulated",
			HandshakeAttempts: 3,
			PacketSize:        64,
			Simulated: config.SimConfig{
				Ident:      "USB Test - 059",
				SourceCode: 2,
			},
		},
		Instrument: config.InstrumentConfig{
			VirtualGround:      2048,
			VoltageRange:       4080,
			PWMClockHz:         2.4e6,
			AdcVref:            2048,
			AdcBits:            12,
			DefaultRange:       0,
			VoltageSource:      "dvdac",
			ElectrodeCount:     3,
			CalibrateOnConnect: true,
		},
		Experiment: config.ExperimentConfig{
			RunningDelay:            20 * time.Millisecond,
			SafetyMargin:            5 * time.Millisecond,
			FailCountThreshold:      2,
			FailureDelay:            5 * time.Millisecond,
			CalibrationDelay:        time.Millisecond,
			SamplesToSmooth:         1,
			AmperometryStartDelay:   2 * time.Millisecond,
			AmperometryPollInterval: 2 * time.Millisecond,
			ResetAfterFailure:       true,
			RunTimeout:              5 * time.Second,
		},
	}
}

type harness struct {
	ctx         context.Context
	instruments *InstrumentService
	experiments *ExperimentService
	runs        *repository.MemoryRunRepository
	cals        *repository.MemoryCalibrationRepository
	events      *eventLog
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultVariants(registry, logger)

	h := &harness{
		ctx:    context.Background(),
		runs:   repository.NewMemoryRunRepository(),
		cals:   repository.NewMemoryCalibrationRepository(),
		events: &eventLog{},
	}
	h.instruments = NewInstrumentService(cfg, registry, nil, h.cals, h.events, logger)
	h.experiments = NewExperimentService(&cfg.Experiment, h.instruments, h.runs, h.events, logger)
	t.Cleanup(func() { _ = h.instruments.Disconnect(context.Background()) })
	return h
}

func sweep() model.SweepSpec {
	return model.SweepSpec{
		StartVoltage: -100,
		EndVoltage:   100,
		Increment:    10,
		SweepRate:    10,
		SweepType:    model.SweepTypeCV,
		StartMode:    model.StartModeStart,
	}
}

func TestInstrumentService_ConnectRunsStartupSequence(t *testing.T) {
	h := newHarness(t, testConfig())

	assert.Equal(t, model.InstrumentStatusOffline, h.instruments.Status().Status)
	_, err := h.instruments.Controller()
	assert.ErrorIs(t, err, model.ErrNotConnected)

	info, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentStatusOnline, info.Status)
	assert.Equal(t, "kit-059", info.Variant)
	assert.Equal(t, model.ConnectionTypeSimulated, info.ConnectionType)
	assert.Equal(t, string(devicemodel.SourceDVDAC), info.VoltageSource)
	assert.Equal(t, 3, info.ElectrodeCount)
	assert.True(t, info.Calibration.Calibrated)

	cals, err := h.cals.List(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.True(t, cals[0].Succeeded)
	assert.Equal(t, 1, h.events.count(model.EventInstrumentConnected))
	assert.Equal(t, 1, h.events.count(model.EventCalibrated))

	again, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, info.Ident, again.Ident)

	require.NoError(t, h.instruments.Disconnect(h.ctx))
	assert.Equal(t, model.InstrumentStatusOffline, h.instruments.Status().Status)
	assert.Equal(t, 1, h.events.count(model.EventInstrumentDisconnected))
}

func TestInstrumentService_ConnectRejectsUnknownFirmware(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Simulated.Ident = "Something Else"
	h := newHarness(t, cfg)

	_, err := h.instruments.Connect(h.ctx, nil)
	require.Error(t, err)
	assert.Equal(t, "CONNECTION_ERROR", model.ErrorCode(err))
	assert.NotEmpty(t, h.instruments.Status().LastError)
}

func TestInstrumentService_ConnectRequestOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Link = "usb"
	h := newHarness(t, cfg)

	info, err := h.instruments.Connect(h.ctx, &ConnectRequest{
		ConnectionType: model.ConnectionTypeSimulated,
		Config:         map[string]interface{}{"ident": "USB Test - v04"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v04", info.Variant)
}

func TestInstrumentService_RangeAndSource(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)

	r, err := h.instruments.SelectRange(h.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Index)
	assert.Equal(t, 2, h.instruments.RangeIndex())
	assert.Equal(t, 1, h.events.count(model.EventRangeChanged))

	_, err = h.instruments.SelectRange(h.ctx, 99)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)

	src, err := h.instruments.SelectVoltageSource(h.ctx, devicemodel.Source8Bit)
	require.NoError(t, err)
	assert.Equal(t, 16, src.StepSize)
	assert.Equal(t, string(devicemodel.Source8Bit), h.instruments.Status().VoltageSource)

	require.NoError(t, h.instruments.SetElectrodeCount(h.ctx, 2))
	assert.Equal(t, 2, h.instruments.Status().ElectrodeCount)
	assert.ErrorIs(t, h.instruments.SetElectrodeCount(h.ctx, 4), model.ErrInvalidParameters)
}

func TestExperimentService_SweepRunIsStored(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)

	run, err := h.experiments.RunSweep(h.ctx, sweep())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, model.TechniqueCV, run.Technique)

	_, err = h.experiments.Run(h.ctx)
	assert.ErrorIs(t, err, model.ErrNotIdle)

	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	done, err := h.experiments.WaitRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
	assert.Equal(t, 401, done.SampleCount)
	assert.Len(t, done.Voltages, 401)
	// symmetric sweep: both ends reach the same magnitude, the first sample wins
	assert.Equal(t, "0.25", done.PeakCurrent.Abs().String())
	require.NotEmpty(t, done.Currents)
	assert.Equal(t, done.Currents[0] < 0, done.PeakCurrent.IsNegative())
	require.NotNil(t, done.DurationMs)

	latest := h.experiments.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.RunID)
	assert.Equal(t, 1, h.events.count(model.EventRunCompleted))

	var buf bytes.Buffer
	require.NoError(t, h.experiments.ExportCSV(h.ctx, run.ID, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 402)
	assert.Equal(t, "voltage_mv,current_ua", lines[0])

	stats, err := h.experiments.Stats(h.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SuccessfulRuns)

	require.NoError(t, h.experiments.DeleteRun(h.ctx, run.ID))
	_, err = h.experiments.GetRun(h.ctx, run.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExperimentService_RejectsInvalidSweep(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)

	spec := sweep()
	spec.SweepRate = 0
	_, err = h.experiments.RunSweep(h.ctx, spec)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
	assert.Nil(t, h.experiments.Configured())

	_, err = h.experiments.Run(h.ctx)
	assert.ErrorIs(t, err, model.ErrNotConfigured)
}

func TestExperimentService_RequiresConnection(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.experiments.RunSweep(h.ctx, sweep())
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Equal(t, model.PhaseIdle, h.experiments.State().Phase)
}

func TestExperimentService_CancelledRunIsRecorded(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	_, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)

	spec := sweep()
	spec.SweepRate = 0.5 // 800 ms
	run, err := h.experiments.RunSweep(h.ctx, spec)
	require.NoError(t, err)
	require.NoError(t, h.experiments.Cancel(h.ctx))

	done, err := h.experiments.WaitRun(h.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, done.Status)
	require.NotNil(t, done.ErrorCode)
	assert.Equal(t, "CANCELLED", *done.ErrorCode)
	assert.Equal(t, model.PhaseIdle, h.experiments.State().Phase)

	var buf bytes.Buffer
	assert.ErrorIs(t, h.experiments.ExportCSV(h.ctx, run.ID, &buf), model.ErrInvalidParameters)
}

func TestExperimentService_Amperometry(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.instruments.Connect(h.ctx, nil)
	require.NoError(t, err)

	run, err := h.experiments.StartAmperometry(h.ctx, model.AmperometrySpec{Voltage: 200, SamplingRate: 100})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseStreaming, h.experiments.State().Phase)

	_, err = h.experiments.StartAmperometry(h.ctx, model.AmperometrySpec{Voltage: 200, SamplingRate: 100})
	assert.ErrorIs(t, err, model.ErrNotIdle)

	require.Eventually(t, func() bool {
		return h.events.count(model.EventAmperometryChunk) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	stopped, err := h.experiments.StopAmperometry(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, stopped.ID)
	assert.Equal(t, model.RunStatusSuccess, stopped.Status)
	assert.GreaterOrEqual(t, stopped.SampleCount, 100)
	assert.Len(t, stopped.Voltages, len(stopped.Currents))
	assert.Equal(t, 200, stopped.Voltages[0])
	assert.Equal(t, model.PhaseIdle, h.experiments.State().Phase)

	_, err = h.experiments.StopAmperometry(h.ctx)
	assert.ErrorIs(t, err, model.ErrInvalidParameters)
}
