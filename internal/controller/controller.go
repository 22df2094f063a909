// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/pipeline"
	"potentiostat-service/internal/scheduler"
	"potentiostat-service/internal/transport"
)

// Firmware commands and replies used by the controller
const (
	CompleteMessage      = "Done"
	RunCommand           = "R"
	ResetCommand         = "X"
	CalibrateCommand     = "B"
	StartHardwareCommand = "H"
	ShortCommand         = "s"
	UnshortCommand       = "d"
)

// Device is the part of the transport the controller drives
type Device interface {
	WriteCommand(ctx context.Context, cmd string) error
	ReadMessage(ctx context.Context) (string, error)
	ReadRaw(ctx context.Context, n int) ([]byte, error)
	ReadSamples(ctx context.Context, maxPackets int) ([]int16, error)
	ClearInputBuffer(ctx context.Context) int
	QueryVoltageSource(ctx context.Context) (byte, error)
}

// Observer is told about state changes and streamed data. Callbacks run on the
// controller's loop and must not call back into the controller.
type Observer interface {
	StateChanged(state model.RunState)
	AmperometryChunk(chunk model.AmperometryChunk)
}

type nopObserver struct{}

func (nopObserver) StateChanged(model.RunState)             {}
func (nopObserver) AmperometryChunk(model.AmperometryChunk) {}

// Config holds the run timing and data-handling settings
type Config struct {
	RunningDelay            time.Duration // completion wait when a sweep has no computable duration
	SafetyMargin            time.Duration
	FailCountThreshold      int
	FailureDelay            time.Duration
	CalibrationDelay        time.Duration
	SettleDelay             time.Duration // blocking pause between a parameter frame and its compare frame
	ExportChannel           int
	ClockHz                 float64
	PacketSize              int // bytes per IN packet
	SamplesToSmooth         int
	AmperometryStartDelay   time.Duration
	AmperometryPollInterval time.Duration
}

// DefaultConfig returns the firmware timings
func DefaultConfig() Config {
	return Config{
		RunningDelay:            3 * time.Second,
		SafetyMargin:            200 * time.Millisecond,
		FailCountThreshold:      2,
		FailureDelay:            500 * time.Millisecond,
		CalibrationDelay:        400 * time.Millisecond,
		SettleDelay:             10 * time.Millisecond,
		ExportChannel:           0,
		ClockHz:                 2.4e6,
		PacketSize:              transport.DefaultPacketSize,
		SamplesToSmooth:         1,
		AmperometryStartDelay:   300 * time.Millisecond,
		AmperometryPollInterval: 50 * time.Millisecond,
	}
}

// ExperimentController runs one experiment at a time on one instrument. All of
// its run state is owned by the scheduler loop; public methods hop onto the
// loop and wait for the result.
type ExperimentController struct {
	cfg      Config
	device   Device
	dac      *devicemodel.DAC
	adc      *devicemodel.AdcTia
	loop     *scheduler.Loop
	observer Observer
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	snapshot atomic.Pointer[model.RunState]

	// loop-owned
	state       model.RunState
	plan        *sweepPlan
	active      *sweepPlan
	pushedFrame string
	timer       *scheduler.Timer
	pending     *Future
	startedAt   time.Time
	shorted     bool
	calibrating bool
	calReply    chan<- calibrationReply
	amp         *ampSession
}

// New creates a controller. The loop is shared with nothing else that touches
// the device.
func New(cfg Config, device Device, dac *devicemodel.DAC, adc *devicemodel.AdcTia,
	loop *scheduler.Loop, observer Observer, logger *zap.Logger) *ExperimentController {

	def := DefaultConfig()
	if cfg.FailCountThreshold <= 0 {
		cfg.FailCountThreshold = def.FailCountThreshold
	}
	if cfg.ClockHz <= 0 {
		cfg.ClockHz = def.ClockHz
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = def.PacketSize
	}
	if cfg.RunningDelay <= 0 {
		cfg.RunningDelay = def.RunningDelay
	}
	if cfg.AmperometryPollInterval <= 0 {
		cfg.AmperometryPollInterval = def.AmperometryPollInterval
	}
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &ExperimentController{
		cfg:      cfg,
		device:   device,
		dac:      dac,
		adc:      adc,
		loop:     loop,
		observer: observer,
		logger:   logger.With(zap.String("component", "controller")),
		ctx:      ctx,
		cancel:   cancel,
		state:    model.RunState{Phase: model.PhaseIdle},
	}
	c.publish()
	return c
}

// Close aborts in-flight device I/O. It does not send anything.
func (c *ExperimentController) Close() {
	c.cancel()
}

// State returns the current run state
func (c *ExperimentController) State() model.RunState {
	return *c.snapshot.Load()
}

// Configure computes and sends the sweep parameter frame and the PWM compare
// frame, and remembers the sweep for the next Run
func (c *ExperimentController) Configure(ctx context.Context, spec model.SweepSpec) error {
	if err := spec.Validate(); err != nil {
		return invalid("sweep", err)
	}
	return c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		plan, err := c.buildPlan(spec, 0)
		if err != nil {
			return err
		}
		if err := c.push(plan); err != nil {
			return err
		}
		c.plan = plan
		c.logger.Info("Sweep configured",
			zap.String("technique", string(spec.Technique())),
			zap.String("frame", plan.frame),
			zap.Int("expected_samples", len(plan.voltages)),
			zap.Duration("run_delay", plan.delay),
		)
		return nil
	})
}

// Run starts the configured sweep. It is rejected unless the controller is
// idle; the returned future resolves when the data has been retrieved or the
// run has failed.
func (c *ExperimentController) Run(ctx context.Context) (*Future, error) {
	var fut *Future
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		if c.plan == nil {
			return model.ErrNotConfigured
		}
		f := newFuture(c.plan.spec.Technique())
		plan, err := c.startSweep(c.plan, f.Technique, f)
		if err != nil {
			return err
		}
		c.plan = plan
		fut = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// Cancel stops whatever is running, resets the device and returns to idle.
// It is also the way out of the failed state.
func (c *ExperimentController) Cancel(ctx context.Context) error {
	return c.do(ctx, func() error {
		return c.reset(model.ErrCancelled)
	})
}

// SelectGainRange writes the ADC/TIA frame for range index and applies it to the
// model. The nominal conversion factor is in force until the next calibration.
func (c *ExperimentController) SelectGainRange(ctx context.Context, index int) (devicemodel.TiaState, error) {
	var out devicemodel.TiaState
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		cfg, resistor, gain, err := c.adc.Table().SelectGainRange(index, devicemodel.DefaultAdcConfig)
		if err != nil {
			return invalid("gain range", err)
		}
		if err := c.write("select gain range", cfg.Frame(resistor, gain)); err != nil {
			return err
		}
		state, err := c.adc.SetRange(index, cfg)
		if err != nil {
			return err
		}
		out = state
		return nil
	})
	if err != nil {
		return devicemodel.TiaState{}, err
	}
	return out, nil
}

// SelectExternalResistor routes the ADC to an off-board TIA resistor on
// channel. Table ranges go back to the internal TIA.
func (c *ExperimentController) SelectExternalResistor(ctx context.Context, channel int, resistorKOhm float64) (devicemodel.TiaState, error) {
	var out devicemodel.TiaState
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		r, err := c.adc.Table().ExternalRange(resistorKOhm)
		if err != nil {
			return invalid("external resistor", err)
		}
		cfg := devicemodel.AdcConfig{Mode: devicemodel.ModeExternal, Channel: channel}
		if err := cfg.Validate(); err != nil {
			return invalid("external resistor", err)
		}
		if err := c.write("select external resistor", cfg.Frame(r.ResistorIndex, r.GainBits)); err != nil {
			return err
		}
		state, err := c.adc.SetExternalRange(r, cfg)
		if err != nil {
			return err
		}
		out = state
		return nil
	})
	if err != nil {
		return devicemodel.TiaState{}, err
	}
	return out, nil
}

// SelectVoltageSource switches the DAC. Counts computed for the previous source
// are stale, so the next run re-sends its parameters.
func (c *ExperimentController) SelectVoltageSource(ctx context.Context, variant devicemodel.SourceVariant) (devicemodel.SourceSpec, error) {
	spec, ok := devicemodel.LookupSource(variant)
	if !ok {
		return devicemodel.SourceSpec{}, fmt.Errorf("%w: unknown voltage source %q", model.ErrInvalidParameters, variant)
	}
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		if err := c.write("select voltage source", spec.Command); err != nil {
			return err
		}
		changed, err := c.dac.SetSource(variant)
		if err != nil {
			return err
		}
		if changed {
			c.logger.Info("Voltage source changed", zap.String("source", string(variant)))
		}
		return nil
	})
	return spec, err
}

// SyncVoltageSource asks the firmware which source it drives. A firmware with
// no source selected is set to fallback.
func (c *ExperimentController) SyncVoltageSource(ctx context.Context, fallback devicemodel.SourceVariant) (devicemodel.SourceSpec, error) {
	var code byte
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		var err error
		code, err = c.device.QueryVoltageSource(c.ctx)
		return err
	})
	if err != nil {
		return devicemodel.SourceSpec{}, err
	}

	spec, ok := devicemodel.SourceFromCode(code)
	if !ok {
		c.logger.Info("Firmware has no voltage source selected", zap.String("fallback", string(fallback)))
		return c.SelectVoltageSource(ctx, fallback)
	}
	err = c.do(ctx, func() error {
		_, err := c.dac.SetSource(spec.Variant)
		return err
	})
	return spec, err
}

// SetElectrodeCount selects two- or three-electrode mode
func (c *ExperimentController) SetElectrodeCount(ctx context.Context, n int) error {
	if n != 2 && n != 3 {
		return fmt.Errorf("%w: electrode count must be 2 or 3, got %d", model.ErrInvalidParameters, n)
	}
	return c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		return c.write("set electrode count", fmt.Sprintf("L|%d", n))
	})
}

// do runs fn on the loop and returns its error
func (c *ExperimentController) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if err := c.loop.Do(ctx, func() { errCh <- fn() }); err != nil {
		return err
	}
	return <-errCh
}

func (c *ExperimentController) requireIdle() error {
	if c.state.Phase != model.PhaseIdle || c.calibrating {
		return fmt.Errorf("%w (phase %s)", model.ErrNotIdle, c.state.Phase)
	}
	return nil
}

func (c *ExperimentController) write(op, cmd string) error {
	if err := c.device.WriteCommand(c.ctx, cmd); err != nil {
		return &model.ProtocolError{Op: op, Err: err}
	}
	return nil
}

func (c *ExperimentController) setPhase(phase model.Phase) {
	if c.state.Phase != phase {
		c.logger.Debug("Phase changed",
			zap.String("from", string(c.state.Phase)),
			zap.String("to", string(phase)),
		)
	}
	c.state.Phase = phase
	c.publish()
}

func (c *ExperimentController) publish() {
	s := c.state
	c.snapshot.Store(&s)
	c.observer.StateChanged(s)
}

func (c *ExperimentController) cancelTimer() {
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
}

// push sends the parameter frame, then the compare frame after a settling pause
func (c *ExperimentController) push(plan *sweepPlan) error {
	c.pushedFrame = ""
	if err := c.write("configure", plan.frame); err != nil {
		return err
	}
	if c.cfg.SettleDelay > 0 {
		time.Sleep(c.cfg.SettleDelay)
	}
	if err := c.write("configure", "C|"+devicemodel.FormatDivider(plan.compare)); err != nil {
		return err
	}
	c.pushedFrame = plan.frame
	return nil
}

// startSweep re-sends stale parameters, writes the run command and schedules
// the first completion poll. Any failure moves the controller to failed.
func (c *ExperimentController) startSweep(plan *sweepPlan, technique model.Technique, fut *Future) (*sweepPlan, error) {
	c.pending = fut
	if c.startedAt.IsZero() {
		c.startedAt = c.loop.Clock().Now()
	}
	c.state.Technique = technique
	c.state.RetryCount = 0
	c.state.LastError = ""

	if plan.revision != c.dac.Revision() {
		rebuilt, err := c.buildPlan(plan.spec, plan.override)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		plan = rebuilt
	}
	if c.pushedFrame != plan.frame {
		c.logger.Debug("Re-sending stale sweep parameters", zap.String("frame", plan.frame))
		if err := c.push(plan); err != nil {
			c.fail(err)
			return nil, err
		}
	}
	c.setPhase(model.PhaseParametersSent)

	c.device.ClearInputBuffer(c.ctx)
	if err := c.write("run", RunCommand); err != nil {
		c.fail(err)
		return nil, err
	}

	c.active = plan
	c.state.ArmedAt = c.loop.Clock().Now()
	c.setPhase(model.PhaseArmed)
	c.timer = c.loop.After(plan.delay, func() { c.pollCompletion(1) })
	c.logger.Info("Run armed",
		zap.String("technique", string(technique)),
		zap.Duration("completion_wait", plan.delay),
	)
	return plan, nil
}

// pollCompletion checks for the completion marker. A missing marker schedules
// another poll until the retry budget is spent.
func (c *ExperimentController) pollCompletion(attempt int) {
	c.timer = nil
	if c.pending == nil || c.active == nil {
		return
	}
	c.setPhase(model.PhaseWaitingForCompletion)

	msg, err := c.device.ReadMessage(c.ctx)
	if err != nil {
		var timeoutErr *model.TimeoutError
		if !errors.As(err, &timeoutErr) {
			c.fail(err)
			return
		}
	}
	if err == nil && msg == CompleteMessage {
		c.retrieve()
		return
	}

	if attempt < c.cfg.FailCountThreshold {
		c.logger.Debug("Run not complete yet",
			zap.Int("attempt", attempt),
			zap.String("reply", msg),
		)
		c.state.RetryCount = attempt
		c.publish()
		c.timer = c.loop.After(c.cfg.FailureDelay, func() { c.pollCompletion(attempt + 1) })
		return
	}
	c.fail(&model.TimeoutError{Op: "poll completion", Attempts: attempt})
}

// retrieve exports the samples on the configured channel, drops the leading
// dummy sample and pairs the currents with the applied waveform
func (c *ExperimentController) retrieve() {
	plan := c.active
	c.setPhase(model.PhaseRetrievingData)

	if err := c.write("export", fmt.Sprintf("E%d", c.cfg.ExportChannel)); err != nil {
		c.fail(err)
		return
	}
	raw, err := c.device.ReadSamples(c.ctx, plan.packets)
	if err != nil {
		c.fail(err)
		return
	}
	if len(raw) == 0 {
		c.fail(&model.DataIntegrityError{Op: "retrieve", Expected: len(plan.voltages) + 1, Detail: "missing leading dummy sample"})
		return
	}
	raw = raw[1:]

	cal := c.adc.Snapshot().Calibration
	currents := devicemodel.CountsToPhysical(raw, cal.Shift, cal.CountsToCurrent)
	if err := pipeline.CheckAligned(plan.voltages, currents); err != nil {
		c.fail(err)
		return
	}

	voltages := make([]int, len(plan.voltages))
	copy(voltages, plan.voltages)
	result := &model.RunResult{
		Technique:       c.state.Technique,
		Spec:            plan.spec,
		Voltages:        voltages,
		Currents:        pipeline.Smooth(currents, c.cfg.SamplesToSmooth),
		Raw:             raw,
		CountsToCurrent: cal.CountsToCurrent,
		Shift:           cal.Shift,
		StartedAt:       c.startedAt,
		CompletedAt:     c.loop.Clock().Now(),
	}

	fut := c.pending
	c.pending = nil
	c.active = nil
	c.startedAt = time.Time{}
	c.state.RetryCount = 0
	c.setPhase(model.PhaseIdle)

	c.logger.Info("Run completed",
		zap.String("technique", string(result.Technique)),
		zap.Int("samples", len(result.Currents)),
	)
	fut.resolve(result, nil)
}

// fail ends the current run. The controller stays failed until Cancel.
func (c *ExperimentController) fail(err error) {
	c.cancelTimer()
	c.active = nil
	c.amp = nil
	c.startedAt = time.Time{}
	c.state.LastError = err.Error()
	c.setPhase(model.PhaseFailed)

	c.logger.Error("Run failed",
		zap.String("technique", string(c.state.Technique)),
		zap.String("error_code", model.ErrorCode(err)),
		zap.Error(err),
	)
	if c.pending != nil {
		c.pending.resolve(nil, err)
		c.pending = nil
	}
}

// reset clears every pending callback, puts the device into a known state and
// returns to idle. The reset is attempted even if un-shorting fails.
func (c *ExperimentController) reset(reason error) error {
	c.cancelTimer()

	var errs []error
	if c.shorted {
		if err := c.write("unshort", UnshortCommand); err != nil {
			errs = append(errs, err)
		}
		c.shorted = false
	}
	if err := c.write("reset", ResetCommand); err != nil {
		errs = append(errs, err)
	}
	if drained := c.device.ClearInputBuffer(c.ctx); drained > 0 {
		c.logger.Debug("Dropped stale input after reset", zap.Int("bytes", drained))
	}

	if c.pending != nil {
		c.pending.resolve(nil, reason)
		c.pending = nil
	}
	if c.calReply != nil {
		c.calReply <- calibrationReply{
			outcome: CalibrationOutcome{State: c.adc.Snapshot().Calibration, Range: c.adc.Snapshot().Range},
			err:     reason,
		}
		c.calReply = nil
	}
	c.calibrating = false
	was := c.state.Phase
	c.active = nil
	c.amp = nil
	c.startedAt = time.Time{}
	c.state = model.RunState{Phase: model.PhaseIdle}
	c.publish()

	c.logger.Info("Controller reset", zap.String("from_phase", string(was)))
	return errors.Join(errs...)
}
