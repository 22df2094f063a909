// internal/controller/plan.go
package controller

import (
	"fmt"
	"time"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/waveform"
)

// sweepPlan is everything derived from a sweep for one voltage source
type sweepPlan struct {
	spec     model.SweepSpec // as requested
	axis     model.SweepSpec // increment snapped to what the DAC steps by
	frame    string
	divider  int
	compare  int
	voltages []int
	packets  int
	delay    time.Duration
	override time.Duration
	revision uint64
}

// buildPlan converts spec into device frames and the expected waveform. The
// firmware steps a plain sweep one DAC count at a time, so its voltage axis
// uses the DAC step; a square-wave sweep steps by the requested increment
// rounded to whole counts. A non-zero override replaces the computed wait.
func (c *ExperimentController) buildPlan(spec model.SweepSpec, override time.Duration) (*sweepPlan, error) {
	source := c.dac.Source()
	step := source.StepSize

	axis := spec
	if spec.IsSWV() {
		axis.Increment = c.dac.StepCount(spec.Increment) * step
	} else {
		axis.Increment = step
	}

	startCount, err := c.dac.VoltageToCount(waveform.Quantize(spec.StartVoltage, axis.Increment), true)
	if err != nil {
		return nil, invalid("start voltage", err)
	}
	endCount, err := c.dac.VoltageToCount(waveform.Quantize(spec.EndVoltage, axis.Increment), true)
	if err != nil {
		return nil, invalid("end voltage", err)
	}

	plan := &sweepPlan{spec: spec, axis: axis, override: override, revision: c.dac.Revision()}
	if spec.IsSWV() {
		plan.divider, err = devicemodel.SquareWaveDivider(c.cfg.ClockHz, spec.SwvPeriod)
		if err != nil {
			return nil, invalid("square-wave period", err)
		}
		plan.frame = fmt.Sprintf("G|%s|%s|%s|%s|%s|%s",
			devicemodel.FormatCount(startCount),
			devicemodel.FormatCount(endCount),
			devicemodel.FormatCount(c.dac.StepCount(spec.Increment)),
			devicemodel.FormatCount(c.dac.StepCount(spec.SwvHeight)),
			devicemodel.FormatDivider(plan.divider),
			spec.TypeCode(),
		)
	} else {
		plan.divider, err = devicemodel.SweepDivider(c.cfg.ClockHz, spec.SweepRate, step)
		if err != nil {
			return nil, invalid("sweep rate", err)
		}
		plan.frame = fmt.Sprintf("S|%s|%s|%s|%s",
			devicemodel.FormatCount(startCount),
			devicemodel.FormatCount(endCount),
			devicemodel.FormatDivider(plan.divider),
			spec.TypeCode(),
		)
	}
	plan.compare = devicemodel.Compare(plan.divider)

	plan.voltages, err = waveform.Generate(axis)
	if err != nil {
		return nil, invalid("sweep", err)
	}
	plan.packets = packetCount(len(plan.voltages), c.cfg.PacketSize)
	plan.delay = c.completionWait(plan)
	return plan, nil
}

// packetCount is the number of IN packets holding the samples plus the leading
// dummy and the sentinel
func packetCount(samples, packetSize int) int {
	bytes := 2 * (samples + 2)
	return (bytes + packetSize - 1) / packetSize
}

// completionWait is how long the sweep should take plus the safety margin. A
// plain sweep is given twice its endpoint span divided by the rate (mV over
// V/s gives ms) whatever its type; a square-wave sweep lasts one period per
// ramp step.
func (c *ExperimentController) completionWait(plan *sweepPlan) time.Duration {
	if plan.override > 0 {
		return plan.override + c.cfg.SafetyMargin
	}

	var ms float64
	switch {
	case plan.spec.IsSWV():
		ms = float64(len(plan.voltages)/4) * float64(plan.spec.SwvPeriod)
	case plan.spec.SweepRate > 0:
		start := waveform.Quantize(plan.spec.StartVoltage, plan.axis.Increment)
		end := waveform.Quantize(plan.spec.EndVoltage, plan.axis.Increment)
		span := end - start
		if span < 0 {
			span = -span
		}
		ms = 2 * float64(span) / plan.spec.SweepRate
	}
	if ms <= 0 {
		return c.cfg.RunningDelay
	}
	return time.Duration(ms*float64(time.Millisecond)) + c.cfg.SafetyMargin
}

// invalid marks err as a rejected request parameter
func invalid(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrInvalidParameters, what, err)
}
