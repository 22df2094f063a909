// internal/controller/asv.go
package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
)

// AsvRunner holds the electrode at a cleaning and then a plating voltage before
// handing over to the controller's linear sweep for stripping. Each hold ends
// in a scheduled callback, so Cancel can abort between any two phases.
type AsvRunner struct {
	ctrl *ExperimentController
}

// NewAsvRunner wraps the sweep runner of ctrl
func NewAsvRunner(ctrl *ExperimentController) *AsvRunner {
	return &AsvRunner{ctrl: ctrl}
}

// Run starts the clean phase and returns the future of the stripping sweep
func (r *AsvRunner) Run(ctx context.Context, spec model.AsvPhaseSpec) (*Future, error) {
	if err := spec.Validate(); err != nil {
		return nil, invalid("asv run", err)
	}

	c := r.ctrl
	var fut *Future
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		// a bad stripping sweep must fail before the electrode is touched
		plan, err := c.buildPlan(spec.Strip, time.Duration(spec.DelayTime)*time.Millisecond)
		if err != nil {
			return err
		}
		clean, err := c.dac.VoltageToCount(spec.CleanVoltage, true)
		if err != nil {
			return invalid("clean voltage", err)
		}
		plate, err := c.dac.VoltageToCount(spec.PlateVoltage, true)
		if err != nil {
			return invalid("plate voltage", err)
		}

		f := newFuture(model.TechniqueASV)
		c.pending = f
		c.startedAt = c.loop.Clock().Now()
		c.state.Technique = model.TechniqueASV
		c.state.LastError = ""

		if err := c.write("start hardware", StartHardwareCommand); err != nil {
			c.fail(err)
			return err
		}
		if err := c.write("hold clean voltage", anodeFrame(clean)); err != nil {
			c.fail(err)
			return err
		}
		c.setPhase(model.PhaseCleaning)
		c.timer = c.loop.After(seconds(spec.CleanTime), func() { r.plate(spec, plate, plan) })

		c.logger.Info("ASV cleaning",
			zap.Int("clean_voltage", spec.CleanVoltage),
			zap.Int("clean_time_s", spec.CleanTime),
		)
		fut = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

func (r *AsvRunner) plate(spec model.AsvPhaseSpec, count int, plan *sweepPlan) {
	c := r.ctrl
	c.timer = nil
	if c.pending == nil || c.state.Phase != model.PhaseCleaning {
		return
	}

	if err := c.write("hold plate voltage", anodeFrame(count)); err != nil {
		c.fail(err)
		return
	}
	if spec.ShortPlating {
		if err := c.write("short sense resistor", ShortCommand); err != nil {
			c.fail(err)
			return
		}
		c.shorted = true
	}
	c.setPhase(model.PhasePlating)
	c.timer = c.loop.After(seconds(spec.PlateTime), func() { r.strip(plan) })

	c.logger.Info("ASV plating",
		zap.Int("plate_voltage", spec.PlateVoltage),
		zap.Int("plate_time_s", spec.PlateTime),
		zap.Bool("shorted", c.shorted),
	)
}

func (r *AsvRunner) strip(plan *sweepPlan) {
	c := r.ctrl
	c.timer = nil
	if c.pending == nil || c.state.Phase != model.PhasePlating {
		return
	}

	if c.shorted {
		if err := c.write("unshort sense resistor", UnshortCommand); err != nil {
			c.fail(err)
			return
		}
		c.shorted = false
	}
	c.logger.Info("ASV stripping", zap.String("frame", plan.frame))
	// startSweep moves the controller to failed on error
	_, _ = c.startSweep(plan, model.TechniqueASV, c.pending)
}

func anodeFrame(count int) string {
	return "D|" + devicemodel.FormatCount(count)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
