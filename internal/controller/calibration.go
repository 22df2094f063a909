// internal/controller/calibration.go
package controller

import (
	"context"

	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/transport"
)

// CalibrationOutcome is the result of one self-calibration
type CalibrationOutcome struct {
	State     model.CalibrationState
	Range     model.GainRange
	Reference []int16
}

type calibrationReply struct {
	outcome CalibrationOutcome
	err     error
}

// Calibrate runs the device self-test on the current range. The reference
// samples are read once the firmware has had time to measure them. A failed
// calibration leaves the previous factor in force; the reference samples are
// still returned when they were read.
func (c *ExperimentController) Calibrate(ctx context.Context) (CalibrationOutcome, error) {
	reply := make(chan calibrationReply, 1)
	err := c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		if err := c.write("calibrate", CalibrateCommand); err != nil {
			return err
		}
		c.calibrating = true
		c.calReply = reply
		c.timer = c.loop.After(c.cfg.CalibrationDelay, func() {
			c.timer = nil
			c.calibrating = false
			c.calReply = nil
			outcome, err := c.readCalibration()
			reply <- calibrationReply{outcome: outcome, err: err}
		})
		return nil
	})
	if err != nil {
		return CalibrationOutcome{}, err
	}

	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return CalibrationOutcome{}, ctx.Err()
	}
}

func (c *ExperimentController) readCalibration() (CalibrationOutcome, error) {
	outcome := CalibrationOutcome{Range: c.adc.Snapshot().Range}

	data, err := c.device.ReadRaw(c.ctx, 2*devicemodel.CalibrationSamples)
	if err != nil {
		c.logger.Error("Calibration read failed", zap.Error(err))
		outcome.State = c.adc.Snapshot().Calibration
		return outcome, &model.CalibrationError{Reason: "reading self-test reply", Err: err}
	}
	outcome.Reference = transport.DecodeSamples(data)

	cal, err := c.adc.Calibrate(outcome.Reference)
	outcome.State = cal
	if err != nil {
		c.logger.Warn("Calibration rejected, keeping previous factor",
			zap.Int16s("reference", outcome.Reference),
			zap.Error(err),
		)
		return outcome, err
	}

	c.logger.Info("Calibrated",
		zap.String("range", outcome.Range.Label),
		zap.Float64("counts_to_current", cal.CountsToCurrent),
		zap.Float64("shift", cal.Shift),
	)
	return outcome, nil
}
