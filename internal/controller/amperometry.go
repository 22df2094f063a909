// internal/controller/amperometry.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/model"
)

type ampSession struct {
	spec     model.AmperometrySpec
	packet   int
	packets  int
	interval time.Duration
	step     float64 // seconds per sample
	sequence int
	samples  int
}

// StartAmperometry holds the electrode at spec.Voltage and streams the current.
// The firmware fills two buffers in turn and announces each full one; every
// announced buffer becomes one chunk for the observer. Streaming runs until
// StopAmperometry or Cancel.
func (c *ExperimentController) StartAmperometry(ctx context.Context, spec model.AmperometrySpec) error {
	if err := spec.Validate(); err != nil {
		return invalid("amperometry run", err)
	}
	return c.do(ctx, func() error {
		if err := c.requireIdle(); err != nil {
			return err
		}
		period, err := devicemodel.SamplePeriod(c.cfg.ClockHz, spec.SamplingRate)
		if err != nil {
			return invalid("sampling rate", err)
		}
		count, err := c.dac.VoltageToCount(spec.Voltage, true)
		if err != nil {
			return invalid("amperometry voltage", err)
		}

		packet := spec.PacketSize()
		interval := time.Duration(spec.PollInterval) * time.Millisecond
		if interval <= 0 {
			interval = c.cfg.AmperometryPollInterval
		}
		session := &ampSession{
			spec:     spec,
			packet:   packet,
			packets:  packetCount(packet, c.cfg.PacketSize),
			interval: interval,
			step:     1 / spec.SamplingRate,
		}

		c.startedAt = c.loop.Clock().Now()
		c.state.Technique = model.TechniqueAmperometry
		c.state.LastError = ""
		// the streaming lookup table replaces any sweep parameters
		c.pushedFrame = ""

		if err := c.write("set sample period", "T|"+devicemodel.FormatDivider(period)); err != nil {
			c.fail(err)
			return err
		}
		if err := c.write("start amperometry", fmt.Sprintf("M|%s|%s", devicemodel.FormatCount(count), devicemodel.FormatCount(packet))); err != nil {
			c.fail(err)
			return err
		}

		c.amp = session
		c.setPhase(model.PhaseStreaming)
		c.timer = c.loop.After(c.cfg.AmperometryStartDelay, c.pollAmperometry)

		c.logger.Info("Amperometry started",
			zap.Int("voltage", spec.Voltage),
			zap.Float64("sampling_rate", spec.SamplingRate),
			zap.Int("packet_size", packet),
		)
		return nil
	})
}

// StopAmperometry ends streaming and resets the device
func (c *ExperimentController) StopAmperometry(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.amp == nil {
			return nil
		}
		return c.reset(nil)
	})
}

func (c *ExperimentController) pollAmperometry() {
	c.timer = nil
	s := c.amp
	if s == nil || c.state.Phase != model.PhaseStreaming {
		return
	}

	msg, err := c.device.ReadMessage(c.ctx)
	if err != nil {
		var timeoutErr *model.TimeoutError
		if !errors.As(err, &timeoutErr) {
			c.fail(err)
			return
		}
	}

	if err == nil && strings.HasPrefix(msg, CompleteMessage) && len(msg) > len(CompleteMessage) {
		channel := msg[len(CompleteMessage) : len(CompleteMessage)+1]
		if err := c.write("fetch buffer", "F"+channel); err != nil {
			c.fail(err)
			return
		}
		raw, err := c.device.ReadSamples(c.ctx, s.packets)
		if err != nil {
			c.fail(err)
			return
		}

		cal := c.adc.Snapshot().Calibration
		chunk := model.AmperometryChunk{
			Sequence:  s.sequence,
			StartTime: float64(s.samples) * s.step,
			TimeStep:  s.step,
			Currents:  devicemodel.CountsToPhysical(raw, cal.Shift, cal.CountsToCurrent),
		}
		s.sequence++
		s.samples += len(raw)
		c.observer.AmperometryChunk(chunk)
	}

	c.timer = c.loop.After(s.interval, c.pollAmperometry)
}
