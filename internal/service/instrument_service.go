// internal/service/instrument_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/controller"
	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/discovery"
	"potentiostat-service/internal/driver"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/scheduler"
	"potentiostat-service/internal/transport"
	"potentiostat-service/internal/utils"
)

// EventPublisher receives instrument events for live subscribers
type EventPublisher interface {
	Publish(event *model.InstrumentEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(*model.InstrumentEvent) {}

// session is everything that lives for one connection
type session struct {
	transport   *transport.Transport
	loop        *scheduler.Loop
	ctrl        *controller.ExperimentController
	asv         *controller.AsvRunner
	dac         *devicemodel.DAC
	adc         *devicemodel.AdcTia
	variant     driver.Variant
	identity    transport.Identity
	electrodes  int
	connectedAt time.Time
	log         *utils.InstrumentLogger
}

// InstrumentService owns the connection to the potentiostat and the device
// model built for it
type InstrumentService struct {
	config          *config.Config
	registry        *driver.Registry
	scanner         *discovery.ScannerManager
	calibrationRepo repository.CalibrationRepository
	events          EventPublisher
	clock           scheduler.Clock
	logger          *utils.ServiceLogger

	mu        sync.RWMutex
	session   *session
	lastError string
	lastPhase model.Phase

	obsMu     sync.RWMutex
	observers []controller.Observer
}

// NewInstrumentService creates a new instrument service instance
func NewInstrumentService(
	cfg *config.Config,
	registry *driver.Registry,
	scanner *discovery.ScannerManager,
	calibrationRepo repository.CalibrationRepository,
	events EventPublisher,
	logger *zap.Logger,
) *InstrumentService {
	if events == nil {
		events = nopPublisher{}
	}
	return &InstrumentService{
		config:          cfg,
		registry:        registry,
		scanner:         scanner,
		calibrationRepo: calibrationRepo,
		events:          events,
		clock:           scheduler.SystemClock,
		logger:          utils.NewServiceLogger(logger, "instrument-service"),
	}
}

// SetClock replaces the clock the controller loop is driven by. It only
// affects connections opened afterwards.
func (s *InstrumentService) SetClock(clock scheduler.Clock) {
	s.clock = clock
}

// AddObserver registers an observer for controller state and streamed data
func (s *InstrumentService) AddObserver(o controller.Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Connect opens the instrument, identifies its firmware and runs the startup
// sequence: source query, default range, electrode mode and calibration
func (s *InstrumentService) Connect(ctx context.Context, req *ConnectRequest) (*model.InstrumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		info := s.infoLocked()
		return &info, nil
	}

	source, err := linkSource(&s.config.Device, req, s.scanner, s.logger.Logger)
	if err != nil {
		return nil, err
	}

	tr := transport.New(transportConfig(&s.config.Device, s.registry.IdentTable()), source, s.logger.Logger)
	identity, err := tr.Open(ctx)
	if err != nil {
		s.lastError = err.Error()
		s.events.Publish(model.NewEvent(model.EventInstrumentError, "instrument-service", "ERROR",
			model.JSONObject{"action": "connect", "error": err.Error()}))
		return nil, err
	}

	sess, err := s.newSession(tr, identity)
	if err != nil {
		tr.Close()
		s.lastError = err.Error()
		return nil, err
	}

	if err := s.startup(ctx, sess); err != nil {
		sess.ctrl.Close()
		sess.loop.Stop()
		tr.Close()
		sess.log.LogConnection("startup", false, err)
		s.lastError = err.Error()
		return nil, err
	}

	s.session = sess
	s.lastError = ""
	sess.log.LogConnection("connect", true, nil)

	s.events.Publish(model.NewEvent(model.EventInstrumentConnected, "instrument-service", "INFO", model.JSONObject{
		"ident":   identity.Ident,
		"variant": sess.variant.Name,
		"link":    string(identity.Type),
		"address": identity.Address,
	}))

	info := s.infoLocked()
	return &info, nil
}

func (s *InstrumentService) newSession(tr *transport.Transport, identity transport.Identity) (*session, error) {
	variant, err := s.registry.Lookup(identity.Ident)
	if err != nil {
		return nil, &model.ConnectionError{Op: "identify", Err: err}
	}

	inst := s.config.Instrument
	dac, err := devicemodel.NewDAC(variant.DefaultSource, inst.VirtualGround, inst.VoltageRange)
	if err != nil {
		return nil, fmt.Errorf("failed to build dac model: %w", err)
	}
	adc, err := devicemodel.NewAdcTia(inst.AdcVref, inst.AdcBits, devicemodel.DefaultRangeTable(),
		inst.DefaultRange, devicemodel.DefaultAdcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build adc model: %w", err)
	}

	loop := scheduler.NewLoop(s.clock, s.logger.Logger)
	ctrl := controller.New(controllerConfig(s.config), tr, dac, adc, loop, s, s.logger.Logger)

	return &session{
		transport:   tr,
		loop:        loop,
		ctrl:        ctrl,
		asv:         controller.NewAsvRunner(ctrl),
		dac:         dac,
		adc:         adc,
		variant:     variant,
		identity:    identity,
		connectedAt: time.Now(),
		log:         utils.NewInstrumentLogger(s.logger.Logger, string(identity.Type), identity.Address, variant.Name),
	}, nil
}

func (s *InstrumentService) startup(ctx context.Context, sess *session) error {
	inst := s.config.Instrument

	if sess.variant.SupportsSourceSelect {
		if _, err := sess.ctrl.SyncVoltageSource(ctx, devicemodel.SourceVariant(inst.VoltageSource)); err != nil {
			return fmt.Errorf("failed to sync voltage source: %w", err)
		}
	}
	if _, err := sess.ctrl.SelectGainRange(ctx, inst.DefaultRange); err != nil {
		return fmt.Errorf("failed to select default range: %w", err)
	}
	if err := sess.ctrl.SetElectrodeCount(ctx, inst.ElectrodeCount); err != nil {
		return fmt.Errorf("failed to set electrode count: %w", err)
	}
	sess.electrodes = inst.ElectrodeCount

	if inst.CalibrateOnConnect {
		// a rejected calibration leaves the nominal factor in force
		if _, err := s.calibrate(ctx, sess); err != nil {
			var calErr *model.CalibrationError
			if !errors.As(err, &calErr) {
				return err
			}
		}
	}
	return nil
}

// Disconnect cancels any run, resets the device and closes the link
func (s *InstrumentService) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session
	if sess == nil {
		return nil
	}
	s.session = nil

	var errs []error
	if err := sess.ctrl.Cancel(ctx); err != nil {
		errs = append(errs, err)
	}
	sess.ctrl.Close()
	sess.loop.Stop()
	if err := sess.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	sess.log.LogConnection("disconnect", err == nil, err)
	s.events.Publish(model.NewEvent(model.EventInstrumentDisconnected, "instrument-service", "INFO",
		model.JSONObject{"reason": "requested"}))
	return err
}

// Status returns the instrument snapshot
func (s *InstrumentService) Status() model.InstrumentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

func (s *InstrumentService) infoLocked() model.InstrumentInfo {
	sess := s.session
	if sess == nil {
		return model.InstrumentInfo{
			Status:    model.InstrumentStatusOffline,
			State:     model.RunState{Phase: model.PhaseIdle},
			LastError: s.lastError,
		}
	}

	tia := sess.adc.Snapshot()
	r := tia.Range
	status := model.InstrumentStatusOnline
	if !sess.transport.IsConnected() {
		status = model.InstrumentStatusError
	}
	connectedAt := sess.connectedAt
	return model.InstrumentInfo{
		Status:         status,
		ConnectionType: sess.identity.Type,
		Address:        sess.identity.Address,
		Variant:        sess.variant.Name,
		Ident:          sess.identity.Ident,
		VoltageSource:  string(sess.dac.Source().Variant),
		ElectrodeCount: sess.electrodes,
		Range:          &r,
		Calibration:    tia.Calibration,
		State:          sess.ctrl.State(),
		ConnectedAt:    &connectedAt,
		LastError:      s.lastError,
	}
}

// LinkStats returns transport counters of the open link
func (s *InstrumentService) LinkStats() (model.LinkStats, error) {
	sess, err := s.current()
	if err != nil {
		return model.LinkStats{}, err
	}
	return sess.transport.Stats(), nil
}

// Calibrate runs the self-test on the current range and records the outcome
func (s *InstrumentService) Calibrate(ctx context.Context) (*model.CalibrationRecord, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.calibrate(ctx, sess)
}

func (s *InstrumentService) calibrate(ctx context.Context, sess *session) (*model.CalibrationRecord, error) {
	outcome, err := sess.ctrl.Calibrate(ctx)
	sess.log.LogCalibration(outcome.Range.Index, outcome.State.CountsToCurrent, outcome.State.Shift, err)

	var calErr *model.CalibrationError
	if err != nil && !errors.As(err, &calErr) {
		return nil, err
	}

	record := &model.CalibrationRecord{
		ID:              uuid.New(),
		RangeIndex:      outcome.Range.Index,
		ResistorKOhm:    outcome.Range.ResistorKOhm,
		GainBits:        outcome.Range.GainBits,
		CountsToCurrent: outcome.State.CountsToCurrent,
		Shift:           outcome.State.Shift,
		ReferenceData:   outcome.Reference,
		Succeeded:       err == nil,
		RecordedAt:      time.Now(),
	}
	if err != nil {
		msg := err.Error()
		record.ErrorMessage = &msg
	}

	if s.calibrationRepo != nil {
		if repoErr := s.calibrationRepo.Create(ctx, record); repoErr != nil {
			s.logger.Error("Failed to store calibration", zap.Error(repoErr))
		}
	}

	severity := "INFO"
	if err != nil {
		severity = "WARNING"
	}
	s.events.Publish(model.NewEvent(model.EventCalibrated, "instrument-service", severity, model.JSONObject{
		"range_index":       record.RangeIndex,
		"counts_to_current": record.CountsToCurrent,
		"shift":             record.Shift,
		"succeeded":         record.Succeeded,
	}))

	return record, err
}

// ListCalibrations returns the newest calibration records
func (s *InstrumentService) ListCalibrations(ctx context.Context, limit int) ([]*model.CalibrationRecord, error) {
	if s.calibrationRepo == nil {
		return []*model.CalibrationRecord{}, nil
	}
	return s.calibrationRepo.List(ctx, limit)
}

// Ranges returns the selectable current ranges
func (s *InstrumentService) Ranges() []model.GainRange {
	return devicemodel.DefaultRangeTable().Ranges()
}

// SelectRange switches the current range. The nominal factor applies until the
// next calibration.
func (s *InstrumentService) SelectRange(ctx context.Context, index int) (model.GainRange, error) {
	sess, err := s.current()
	if err != nil {
		return model.GainRange{}, err
	}
	state, err := sess.ctrl.SelectGainRange(ctx, index)
	if err != nil {
		return model.GainRange{}, err
	}

	s.events.Publish(model.NewEvent(model.EventRangeChanged, "instrument-service", "INFO", model.JSONObject{
		"range_index": state.Range.Index,
		"label":       state.Range.Label,
	}))
	return state.Range, nil
}

// SelectExternalResistor measures through an off-board resistor on an ADC
// channel. SelectRange returns to the on-board ranges.
func (s *InstrumentService) SelectExternalResistor(ctx context.Context, channel int, resistorKOhm float64) (model.GainRange, error) {
	sess, err := s.current()
	if err != nil {
		return model.GainRange{}, err
	}
	state, err := sess.ctrl.SelectExternalResistor(ctx, channel, resistorKOhm)
	if err != nil {
		return model.GainRange{}, err
	}

	s.events.Publish(model.NewEvent(model.EventRangeChanged, "instrument-service", "INFO", model.JSONObject{
		"range_index":   state.Range.Index,
		"label":         state.Range.Label,
		"adc_channel":   channel,
		"resistor_kohm": resistorKOhm,
	}))
	return state.Range, nil
}

// SelectVoltageSource switches the DAC on firmware that supports it
func (s *InstrumentService) SelectVoltageSource(ctx context.Context, variant devicemodel.SourceVariant) (devicemodel.SourceSpec, error) {
	sess, err := s.current()
	if err != nil {
		return devicemodel.SourceSpec{}, err
	}
	if !sess.variant.SupportsSourceSelect {
		return devicemodel.SourceSpec{}, fmt.Errorf("%w: firmware %s has a fixed voltage source",
			model.ErrInvalidParameters, sess.variant.Name)
	}
	return sess.ctrl.SelectVoltageSource(ctx, variant)
}

// SetElectrodeCount selects two- or three-electrode mode
func (s *InstrumentService) SetElectrodeCount(ctx context.Context, n int) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	if err := sess.ctrl.SetElectrodeCount(ctx, n); err != nil {
		return err
	}

	s.mu.Lock()
	sess.electrodes = n
	s.mu.Unlock()
	return nil
}

// Scan lists candidate channels without opening them
func (s *InstrumentService) Scan(ctx context.Context) ([]model.CandidateChannel, error) {
	if s.scanner == nil {
		return []model.CandidateChannel{}, nil
	}
	timeout := s.config.Device.ScanTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.scanner.ScanAll(scanCtx)
}

// Variants returns the firmware builds the service recognizes
func (s *InstrumentService) Variants() []driver.Variant {
	return s.registry.ListVariants()
}

// StartHealthCheck logs link statistics periodically and reports a broken
// link. It returns when ctx ends.
func (s *InstrumentService) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasConnected := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := s.current()
		if err != nil {
			continue
		}
		stats := sess.transport.Stats()
		sess.log.LogHealth(stats.ErrorCount, stats.AverageLatency, stats.IsConnected)

		if !stats.IsConnected && wasConnected {
			s.events.Publish(model.NewEvent(model.EventInstrumentError, "instrument-service", "ERROR",
				model.JSONObject{"action": "health_check", "error": "link lost"}))
		}
		wasConnected = stats.IsConnected
	}
}

// Controller returns the controller of the open session
func (s *InstrumentService) Controller() (*controller.ExperimentController, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}
	return sess.ctrl, nil
}

// AsvRunner returns the ASV runner of the open session
func (s *InstrumentService) AsvRunner() (*controller.AsvRunner, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}
	return sess.asv, nil
}

// RangeIndex returns the active current range index
func (s *InstrumentService) RangeIndex() int {
	sess, err := s.current()
	if err != nil {
		return 0
	}
	return sess.adc.Snapshot().Range.Index
}

func (s *InstrumentService) current() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, model.ErrNotConnected
	}
	return s.session, nil
}

// StateChanged forwards controller state to observers and the event stream
func (s *InstrumentService) StateChanged(state model.RunState) {
	if state.Phase != s.lastPhase {
		s.lastPhase = state.Phase
		data := model.JSONObject{
			"phase":       string(state.Phase),
			"technique":   string(state.Technique),
			"retry_count": state.RetryCount,
		}
		severity := "INFO"
		if state.LastError != "" {
			data["error"] = state.LastError
		}
		if state.Phase == model.PhaseFailed {
			severity = "ERROR"
		}
		s.events.Publish(model.NewEvent(model.EventPhaseChanged, "controller", severity, data))
	}

	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.StateChanged(state)
	}
}

// AmperometryChunk forwards a streamed chunk to observers
func (s *InstrumentService) AmperometryChunk(chunk model.AmperometryChunk) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.AmperometryChunk(chunk)
	}
}

func controllerConfig(cfg *config.Config) controller.Config {
	exp := cfg.Experiment
	return controller.Config{
		RunningDelay:            exp.RunningDelay,
		SafetyMargin:            exp.SafetyMargin,
		FailCountThreshold:      exp.FailCountThreshold,
		FailureDelay:            exp.FailureDelay,
		CalibrationDelay:        exp.CalibrationDelay,
		SettleDelay:             exp.SettleDelay,
		ExportChannel:           exp.ExportChannel,
		ClockHz:                 cfg.Instrument.PWMClockHz,
		PacketSize:              cfg.Device.PacketSize,
		SamplesToSmooth:         exp.SamplesToSmooth,
		AmperometryStartDelay:   exp.AmperometryStartDelay,
		AmperometryPollInterval: exp.AmperometryPollInterval,
	}
}
