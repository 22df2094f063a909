// internal/service/experiment_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/controller"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/pipeline"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/utils"
)

// ExperimentService starts runs on the connected instrument, tracks them to
// completion and hands finished runs to the data pipeline
type ExperimentService struct {
	config      *config.ExperimentConfig
	instruments *InstrumentService
	runRepo     repository.RunRepository
	events      EventPublisher
	publisher   *pipeline.Publisher
	latest      *pipeline.LatestCache
	logger      *utils.ServiceLogger

	mu         sync.Mutex
	configured *model.SweepSpec
	inflight   map[uuid.UUID]chan struct{}
	amp        *ampRecorder
}

// ampRecorder accumulates streamed chunks of one amperometry run
type ampRecorder struct {
	run      *model.Run
	voltage  int
	currents []float64
	stopping bool
	done     chan struct{}
	opLogger *utils.OperationLogger
}

// NewExperimentService creates a new experiment service and registers it as
// an observer of the instrument's controller
func NewExperimentService(
	cfg *config.ExperimentConfig,
	instruments *InstrumentService,
	runRepo repository.RunRepository,
	events EventPublisher,
	logger *zap.Logger,
) *ExperimentService {
	if events == nil {
		events = nopPublisher{}
	}
	s := &ExperimentService{
		config:      cfg,
		instruments: instruments,
		runRepo:     runRepo,
		events:      events,
		publisher:   pipeline.NewPublisher(logger),
		latest:      &pipeline.LatestCache{},
		logger:      utils.NewServiceLogger(logger, "experiment-service"),
		inflight:    make(map[uuid.UUID]chan struct{}),
	}

	s.publisher.AddSink(pipeline.SinkFunc{Label: "repository", Fn: s.storeRun})
	s.publisher.AddSink(pipeline.SinkFunc{Label: "events", Fn: s.announceRun})
	s.publisher.AddSink(s.latest)

	instruments.AddObserver(s)
	return s
}

// AddSink registers an additional consumer of finished runs
func (s *ExperimentService) AddSink(sink pipeline.Sink) {
	s.publisher.AddSink(sink)
}

// Configure validates the sweep and sends its parameters to the instrument
func (s *ExperimentService) Configure(ctx context.Context, spec model.SweepSpec) error {
	ctrl, err := s.instruments.Controller()
	if err != nil {
		return err
	}
	if err := ctrl.Configure(ctx, spec); err != nil {
		return err
	}

	s.mu.Lock()
	s.configured = &spec
	s.mu.Unlock()
	return nil
}

// Configured returns the sweep that the next Run will execute
func (s *ExperimentService) Configured() *model.SweepSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured == nil {
		return nil
	}
	spec := *s.configured
	return &spec
}

// Run starts the configured sweep and returns the run record in RUNNING state
func (s *ExperimentService) Run(ctx context.Context) (*model.Run, error) {
	ctrl, err := s.instruments.Controller()
	if err != nil {
		return nil, err
	}
	fut, err := ctrl.Run(ctx)
	if err != nil {
		return nil, err
	}

	var params model.JSONObject
	if spec := s.Configured(); spec != nil {
		params = toJSONObject(spec)
	}
	return s.track(ctx, fut, params)
}

// RunSweep configures spec and starts it
func (s *ExperimentService) RunSweep(ctx context.Context, spec model.SweepSpec) (*model.Run, error) {
	if err := s.Configure(ctx, spec); err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

// RunAsv runs the clean, plate and strip sequence
func (s *ExperimentService) RunAsv(ctx context.Context, spec model.AsvPhaseSpec) (*model.Run, error) {
	asv, err := s.instruments.AsvRunner()
	if err != nil {
		return nil, err
	}
	fut, err := asv.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	return s.track(ctx, fut, toJSONObject(spec))
}

func (s *ExperimentService) track(ctx context.Context, fut *controller.Future, params model.JSONObject) (*model.Run, error) {
	run := &model.Run{
		ID:         uuid.New(),
		Technique:  fut.Technique,
		Status:     model.RunStatusRunning,
		Parameters: params,
		RangeIndex: s.instruments.RangeIndex(),
		StartedAt:  time.Now(),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		s.logger.Error("Failed to store run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.inflight[run.ID] = done
	s.mu.Unlock()

	opLogger := utils.NewOperationLogger(s.logger.Logger, string(run.Technique), run.ID.String())
	opLogger.Start(zap.Int("range_index", run.RangeIndex))

	s.events.Publish(model.NewEvent(model.EventRunStarted, "experiment-service", "INFO", model.JSONObject{
		"technique":  string(run.Technique),
		"parameters": params,
	}).WithRun(run.ID))

	go s.watch(run, fut, done, opLogger)

	return run, nil
}

// watch waits for the future and publishes the outcome. A run that outlives
// the configured timeout is cancelled.
func (s *ExperimentService) watch(run *model.Run, fut *controller.Future, done chan struct{}, opLogger *utils.OperationLogger) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, run.ID)
		s.mu.Unlock()
		close(done)
	}()

	ctx := context.Background()
	waitCtx := ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	result, err := fut.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = &model.TimeoutError{Op: "run", Attempts: 1}
		if ctrl, cerr := s.instruments.Controller(); cerr == nil {
			if cerr := ctrl.Cancel(ctx); cerr != nil {
				s.logger.Warn("Failed to cancel timed out run", zap.Error(cerr))
			}
		}
	}

	rec := &pipeline.Record{
		RunID:      run.ID,
		Technique:  run.Technique,
		Parameters: run.Parameters,
		RangeIndex: run.RangeIndex,
		Result:     result,
		Err:        err,
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now(),
	}

	if err != nil {
		opLogger.Error(err, zap.String("error_code", model.ErrorCode(err)))
		s.resetAfterFailure(ctx, err)
	} else {
		opLogger.Success(zap.Int("samples", len(result.Currents)))
	}

	if perr := s.publisher.Publish(ctx, rec); perr != nil {
		s.logger.Warn("Run was not delivered to every sink", zap.Error(perr))
	}
}

func (s *ExperimentService) resetAfterFailure(ctx context.Context, err error) {
	if !s.config.ResetAfterFailure || errors.Is(err, model.ErrCancelled) {
		return
	}
	ctrl, cerr := s.instruments.Controller()
	if cerr != nil {
		return
	}
	if ctrl.State().Phase != model.PhaseFailed {
		return
	}
	if cerr := ctrl.Cancel(ctx); cerr != nil {
		s.logger.Warn("Failed to reset after run failure", zap.Error(cerr))
	}
}

// storeRun is the repository sink
func (s *ExperimentService) storeRun(ctx context.Context, rec *pipeline.Record) error {
	run, err := s.runRepo.GetByID(ctx, rec.RunID)
	if err != nil {
		return err
	}
	applyRecord(run, rec)
	return s.runRepo.Update(ctx, run)
}

// announceRun is the event sink
func (s *ExperimentService) announceRun(ctx context.Context, rec *pipeline.Record) error {
	if rec.Succeeded() {
		s.events.Publish(model.NewEvent(model.EventRunCompleted, "experiment-service", "INFO", model.JSONObject{
			"technique":    string(rec.Technique),
			"sample_count": len(rec.Result.Currents),
			"peak_current": pipeline.PeakCurrent(rec.Result.Currents).String(),
		}).WithRun(rec.RunID))
		return nil
	}

	s.events.Publish(model.NewEvent(model.EventRunFailed, "experiment-service", "ERROR", model.JSONObject{
		"technique":  string(rec.Technique),
		"error_code": model.ErrorCode(rec.Err),
		"error":      errorText(rec.Err),
	}).WithRun(rec.RunID))
	return nil
}

func applyRecord(run *model.Run, rec *pipeline.Record) {
	completed := rec.FinishedAt
	duration := int(rec.FinishedAt.Sub(rec.StartedAt).Milliseconds())
	run.CompletedAt = &completed
	run.DurationMs = &duration

	if rec.Succeeded() {
		run.Status = model.RunStatusSuccess
		run.Voltages = rec.Result.Voltages
		run.Currents = rec.Result.Currents
		run.SampleCount = len(rec.Result.Currents)
		run.PeakCurrent = pipeline.PeakCurrent(rec.Result.Currents)
		run.CountsToCurrent = rec.Result.CountsToCurrent
		run.Shift = rec.Result.Shift
		return
	}

	run.Status = model.RunStatusFailed
	if errors.Is(rec.Err, model.ErrCancelled) {
		run.Status = model.RunStatusCancelled
	}
	code := model.ErrorCode(rec.Err)
	msg := errorText(rec.Err)
	run.ErrorCode = &code
	run.ErrorMessage = &msg
}

// Cancel stops whatever is running and returns the controller to idle
func (s *ExperimentService) Cancel(ctx context.Context) error {
	ctrl, err := s.instruments.Controller()
	if err != nil {
		return err
	}
	return ctrl.Cancel(ctx)
}

// State returns the controller state, or idle when no instrument is connected
func (s *ExperimentService) State() model.RunState {
	ctrl, err := s.instruments.Controller()
	if err != nil {
		return model.RunState{Phase: model.PhaseIdle}
	}
	return ctrl.State()
}

// StartAmperometry holds the electrode at spec.Voltage and records the
// streamed current until StopAmperometry
func (s *ExperimentService) StartAmperometry(ctx context.Context, spec model.AmperometrySpec) (*model.Run, error) {
	ctrl, err := s.instruments.Controller()
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:         uuid.New(),
		Technique:  model.TechniqueAmperometry,
		Status:     model.RunStatusRunning,
		Parameters: toJSONObject(spec),
		RangeIndex: s.instruments.RangeIndex(),
		StartedAt:  time.Now(),
	}
	rec := &ampRecorder{
		run:      run,
		voltage:  spec.Voltage,
		done:     make(chan struct{}),
		opLogger: utils.NewOperationLogger(s.logger.Logger, string(run.Technique), run.ID.String()),
	}

	s.mu.Lock()
	if s.amp != nil {
		s.mu.Unlock()
		return nil, model.ErrNotIdle
	}
	s.amp = rec
	s.mu.Unlock()

	if err := s.runRepo.Create(ctx, run); err != nil {
		s.logger.Error("Failed to store run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	if err := ctrl.StartAmperometry(ctx, spec); err != nil {
		// a device failure has already been recorded by StateChanged
		s.mu.Lock()
		rejected := s.amp == rec
		if rejected {
			s.amp = nil
		}
		s.mu.Unlock()
		if rejected {
			_ = s.runRepo.Delete(ctx, run.ID)
		}
		return nil, err
	}

	rec.opLogger.Start(zap.Int("voltage", spec.Voltage), zap.Float64("sampling_rate", spec.SamplingRate))
	s.events.Publish(model.NewEvent(model.EventRunStarted, "experiment-service", "INFO", model.JSONObject{
		"technique":  string(run.Technique),
		"parameters": run.Parameters,
	}).WithRun(run.ID))

	return run, nil
}

// StopAmperometry ends streaming and returns the stored run
func (s *ExperimentService) StopAmperometry(ctx context.Context) (*model.Run, error) {
	s.mu.Lock()
	rec := s.amp
	if rec != nil {
		rec.stopping = true
	}
	s.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: amperometry is not running", model.ErrInvalidParameters)
	}

	ctrl, err := s.instruments.Controller()
	if err != nil {
		return nil, err
	}
	if err := ctrl.StopAmperometry(ctx); err != nil {
		return nil, err
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.runRepo.GetByID(ctx, rec.run.ID)
}

// StateChanged finishes an amperometry run once the controller leaves the
// streaming phase. It runs on the controller loop, so storing happens elsewhere.
func (s *ExperimentService) StateChanged(state model.RunState) {
	if state.Phase == model.PhaseStreaming {
		return
	}

	s.mu.Lock()
	rec := s.amp
	if rec == nil {
		s.mu.Unlock()
		return
	}
	s.amp = nil
	s.mu.Unlock()

	var err error
	switch {
	case state.Phase == model.PhaseFailed:
		err = errors.New(state.LastError)
	case !rec.stopping:
		err = model.ErrCancelled
	}
	go s.finishAmperometry(rec, err)
}

// AmperometryChunk appends streamed currents to the active recording and
// forwards the chunk to live subscribers
func (s *ExperimentService) AmperometryChunk(chunk model.AmperometryChunk) {
	s.mu.Lock()
	rec := s.amp
	if rec != nil {
		rec.currents = append(rec.currents, chunk.Currents...)
	}
	s.mu.Unlock()

	event := model.NewEvent(model.EventAmperometryChunk, "controller", "INFO", model.JSONObject{
		"sequence":   chunk.Sequence,
		"start_time": chunk.StartTime,
		"time_step":  chunk.TimeStep,
		"currents":   chunk.Currents,
	})
	if rec != nil {
		event.WithRun(rec.run.ID)
	}
	s.events.Publish(event)
}

func (s *ExperimentService) finishAmperometry(rec *ampRecorder, err error) {
	defer close(rec.done)

	var result *model.RunResult
	if err == nil {
		voltages := make([]int, len(rec.currents))
		for i := range voltages {
			voltages[i] = rec.voltage
		}
		result = &model.RunResult{
			Technique:   model.TechniqueAmperometry,
			Voltages:    voltages,
			Currents:    rec.currents,
			StartedAt:   rec.run.StartedAt,
			CompletedAt: time.Now(),
		}
		if info := s.instruments.Status(); info.Calibration.CountsToCurrent != 0 {
			result.CountsToCurrent = info.Calibration.CountsToCurrent
			result.Shift = info.Calibration.Shift
		}
		rec.opLogger.Success(zap.Int("samples", len(rec.currents)))
	} else {
		rec.opLogger.Error(err)
	}

	pr := &pipeline.Record{
		RunID:      rec.run.ID,
		Technique:  rec.run.Technique,
		Parameters: rec.run.Parameters,
		RangeIndex: rec.run.RangeIndex,
		Result:     result,
		Err:        err,
		StartedAt:  rec.run.StartedAt,
		FinishedAt: time.Now(),
	}
	if perr := s.publisher.Publish(context.Background(), pr); perr != nil {
		s.logger.Warn("Run was not delivered to every sink", zap.Error(perr))
	}
}

// WaitRun blocks until the run has been stored in a final state
func (s *ExperimentService) WaitRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	s.mu.Lock()
	done, ok := s.inflight[id]
	var ampDone chan struct{}
	if s.amp != nil && s.amp.run.ID == id {
		ampDone = s.amp.done
	}
	s.mu.Unlock()

	if ampDone != nil {
		done, ok = ampDone, true
	}
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.runRepo.GetByID(ctx, id)
}

// GetRun returns a stored run with its data
func (s *ExperimentService) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	return s.runRepo.GetByID(ctx, id)
}

// ListRuns returns stored runs newest first
func (s *ExperimentService) ListRuns(ctx context.Context, filter *model.RunFilter) ([]*model.Run, int, error) {
	return s.runRepo.List(ctx, filter)
}

// DeleteRun removes a finished run
func (s *ExperimentService) DeleteRun(ctx context.Context, id uuid.UUID) error {
	run, err := s.runRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !run.IsCompleted() {
		return fmt.Errorf("%w: run %s is still running", model.ErrNotIdle, id)
	}
	return s.runRepo.Delete(ctx, id)
}

// PruneRuns removes runs older than maxAge
func (s *ExperimentService) PruneRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.runRepo.DeleteOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Pruned old runs", zap.Int64("count", n), zap.Duration("max_age", maxAge))
	}
	return n, nil
}

// ExportCSV writes the voltage/current pairs of a successful run
func (s *ExperimentService) ExportCSV(ctx context.Context, id uuid.UUID, w io.Writer) error {
	run, err := s.runRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusSuccess {
		return fmt.Errorf("%w: run %s has no data (status %s)", model.ErrInvalidParameters, id, run.Status)
	}
	return pipeline.WriteCSV(w, run.Voltages, run.Currents)
}

// Stats aggregates stored run outcomes
func (s *ExperimentService) Stats(ctx context.Context, since *time.Time) (*repository.RunStats, error) {
	return s.runRepo.GetStats(ctx, since)
}

// Latest returns the most recent successful run seen by this process
func (s *ExperimentService) Latest() *pipeline.Record {
	return s.latest.Latest()
}

func toJSONObject(v interface{}) model.JSONObject {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var obj model.JSONObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	return obj
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
