package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"potentiostat-service/internal/config"
	"potentiostat-service/internal/driver"
	"potentiostat-service/internal/middleware"
	"potentiostat-service/internal/model"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*"}},
		App:    config.AppConfig{Name: "potentiostat-service", Version: "test", Environment: "test"},
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
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    time.Second,
			PongWait:        2 * time.Second,
			MaxMessageSize:  512,
		},
	}
}

type testServer struct {
	router      *gin.Engine
	instruments *service.InstrumentService
	bus         *EventBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	logger := zap.NewNop()
	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultVariants(registry, logger)

	bus := NewEventBus(logger)
	go bus.Start()

	instruments := service.NewInstrumentService(cfg, registry, nil, repository.NewMemoryCalibrationRepository(), bus, logger)
	experiments := service.NewExperimentService(&cfg.Experiment, instruments, repository.NewMemoryRunRepository(), bus, logger)

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	NewHealthHandler(nil, instruments, cfg, logger).RegisterRoutes(router.Group(""))
	api := router.Group("/api/v1")
	NewInstrumentHandler(instruments, logger).RegisterRoutes(api)
	NewExperimentHandler(experiments, cfg.Experiment.RunTimeout, logger).RegisterRoutes(api)
	NewRunHandler(experiments, logger).RegisterRoutes(api)

	t.Cleanup(func() {
		_ = instruments.Disconnect(context.Background())
		bus.Stop()
	})
	return &testServer{router: router, instruments: instruments, bus: bus}
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
	Error     *struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (s *testServer) connect(t *testing.T) {
	t.Helper()
	w, _ := s.do(t, http.MethodPost, "/api/v1/instrument/connect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func cvSweep() model.SweepSpec {
	return model.SweepSpec{
		StartVoltage: -100,
		EndVoltage:   100,
		Increment:    10,
		SweepRate:    10,
		SweepType:    model.SweepTypeCV,
		StartMode:    model.StartModeStart,
	}
}

func TestHealth_DisconnectedInstrumentIsDegraded(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "degraded", health.Checks["instrument"].Status)
	assert.NotContains(t, health.Checks, "database")

	w, resp := s.do(t, http.MethodGet, "/health/db", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), "disabled")

	w, _ = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInstrumentHandler_ConnectAndSelect(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodGet, "/api/v1/instrument", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info model.InstrumentInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, model.InstrumentStatusOffline, info.Status)

	s.connect(t)

	_, resp = s.do(t, http.MethodGet, "/api/v1/instrument", nil)
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, model.InstrumentStatusOnline, info.Status)
	assert.Equal(t, "USB Test - 059", info.Ident)
	assert.NotEmpty(t, resp.RequestID)

	w, resp = s.do(t, http.MethodGet, "/api/v1/instrument/ranges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ranges []model.GainRange
	require.NoError(t, json.Unmarshal(resp.Data, &ranges))
	require.Greater(t, len(ranges), 1)

	w, _ = s.do(t, http.MethodPut, "/api/v1/instrument/range", RangeRequest{Index: intPtr(1)})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodPut, "/api/v1/instrument/range", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, http.MethodPut, "/api/v1/instrument/range/external",
		ExternalResistorRequest{Channel: intPtr(1), ResistorKOhm: 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var external model.GainRange
	require.NoError(t, json.Unmarshal(resp.Data, &external))
	assert.Equal(t, -1, external.Index)
	assert.InDelta(t, 120, external.CurrentLimit, 1e-9)

	w, resp = s.do(t, http.MethodPut, "/api/v1/instrument/range/external",
		ExternalResistorRequest{Channel: intPtr(11), ResistorKOhm: 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_PARAMETERS", resp.Error.Code)

	w, resp = s.do(t, http.MethodPut, "/api/v1/instrument/electrodes", ElectrodeRequest{Count: 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_PARAMETERS", resp.Error.Code)

	w, _ = s.do(t, http.MethodPut, "/api/v1/instrument/electrodes", ElectrodeRequest{Count: 2})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/instrument/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/instrument/disconnect", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = s.do(t, http.MethodGet, "/api/v1/instrument/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONNECTION_ERROR", resp.Error.Code)
}

func TestExperimentHandler_RequiresConnection(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/api/v1/experiment/run", cvSweep())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONNECTION_ERROR", resp.Error.Code)
}

func TestExperimentHandler_Validation(t *testing.T) {
	s := newTestServer(t)
	s.connect(t)

	// nothing configured yet
	w, _ := s.do(t, http.MethodPost, "/api/v1/experiment/run", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w, _ = s.do(t, http.MethodGet, "/api/v1/experiment/configuration", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := cvSweep()
	bad.Increment = 0
	w, resp := s.do(t, http.MethodPost, "/api/v1/experiment/configure", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_PARAMETERS", resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/experiment/amperometry/stop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/experiment/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExperimentHandler_RunAndExport(t *testing.T) {
	s := newTestServer(t)
	s.connect(t)

	w, _ := s.do(t, http.MethodPost, "/api/v1/experiment/configure", cvSweep())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp := s.do(t, http.MethodPost, "/api/v1/experiment/run?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run model.Run
	require.NoError(t, json.Unmarshal(resp.Data, &run))
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Equal(t, model.TechniqueCV, run.Technique)
	assert.Greater(t, run.SampleCount, 0)

	w, _ = s.do(t, http.MethodGet, "/api/v1/experiment/latest", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = s.do(t, http.MethodGet, "/api/v1/runs?technique=CV", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listing))
	assert.Equal(t, 1, listing.Total)

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Equal(t, "voltage_mv,current_ua", lines[0])
	assert.Len(t, lines, run.SampleCount+1)

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/runs/"+run.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExperimentHandler_RunWithoutWaitIsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.connect(t)

	slow := cvSweep()
	slow.SweepRate = 0.1

	w, resp := s.do(t, http.MethodPost, "/api/v1/experiment/run", slow)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var run model.Run
	require.NoError(t, json.Unmarshal(resp.Data, &run))
	assert.Equal(t, model.RunStatusRunning, run.Status)

	// a second run while the first is in flight is rejected
	w, resp = s.do(t, http.MethodPost, "/api/v1/experiment/run", cvSweep())
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_IDLE", resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/experiment/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		_, resp := s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
		var stored model.Run
		return json.Unmarshal(resp.Data, &stored) == nil && stored.Status == model.RunStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := s.do(t, http.MethodDelete, "/api/v1/runs?older_than=720h", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0}`, string(resp.Data))

	w, _ = s.do(t, http.MethodGet, "/api/v1/runs?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventBus_FiltersByType(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	go bus.Start()
	defer bus.Stop()

	calibrated := bus.Subscribe(model.EventCalibrated)
	all := bus.SubscribeAll()

	bus.Publish(model.NewEvent(model.EventRangeChanged, "test", "INFO", nil))
	bus.Publish(model.NewEvent(model.EventCalibrated, "test", "INFO", nil))

	select {
	case e := <-calibrated:
		assert.Equal(t, model.EventCalibrated, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("calibrated event not delivered")
	}

	got := 0
	for got < 2 {
		select {
		case <-all:
			got++
		case <-time.After(time.Second):
			t.Fatalf("received %d of 2 events", got)
		}
	}
}

func intPtr(v int) *int { return &v }
