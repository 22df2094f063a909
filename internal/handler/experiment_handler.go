// internal/handler/experiment_handler.go
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// ExperimentHandler handles sweep, ASV and amperometry requests
type ExperimentHandler struct {
	experimentService *service.ExperimentService
	waitTimeout       time.Duration
	logger            *utils.ServiceLogger
}

// NewExperimentHandler creates a new experiment handler. waitTimeout bounds
// requests that ask to block until the run has finished.
func NewExperimentHandler(experimentService *service.ExperimentService, waitTimeout time.Duration, logger *zap.Logger) *ExperimentHandler {
	if waitTimeout <= 0 {
		waitTimeout = 2 * time.Minute
	}
	return &ExperimentHandler{
		experimentService: experimentService,
		waitTimeout:       waitTimeout,
		logger:            utils.NewServiceLogger(logger, "experiment-handler"),
	}
}

// RegisterRoutes registers experiment routes
func (h *ExperimentHandler) RegisterRoutes(router *gin.RouterGroup) {
	experiment := router.Group("/experiment")
	{
		experiment.GET("/state", h.GetState)
		experiment.GET("/configuration", h.GetConfiguration)
		experiment.POST("/configure", h.Configure)
		experiment.POST("/run", h.Run)
		experiment.POST("/asv", h.RunAsv)
		experiment.POST("/cancel", h.Cancel)
		experiment.POST("/amperometry/start", h.StartAmperometry)
		experiment.POST("/amperometry/stop", h.StopAmperometry)
		experiment.GET("/latest", h.GetLatest)
	}
}

// GetState returns the controller phase
// @Summary Controller state
// @Tags Experiment
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.RunState} "State retrieved"
// @Router /experiment/state [get]
func (h *ExperimentHandler) GetState(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "State retrieved", h.experimentService.State())
}

// GetConfiguration returns the sweep the next run will execute
// @Summary Configured sweep
// @Tags Experiment
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.SweepSpec} "Configuration retrieved"
// @Failure 400 {object} utils.APIResponse "No sweep configured"
// @Router /experiment/configuration [get]
func (h *ExperimentHandler) GetConfiguration(c *gin.Context) {
	spec := h.experimentService.Configured()
	if spec == nil {
		utils.InstrumentErrorResponse(c, "No sweep configured", model.ErrNotConfigured)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration retrieved", spec)
}

// Configure sends sweep parameters to the instrument
// @Summary Configure sweep
// @Description Validate the sweep, send its parameter and compare frames and keep it for the next run
// @Tags Experiment
// @Accept json
// @Produce json
// @Param request body model.SweepSpec true "Sweep"
// @Success 200 {object} utils.APIResponse{data=model.SweepSpec} "Sweep configured"
// @Failure 400 {object} utils.APIResponse "Invalid sweep"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /experiment/configure [post]
func (h *ExperimentHandler) Configure(c *gin.Context) {
	var spec model.SweepSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.experimentService.Configure(c.Request.Context(), spec); err != nil {
		utils.InstrumentErrorResponse(c, "Failed to configure sweep", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sweep configured", spec)
}

// Run starts a sweep
// @Summary Run sweep
// @Description Start the sweep in the body, or the configured sweep when the body is empty. With wait=true the request blocks until the run has finished.
// @Tags Experiment
// @Accept json
// @Produce json
// @Param request body model.SweepSpec false "Sweep"
// @Param wait query bool false "Block until the run finishes"
// @Success 202 {object} utils.APIResponse{data=model.Run} "Run started"
// @Success 200 {object} utils.APIResponse{data=model.Run} "Run finished"
// @Failure 400 {object} utils.APIResponse "Invalid or missing sweep"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /experiment/run [post]
func (h *ExperimentHandler) Run(c *gin.Context) {
	var spec model.SweepSpec
	err := c.ShouldBindJSON(&spec)
	if err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var run *model.Run
	if errors.Is(err, io.EOF) {
		run, err = h.experimentService.Run(c.Request.Context())
	} else {
		run, err = h.experimentService.RunSweep(c.Request.Context(), spec)
	}
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to start run", err)
		return
	}

	h.respondRun(c, run)
}

// RunAsv runs anodic stripping voltammetry
// @Summary Run ASV
// @Description Clean, plate and strip. The strip sweep starts at the plating voltage.
// @Tags Experiment
// @Accept json
// @Produce json
// @Param request body model.AsvPhaseSpec true "ASV phases"
// @Param wait query bool false "Block until the run finishes"
// @Success 202 {object} utils.APIResponse{data=model.Run} "Run started"
// @Failure 400 {object} utils.APIResponse "Invalid phases"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /experiment/asv [post]
func (h *ExperimentHandler) RunAsv(c *gin.Context) {
	var spec model.AsvPhaseSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	run, err := h.experimentService.RunAsv(c.Request.Context(), spec)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to start ASV run", err)
		return
	}

	h.respondRun(c, run)
}

func (h *ExperimentHandler) respondRun(c *gin.Context, run *model.Run) {
	if c.Query("wait") != "true" {
		utils.SuccessResponse(c, http.StatusAccepted, "Run started", run)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
	defer cancel()
	done, err := h.experimentService.WaitRun(ctx, run.ID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusGatewayTimeout, "Run still in progress", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Run finished", done)
}

// Cancel stops whatever is running
// @Summary Cancel
// @Description Stop the current run, reset the device and return to idle. Also clears the failed state.
// @Tags Experiment
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.RunState} "Cancelled"
// @Router /experiment/cancel [post]
func (h *ExperimentHandler) Cancel(c *gin.Context) {
	if err := h.experimentService.Cancel(c.Request.Context()); err != nil {
		utils.InstrumentErrorResponse(c, "Failed to cancel", err)
		return
	}
	h.logger.Info("Run cancelled by request")
	utils.SuccessResponse(c, http.StatusOK, "Cancelled", h.experimentService.State())
}

// StartAmperometry starts constant-voltage streaming
// @Summary Start amperometry
// @Tags Experiment
// @Accept json
// @Produce json
// @Param request body model.AmperometrySpec true "Hold voltage and sampling rate"
// @Success 202 {object} utils.APIResponse{data=model.Run} "Streaming started"
// @Failure 400 {object} utils.APIResponse "Invalid settings"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /experiment/amperometry/start [post]
func (h *ExperimentHandler) StartAmperometry(c *gin.Context) {
	var spec model.AmperometrySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	run, err := h.experimentService.StartAmperometry(c.Request.Context(), spec)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to start amperometry", err)
		return
	}
	utils.SuccessResponse(c, http.StatusAccepted, "Amperometry started", run)
}

// StopAmperometry ends streaming and returns the stored run
// @Summary Stop amperometry
// @Tags Experiment
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.Run} "Streaming stopped"
// @Failure 400 {object} utils.APIResponse "Amperometry is not running"
// @Router /experiment/amperometry/stop [post]
func (h *ExperimentHandler) StopAmperometry(c *gin.Context) {
	run, err := h.experimentService.StopAmperometry(c.Request.Context())
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to stop amperometry", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Amperometry stopped", run)
}

// GetLatest returns the most recent successful run of this process
// @Summary Latest result
// @Tags Experiment
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.RunResult} "Latest result"
// @Failure 404 {object} utils.APIResponse "No run has finished yet"
// @Router /experiment/latest [get]
func (h *ExperimentHandler) GetLatest(c *gin.Context) {
	latest := h.experimentService.Latest()
	if latest == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "No run has finished yet", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Latest result", gin.H{
		"run_id": latest.RunID,
		"result": latest.Result,
	})
}
