// internal/handler/run_handler.go
package handler

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// RunHandler serves stored runs
type RunHandler struct {
	experimentService *service.ExperimentService
	logger            *utils.ServiceLogger
}

// NewRunHandler creates a new run handler
func NewRunHandler(experimentService *service.ExperimentService, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		experimentService: experimentService,
		logger:            utils.NewServiceLogger(logger, "run-handler"),
	}
}

// RegisterRoutes registers run routes
func (h *RunHandler) RegisterRoutes(router *gin.RouterGroup) {
	runs := router.Group("/runs")
	{
		runs.GET("", h.ListRuns)
		runs.GET("/stats", h.GetStats)
		runs.DELETE("", h.PruneRuns)

		runRoutes := runs.Group("/:id")
		{
			runRoutes.GET("", h.GetRun)
			runRoutes.GET("/csv", h.ExportCSV)
			runRoutes.DELETE("", h.DeleteRun)
		}
	}
}

// ListRuns lists stored runs
// @Summary List runs
// @Description List runs newest first, without their sample arrays
// @Tags Runs
// @Produce json
// @Param technique query string false "Filter by technique" Enums(CV, LS, SWV, ASV, AMPEROMETRY)
// @Param status query string false "Filter by status" Enums(RUNNING, SUCCESS, FAILED, CANCELLED)
// @Param since query string false "Only runs created after this RFC 3339 time"
// @Param page query int false "Page number" default(1)
// @Param per_page query int false "Items per page" default(20)
// @Success 200 {object} utils.APIResponse{data=object{runs=[]model.Run,total=int}} "Runs retrieved"
// @Router /runs [get]
func (h *RunHandler) ListRuns(c *gin.Context) {
	filter := &model.RunFilter{Limit: 20}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	if pp, err := strconv.Atoi(c.Query("per_page")); err == nil && pp > 0 && pp <= 100 {
		filter.Limit = pp
	}
	filter.Offset = (page - 1) * filter.Limit

	if technique := c.Query("technique"); technique != "" {
		t := model.Technique(technique)
		filter.Technique = &t
	}
	if status := c.Query("status"); status != "" {
		s := model.RunStatus(status)
		filter.Status = &s
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"since": "must be an RFC 3339 time"})
			return
		}
		filter.Since = &ts
	}

	runs, total, err := h.experimentService.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Runs retrieved", gin.H{
		"runs":     runs,
		"total":    total,
		"page":     page,
		"per_page": filter.Limit,
	})
}

// GetStats aggregates run outcomes
// @Summary Run statistics
// @Tags Runs
// @Produce json
// @Param since query string false "Only runs created after this RFC 3339 time"
// @Success 200 {object} utils.APIResponse{data=repository.RunStats} "Statistics retrieved"
// @Router /runs/stats [get]
func (h *RunHandler) GetStats(c *gin.Context) {
	var since *time.Time
	if s := c.Query("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"since": "must be an RFC 3339 time"})
			return
		}
		since = &ts
	}

	stats, err := h.experimentService.Stats(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("Failed to get run statistics", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get run statistics", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Run statistics retrieved", stats)
}

// PruneRuns removes old runs
// @Summary Prune runs
// @Tags Runs
// @Produce json
// @Param older_than query string true "Go duration, e.g. 720h"
// @Success 200 {object} utils.APIResponse{data=object{deleted=int}} "Runs pruned"
// @Failure 400 {object} utils.APIResponse "Invalid duration"
// @Router /runs [delete]
func (h *RunHandler) PruneRuns(c *gin.Context) {
	maxAge, err := time.ParseDuration(c.Query("older_than"))
	if err != nil || maxAge <= 0 {
		utils.ValidationErrorResponse(c, map[string]string{"older_than": "must be a positive duration"})
		return
	}

	n, err := h.experimentService.PruneRuns(c.Request.Context(), maxAge)
	if err != nil {
		h.logger.Error("Failed to prune runs", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to prune runs", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Runs pruned", gin.H{"deleted": n})
}

// GetRun returns a run with its data
// @Summary Get run
// @Tags Runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} utils.APIResponse{data=model.Run} "Run retrieved"
// @Failure 400 {object} utils.APIResponse "Invalid run ID"
// @Failure 404 {object} utils.APIResponse "Run not found"
// @Router /runs/{id} [get]
func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	run, err := h.experimentService.GetRun(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, "Failed to get run", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Run retrieved", run)
}

// ExportCSV downloads the voltage/current pairs of a run
// @Summary Export run as CSV
// @Tags Runs
// @Produce text/csv
// @Param id path string true "Run ID"
// @Success 200 {file} file "voltage_mv,current_ua rows"
// @Failure 400 {object} utils.APIResponse "Run has no data"
// @Failure 404 {object} utils.APIResponse "Run not found"
// @Router /runs/{id}/csv [get]
func (h *RunHandler) ExportCSV(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.experimentService.ExportCSV(c.Request.Context(), id, &buf); err != nil {
		respondRunError(c, "Failed to export run", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s.csv", id))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

// DeleteRun removes a finished run
// @Summary Delete run
// @Tags Runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} utils.APIResponse "Run deleted"
// @Failure 404 {object} utils.APIResponse "Run not found"
// @Failure 409 {object} utils.APIResponse "Run still in progress"
// @Router /runs/{id} [delete]
func (h *RunHandler) DeleteRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	if err := h.experimentService.DeleteRun(c.Request.Context(), id); err != nil {
		respondRunError(c, "Failed to delete run", err)
		return
	}
	h.logger.Info("Run deleted", zap.String("run_id", id.String()))
	utils.SuccessResponse(c, http.StatusOK, "Run deleted", nil)
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid run ID", err)
		return uuid.Nil, false
	}
	return id, true
}

func respondRunError(c *gin.Context, message string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		utils.ErrorResponse(c, http.StatusNotFound, "Run not found", err)
		return
	}
	utils.InstrumentErrorResponse(c, message, err)
}
