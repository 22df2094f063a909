// internal/handler/instrument_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"potentiostat-service/internal/devicemodel"
	"potentiostat-service/internal/repository"
	"potentiostat-service/internal/service"
	"potentiostat-service/internal/utils"
)

// InstrumentHandler handles connection and device-model requests
type InstrumentHandler struct {
	instrumentService *service.InstrumentService
	logger            *utils.ServiceLogger
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(instrumentService *service.InstrumentService, logger *zap.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		instrumentService: instrumentService,
		logger:            utils.NewServiceLogger(logger, "instrument-handler"),
	}
}

// RangeRequest selects a current range
type RangeRequest struct {
	Index *int `json:"index" binding:"required"`
}

// ExternalResistorRequest routes the ADC to an off-board resistor
type ExternalResistorRequest struct {
	Channel      *int    `json:"channel" binding:"required"`
	ResistorKOhm float64 `json:"resistor_kohm" binding:"required,gt=0"`
}

// VoltageSourceRequest selects the DAC
type VoltageSourceRequest struct {
	Source string `json:"source" binding:"required"`
}

// ElectrodeRequest selects two- or three-electrode mode
type ElectrodeRequest struct {
	Count int `json:"count" binding:"required"`
}

// RegisterRoutes registers instrument routes
func (h *InstrumentHandler) RegisterRoutes(router *gin.RouterGroup) {
	instrument := router.Group("/instrument")
	{
		instrument.GET("", h.GetStatus)
		instrument.POST("/connect", h.Connect)
		instrument.POST("/disconnect", h.Disconnect)
		instrument.GET("/scan", h.Scan)
		instrument.GET("/variants", h.ListVariants)
		instrument.GET("/stats", h.GetLinkStats)
		instrument.POST("/calibrate", h.Calibrate)
		instrument.GET("/calibrations", h.ListCalibrations)
		instrument.GET("/ranges", h.ListRanges)
		instrument.PUT("/range", h.SelectRange)
		instrument.PUT("/range/external", h.SelectExternalResistor)
		instrument.PUT("/voltage-source", h.SelectVoltageSource)
		instrument.PUT("/electrodes", h.SetElectrodeCount)
	}
}

// GetStatus returns the instrument snapshot
// @Summary Instrument status
// @Description Get link state, firmware variant, range, calibration and run phase
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.InstrumentInfo} "Status retrieved"
// @Router /instrument [get]
func (h *InstrumentHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Instrument status retrieved", h.instrumentService.Status())
}

// Connect opens the instrument
// @Summary Connect instrument
// @Description Open the configured link, or the link given in the body, and run the startup sequence
// @Tags Instrument
// @Accept json
// @Produce json
// @Param request body service.ConnectRequest false "Link override"
// @Success 200 {object} utils.APIResponse{data=model.InstrumentInfo} "Instrument connected"
// @Failure 400 {object} utils.APIResponse "Invalid link configuration"
// @Failure 503 {object} utils.APIResponse "Instrument not reachable"
// @Router /instrument/connect [post]
func (h *InstrumentHandler) Connect(c *gin.Context) {
	var req service.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	info, err := h.instrumentService.Connect(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to connect instrument", zap.Error(err))
		utils.InstrumentErrorResponse(c, "Failed to connect instrument", err)
		return
	}

	h.logger.Info("Instrument connected",
		zap.String("variant", info.Variant),
		zap.String("address", info.Address),
	)
	utils.SuccessResponse(c, http.StatusOK, "Instrument connected", info)
}

// Disconnect closes the instrument link
// @Summary Disconnect instrument
// @Description Cancel any run, reset the device and close the link
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse "Instrument disconnected"
// @Router /instrument/disconnect [post]
func (h *InstrumentHandler) Disconnect(c *gin.Context) {
	if err := h.instrumentService.Disconnect(c.Request.Context()); err != nil {
		h.logger.Warn("Instrument disconnected with errors", zap.Error(err))
		utils.InstrumentErrorResponse(c, "Instrument disconnected with errors", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument disconnected", nil)
}

// Scan lists candidate channels
// @Summary Scan for instruments
// @Description List USB, serial and TCP channels that may host the instrument
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]model.CandidateChannel} "Scan completed"
// @Router /instrument/scan [get]
func (h *InstrumentHandler) Scan(c *gin.Context) {
	channels, err := h.instrumentService.Scan(c.Request.Context())
	if err != nil {
		h.logger.Error("Scan failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Scan failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
		"channels": channels,
		"count":    len(channels),
	})
}

// ListVariants lists the recognized firmware builds
// @Summary Firmware variants
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]driver.Variant} "Variants retrieved"
// @Router /instrument/variants [get]
func (h *InstrumentHandler) ListVariants(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Variants retrieved", h.instrumentService.Variants())
}

// GetLinkStats returns transport counters
// @Summary Link statistics
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.LinkStats} "Statistics retrieved"
// @Failure 503 {object} utils.APIResponse "Instrument not connected"
// @Router /instrument/stats [get]
func (h *InstrumentHandler) GetLinkStats(c *gin.Context) {
	stats, err := h.instrumentService.LinkStats()
	if err != nil {
		utils.InstrumentErrorResponse(c, "Instrument not connected", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Link statistics retrieved", stats)
}

// Calibrate runs the self-test on the current range
// @Summary Calibrate
// @Description Run the self-calibration and store the outcome. A rejected calibration keeps the previous factor.
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.CalibrationRecord} "Calibrated"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Failure 422 {object} utils.APIResponse "Calibration rejected"
// @Router /instrument/calibrate [post]
func (h *InstrumentHandler) Calibrate(c *gin.Context) {
	record, err := h.instrumentService.Calibrate(c.Request.Context())
	if err != nil {
		h.logger.Warn("Calibration failed", zap.Error(err))
		utils.InstrumentErrorResponse(c, "Calibration failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument calibrated", record)
}

// ListCalibrations returns stored calibration outcomes
// @Summary Calibration history
// @Tags Instrument
// @Produce json
// @Param limit query int false "Maximum records" default(20)
// @Success 200 {object} utils.APIResponse{data=[]model.CalibrationRecord} "Calibrations retrieved"
// @Router /instrument/calibrations [get]
func (h *InstrumentHandler) ListCalibrations(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	records, err := h.instrumentService.ListCalibrations(c.Request.Context(), limit)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.logger.Error("Failed to list calibrations", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list calibrations", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Calibrations retrieved", records)
}

// ListRanges returns the selectable current ranges
// @Summary Current ranges
// @Tags Instrument
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]model.GainRange} "Ranges retrieved"
// @Router /instrument/ranges [get]
func (h *InstrumentHandler) ListRanges(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Ranges retrieved", h.instrumentService.Ranges())
}

// SelectRange switches the current range
// @Summary Select current range
// @Tags Instrument
// @Accept json
// @Produce json
// @Param request body RangeRequest true "Range index"
// @Success 200 {object} utils.APIResponse{data=model.GainRange} "Range selected"
// @Failure 400 {object} utils.APIResponse "Unknown range"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /instrument/range [put]
func (h *InstrumentHandler) SelectRange(c *gin.Context) {
	var req RangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	r, err := h.instrumentService.SelectRange(c.Request.Context(), *req.Index)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to select range", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Range selected", r)
}

// SelectExternalResistor measures through an off-board TIA resistor
// @Summary Select external resistor
// @Tags Instrument
// @Accept json
// @Produce json
// @Param request body ExternalResistorRequest true "ADC channel and resistor in kΩ"
// @Success 200 {object} utils.APIResponse{data=model.GainRange} "External resistor selected"
// @Failure 400 {object} utils.APIResponse "Bad channel or resistor"
// @Failure 409 {object} utils.APIResponse "A run is in progress"
// @Router /instrument/range/external [put]
func (h *InstrumentHandler) SelectExternalResistor(c *gin.Context) {
	var req ExternalResistorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	r, err := h.instrumentService.SelectExternalResistor(c.Request.Context(), *req.Channel, req.ResistorKOhm)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to select external resistor", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "External resistor selected", r)
}

// SelectVoltageSource switches the DAC
// @Summary Select voltage source
// @Tags Instrument
// @Accept json
// @Produce json
// @Param request body VoltageSourceRequest true "Source, 8-bit or dvdac"
// @Success 200 {object} utils.APIResponse{data=devicemodel.SourceSpec} "Source selected"
// @Failure 400 {object} utils.APIResponse "Unknown source or fixed-source firmware"
// @Router /instrument/voltage-source [put]
func (h *InstrumentHandler) SelectVoltageSource(c *gin.Context) {
	var req VoltageSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	spec, err := h.instrumentService.SelectVoltageSource(c.Request.Context(), devicemodel.SourceVariant(req.Source))
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to select voltage source", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Voltage source selected", spec)
}

// SetElectrodeCount selects two- or three-electrode mode
// @Summary Select electrode mode
// @Tags Instrument
// @Accept json
// @Produce json
// @Param request body ElectrodeRequest true "Electrode count, 2 or 3"
// @Success 200 {object} utils.APIResponse "Electrode mode set"
// @Failure 400 {object} utils.APIResponse "Unsupported count"
// @Router /instrument/electrodes [put]
func (h *InstrumentHandler) SetElectrodeCount(c *gin.Context) {
	var req ElectrodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.instrumentService.SetElectrodeCount(c.Request.Context(), req.Count); err != nil {
		utils.InstrumentErrorResponse(c, "Failed to set electrode mode", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Electrode mode set", gin.H{"count": req.Count})
}
