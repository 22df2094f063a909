// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// Scanner lists attached USB boards that match the known VID/PID pairs
type Scanner struct {
	logger       *zap.Logger
	knownDevices *DeviceDatabase
	config       *Config
}

// Config for USB scanner
type Config struct {
	ScanTimeout time.Duration `json:"scan_timeout"`
	EnableDebug bool          `json:"enable_debug"`
	VendorID    gousb.ID      `json:"vendor_id"`
	ProductID   gousb.ID      `json:"product_id"`
}

type match struct {
	candidate  model.CandidateChannel
	confidence float64
}

// NewScanner creates a new USB scanner. A configured VID/PID is added to the
// known-device table.
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{ScanTimeout: 10 * time.Second}
	}
	db := NewDeviceDatabase()
	if config.VendorID != 0 && config.ProductID != 0 && db.Lookup(config.VendorID, config.ProductID) == nil {
		db.Add(config.VendorID, config.ProductID, &ProductInfo{Name: "configured instrument", Confidence: 1})
	}

	return &Scanner{
		logger:       logger.With(zap.String("scanner", "usb")),
		knownDevices: db,
		config:       config,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks if USB scanning is available on this system
func (s *Scanner) IsAvailable() bool {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		s.logger.Warn("USB scanning support unknown for OS", zap.String("os", runtime.GOOS))
		return false
	}
}

// Scan performs USB device discovery
func (s *Scanner) Scan(ctx context.Context) ([]model.CandidateChannel, error) {
	startTime := time.Now()
	s.logger.Info("Starting USB device scan")

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if s.config.EnableDebug {
		usbCtx.Debug(3)
	}

	// descriptors are read inside the filter, nothing is opened
	var matches []match
	_, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		info := s.knownDevices.Lookup(desc.Vendor, desc.Product)
		if info == nil {
			return false
		}
		matches = append(matches, match{
			candidate: model.CandidateChannel{
				Type:      model.ConnectionTypeUSB,
				Address:   fmt.Sprintf("bus%d/dev%d", desc.Bus, desc.Address),
				VendorID:  fmt.Sprintf("%04X", uint16(desc.Vendor)),
				ProductID: fmt.Sprintf("%04X", uint16(desc.Product)),
				Product:   info.Name,
			},
			confidence: info.Confidence,
		})
		return false
	})
	if err != nil && len(matches) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].confidence > matches[j].confidence
	})
	out := make([]model.CandidateChannel, len(matches))
	for i, m := range matches {
		out[i] = m.candidate
	}

	s.logger.Info("USB scan completed",
		zap.Int("devices_found", len(out)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return out, nil
}
