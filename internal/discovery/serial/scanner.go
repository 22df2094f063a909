// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// Scanner lists serial ports. USB-serial ports whose VID/PID match are listed
// first; other ports follow unless USBOnly is set.
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// Config for serial scanner
type Config struct {
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	USBOnly   bool   `json:"usb_only"`
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{}
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan performs serial port discovery
func (s *Scanner) Scan(ctx context.Context) ([]model.CandidateChannel, error) {
	s.logger.Info("Starting serial port scan")

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	var preferred, others []model.CandidateChannel
	for _, port := range ports {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		candidate := model.CandidateChannel{
			Type:    model.ConnectionTypeSerial,
			Address: port.Name,
		}
		if port.IsUSB {
			candidate.VendorID = strings.ToUpper(port.VID)
			candidate.ProductID = strings.ToUpper(port.PID)
			candidate.Serial = port.SerialNumber
		}

		switch {
		case s.matches(candidate):
			preferred = append(preferred, candidate)
		case !s.config.USBOnly || port.IsUSB:
			others = append(others, candidate)
		}
	}

	out := append(preferred, others...)
	s.logger.Info("Serial scan completed", zap.Int("ports_found", len(out)))
	return out, nil
}

func (s *Scanner) matches(c model.CandidateChannel) bool {
	if s.config.VendorID == "" || c.VendorID == "" {
		return false
	}
	return strings.EqualFold(c.VendorID, s.config.VendorID) &&
		(s.config.ProductID == "" || strings.EqualFold(c.ProductID, s.config.ProductID))
}
