// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// Scanner probes configured serial-over-TCP bridges and reports the ones that
// accept a connection
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// Config for TCP scanner
type Config struct {
	Addresses   []string      `json:"addresses"`
	ConnTimeout time.Duration `json:"connection_timeout"`
}

// NewScanner creates a new TCP scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{}
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = 2 * time.Second
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "tcp")),
		config: config,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any bridge address is configured
func (s *Scanner) IsAvailable() bool {
	return len(s.config.Addresses) > 0
}

// Scan dials each configured bridge
func (s *Scanner) Scan(ctx context.Context) ([]model.CandidateChannel, error) {
	s.logger.Info("Starting TCP bridge probe", zap.Strings("addresses", s.config.Addresses))

	dialer := &net.Dialer{Timeout: s.config.ConnTimeout}
	var out []model.CandidateChannel
	for _, addr := range s.config.Addresses {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			s.logger.Debug("Bridge not reachable", zap.String("address", addr), zap.Error(err))
			continue
		}
		conn.Close()
		out = append(out, model.CandidateChannel{Type: model.ConnectionTypeTCP, Address: addr})
	}

	s.logger.Info("TCP scan completed", zap.Int("bridges_found", len(out)))
	return out, nil
}
