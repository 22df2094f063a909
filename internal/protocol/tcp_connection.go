// internal/protocol/tcp_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// TCPConnection implements DeviceProtocol through a serial-to-TCP bridge
// (ser2net style). Packets are delimited by the read deadline.
type TCPConnection struct {
	config *TCPConfig
	conn   net.Conn
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  linkStats
}

// NewTCPConnection creates a new TCP connection
func NewTCPConnection(config *TCPConfig, logger *zap.Logger) DeviceProtocol {
	return &TCPConnection{
		config: config,
		logger: logger.With(
			zap.String("link", "tcp"),
			zap.String("address", config.Address),
		),
	}
}

// Open dials the bridge
func (tc *TCPConnection) Open(ctx context.Context) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.isOpen {
		return nil
	}

	tc.logger.Info("Opening TCP connection")

	dialer := &net.Dialer{Timeout: tc.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", tc.config.Address)
	if err != nil {
		tc.logger.Error("Failed to open TCP connection", zap.Error(err))
		return fmt.Errorf("failed to connect to %s: %w", tc.config.Address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		if tc.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}
	}

	tc.conn = conn
	tc.isOpen = true
	tc.stats.setConnected(true)

	tc.logger.Info("TCP connection opened successfully")
	return nil
}

// Close closes the TCP connection
func (tc *TCPConnection) Close() error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if !tc.isOpen || tc.conn == nil {
		return nil
	}

	err := tc.conn.Close()
	tc.conn = nil
	tc.isOpen = false
	tc.stats.setConnected(false)
	if err != nil {
		tc.logger.Error("Failed to close TCP connection", zap.Error(err))
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}

	tc.logger.Info("TCP connection closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (tc *TCPConnection) IsOpen() bool {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.isOpen && tc.conn != nil
}

// Write writes one frame to the bridge
func (tc *TCPConnection) Write(ctx context.Context, data []byte) error {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if !tc.isOpen || tc.conn == nil {
		return ErrNotOpen
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if tc.config.WriteTimeout > 0 {
		tc.conn.SetWriteDeadline(time.Now().Add(tc.config.WriteTimeout))
	}

	startTime := time.Now()
	n, err := tc.conn.Write(data)
	if err != nil {
		tc.stats.failed()
		tc.logger.Error("TCP write failed", zap.Error(err))
		return fmt.Errorf("failed to write to TCP connection: %w", err)
	}
	if n != len(data) {
		tc.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	tc.stats.wrote(n, time.Since(startTime))
	tc.logger.Debug("TCP write completed", zap.Int("bytes", n))
	return nil
}

// Read collects up to maxBytes until the read deadline passes
func (tc *TCPConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if !tc.isOpen || tc.conn == nil {
		return nil, ErrNotOpen
	}

	timeout := tc.config.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	tc.conn.SetReadDeadline(deadline)

	buffer := make([]byte, maxBytes)
	total := 0
	for total < maxBytes {
		n, err := tc.conn.Read(buffer[total:])
		total += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			tc.stats.failed()
			return nil, fmt.Errorf("failed to read from TCP connection: %w", err)
		}
	}

	if total == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrReadTimeout
	}
	tc.stats.read(total)
	return buffer[:total], nil
}

// Type returns the link type
func (tc *TCPConnection) Type() model.ConnectionType {
	return model.ConnectionTypeTCP
}

// Address returns host:port of the bridge
func (tc *TCPConnection) Address() string {
	return tc.config.Address
}

// Stats returns link counters
func (tc *TCPConnection) Stats() model.LinkStats {
	return tc.stats.snapshot()
}
