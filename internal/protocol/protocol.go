// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"potentiostat-service/internal/model"
)

// ErrReadTimeout is returned when no packet arrives within the link timeout
var ErrReadTimeout = errors.New("read timeout")

// ErrNotOpen is returned by I/O on a closed link
var ErrNotOpen = errors.New("link not open")

// DeviceProtocol is a raw, packet-oriented link to the instrument
type DeviceProtocol interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication. Write sends one command frame; Read returns at
	// most one IN packet of up to maxBytes.
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	// Link information
	Type() model.ConnectionType
	Address() string
	Stats() model.LinkStats
}

// linkStats tracks link-level counters for any DeviceProtocol
type linkStats struct {
	mu    sync.Mutex
	stats model.LinkStats
}

func (s *linkStats) snapshot() model.LinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *linkStats) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.IsConnected = connected
	s.stats.LastActivity = time.Now()
}

func (s *linkStats) wrote(n int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesWritten += int64(n)
	s.stats.FramesWritten++
	s.stats.LastActivity = time.Now()
	if s.stats.AverageLatency == 0 {
		s.stats.AverageLatency = latency
	} else {
		s.stats.AverageLatency = (s.stats.AverageLatency + latency) / 2
	}
}

func (s *linkStats) read(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesRead += int64(n)
	s.stats.PacketsRead++
	s.stats.LastActivity = time.Now()
}

func (s *linkStats) failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ErrorCount++
}

// IsTimeout reports whether err is a read timeout, including context deadlines
func IsTimeout(err error) bool {
	return errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded)
}
