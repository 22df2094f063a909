// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("instrument not connected")
	ErrNotIdle           = errors.New("controller is not idle")
	ErrNotConfigured     = errors.New("no sweep configured")
	ErrFrameTooLong      = errors.New("command frame exceeds maximum size")
	ErrCancelled         = errors.New("run cancelled")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// ConnectionError means the device is absent or the handshake failed
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the device answered with something malformed or unexpected
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError means completion was not observed within the retry budget
type TimeoutError struct {
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s after %d attempts", e.Op, e.Attempts)
}

// DataIntegrityError reports a sample stream that does not have the expected shape
type DataIntegrityError struct {
	Op       string
	Expected int
	Got      int
	Detail   string
}

func (e *DataIntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("data integrity error during %s: expected %d, got %d (%s)", e.Op, e.Expected, e.Got, e.Detail)
	}
	return fmt.Sprintf("data integrity error during %s: expected %d, got %d", e.Op, e.Expected, e.Got)
}

// CalibrationError reports unusable self-test reference samples
type CalibrationError struct {
	Reason string
	Err    error
}

func (e *CalibrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calibration failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("calibration failed: %s", e.Reason)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// ErrorCode maps an error onto a stable machine-readable code
func ErrorCode(err error) string {
	var (
		connErr  *ConnectionError
		protoErr *ProtocolError
		timeErr  *TimeoutError
		dataErr  *DataIntegrityError
		calErr   *CalibrationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotIdle):
		return "NOT_IDLE"
	case errors.Is(err, ErrNotConfigured):
		return "NOT_CONFIGURED"
	case errors.Is(err, ErrInvalidParameters):
		return "INVALID_PARAMETERS"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrNotConnected), errors.As(err, &connErr):
		return "CONNECTION_ERROR"
	case errors.As(err, &protoErr), errors.Is(err, ErrFrameTooLong):
		return "PROTOCOL_ERROR"
	case errors.As(err, &timeErr):
		return "TIMEOUT"
	case errors.As(err, &dataErr):
		return "DATA_INTEGRITY_ERROR"
	case errors.As(err, &calErr):
		return "CALIBRATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
