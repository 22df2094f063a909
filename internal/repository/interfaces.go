// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"potentiostat-service/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// RunRepository defines run data access operations
type RunRepository interface {
	// CRUD operations
	Create(ctx context.Context, run *model.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Run, error)
	Update(ctx context.Context, run *model.Run) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Listing and filtering
	List(ctx context.Context, filter *model.RunFilter) ([]*model.Run, int, error)
	GetStats(ctx context.Context, since *time.Time) (*RunStats, error)

	// Cleanup
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// CalibrationRepository defines calibration data access operations
type CalibrationRepository interface {
	Create(ctx context.Context, record *model.CalibrationRecord) error
	Latest(ctx context.Context, rangeIndex *int) (*model.CalibrationRecord, error)
	List(ctx context.Context, limit int) ([]*model.CalibrationRecord, error)
}

// RunStats represents run statistics
type RunStats struct {
	TotalRuns      int                     `json:"total_runs"`
	SuccessfulRuns int                     `json:"successful_runs"`
	FailedRuns     int                     `json:"failed_runs"`
	CancelledRuns  int                     `json:"cancelled_runs"`
	AvgDurationMs  float64                 `json:"average_duration_ms"`
	ByTechnique    map[model.Technique]int `json:"by_technique"`
	ByStatus       map[model.RunStatus]int `json:"by_status"`
	LastRunAt      *time.Time              `json:"last_run_at,omitempty"`
}
