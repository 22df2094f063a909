// internal/repository/calibration_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"potentiostat-service/internal/database"
	"potentiostat-service/internal/model"
)

// calibrationRepository implements CalibrationRepository on PostgreSQL
type calibrationRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewCalibrationRepository creates a new calibration repository
func NewCalibrationRepository(db *database.DB, logger *zap.Logger) CalibrationRepository {
	return &calibrationRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a calibration outcome
func (r *calibrationRepository) Create(ctx context.Context, record *model.CalibrationRecord) error {
	query := `
		INSERT INTO calibrations (
			id, range_index, resistor_kohm, gain_bits, counts_to_current, shift,
			reference_data, succeeded, error_message, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	reference := make([]int64, len(record.ReferenceData))
	for i, v := range record.ReferenceData {
		reference[i] = int64(v)
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.RangeIndex, record.ResistorKOhm, record.GainBits,
		record.CountsToCurrent, record.Shift, pq.Array(reference),
		record.Succeeded, record.ErrorMessage, record.RecordedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create calibration record", zap.Error(err))
		return fmt.Errorf("failed to create calibration record: %w", err)
	}

	return nil
}

// Latest returns the newest successful calibration, optionally for one range
func (r *calibrationRepository) Latest(ctx context.Context, rangeIndex *int) (*model.CalibrationRecord, error) {
	query := `
		SELECT id, range_index, resistor_kohm, gain_bits, counts_to_current, shift,
			   reference_data, succeeded, error_message, recorded_at
		FROM calibrations
		WHERE succeeded AND ($1::int IS NULL OR range_index = $1)
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	rows, err := r.db.QueryContext(ctx, query, rangeIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest calibration: %w", err)
	}
	defer rows.Close()

	records, err := scanCalibrations(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("calibration: %w", ErrNotFound)
	}
	return records[0], nil
}

// List returns the newest calibrations first
func (r *calibrationRepository) List(ctx context.Context, limit int) ([]*model.CalibrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, range_index, resistor_kohm, gain_bits, counts_to_current, shift,
			   reference_data, succeeded, error_message, recorded_at
		FROM calibrations
		ORDER BY recorded_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibrations: %w", err)
	}
	defer rows.Close()

	return scanCalibrations(rows)
}

func scanCalibrations(rows *sql.Rows) ([]*model.CalibrationRecord, error) {
	records := []*model.CalibrationRecord{}
	for rows.Next() {
		record := &model.CalibrationRecord{}
		var reference pq.Int64Array
		err := rows.Scan(
			&record.ID, &record.RangeIndex, &record.ResistorKOhm, &record.GainBits,
			&record.CountsToCurrent, &record.Shift, &reference, &record.Succeeded,
			&record.ErrorMessage, &record.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calibration row: %w", err)
		}
		record.ReferenceData = make([]int16, len(reference))
		for i, v := range reference {
			record.ReferenceData[i] = int16(v)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to iterate calibrations: %w", err)
	}
	return records, nil
}
