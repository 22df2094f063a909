// internal/repository/run_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"potentiostat-service/internal/database"
	"potentiostat-service/internal/model"
)

const runColumns = `id, technique, status, parameters, voltages, currents, sample_count,
	peak_current, counts_to_current, shift, range_index, error_code, error_message,
	started_at, completed_at, duration_ms, created_at`

// runRepository implements RunRepository on PostgreSQL
type runRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *database.DB, logger *zap.Logger) RunRepository {
	return &runRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new run
func (r *runRepository) Create(ctx context.Context, run *model.Run) error {
	query := `
		INSERT INTO runs (
			id, technique, status, parameters, voltages, currents, sample_count,
			peak_current, counts_to_current, shift, range_index, error_code,
			error_message, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Technique, run.Status, run.Parameters,
		pq.Array(toInt64(run.Voltages)), pq.Array(run.Currents), run.SampleCount,
		run.PeakCurrent, run.CountsToCurrent, run.Shift, run.RangeIndex,
		run.ErrorCode, run.ErrorMessage, run.StartedAt, run.CompletedAt, run.DurationMs,
	)
	if err != nil {
		r.logger.Error("Failed to create run", zap.Error(err))
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by ID
func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1`, runColumns)

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// Update writes the outcome of a run
func (r *runRepository) Update(ctx context.Context, run *model.Run) error {
	query := `
		UPDATE runs SET
			status = $2, voltages = $3, currents = $4, sample_count = $5,
			peak_current = $6, counts_to_current = $7, shift = $8, error_code = $9,
			error_message = $10, completed_at = $11, duration_ms = $12
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID, run.Status, pq.Array(toInt64(run.Voltages)), pq.Array(run.Currents),
		run.SampleCount, run.PeakCurrent, run.CountsToCurrent, run.Shift,
		run.ErrorCode, run.ErrorMessage, run.CompletedAt, run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// Delete removes a run
func (r *runRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// List retrieves runs newest first. Listings leave out the sample arrays.
func (r *runRepository) List(ctx context.Context, filter *model.RunFilter) ([]*model.Run, int, error) {
	if filter == nil {
		filter = &model.RunFilter{}
	}

	// Build WHERE clause
	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.Technique != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("technique = $%d", argIndex))
		args = append(args, *filter.Technique)
		argIndex++
	}

	if filter.Status != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}

	if filter.Since != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}

	// Count total records
	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM runs %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, technique, status, parameters, sample_count, peak_current,
			   counts_to_current, shift, range_index, error_code, error_message,
			   started_at, completed_at, duration_ms, created_at
		FROM runs %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIndex, argIndex+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*model.Run{}
	for rows.Next() {
		run := &model.Run{}
		err := rows.Scan(
			&run.ID, &run.Technique, &run.Status, &run.Parameters, &run.SampleCount,
			&run.PeakCurrent, &run.CountsToCurrent, &run.Shift, &run.RangeIndex,
			&run.ErrorCode, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt,
			&run.DurationMs, &run.CreatedAt,
		)
		if err != nil {
			r.logger.Error("Failed to scan run row", zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetStats aggregates run outcomes
func (r *runRepository) GetStats(ctx context.Context, since *time.Time) (*RunStats, error) {
	where := ""
	args := []interface{}{}
	if since != nil {
		where = "WHERE created_at >= $1"
		args = append(args, *since)
	}

	stats := &RunStats{
		ByTechnique: map[model.Technique]int{},
		ByStatus:    map[model.RunStatus]int{},
	}

	query := fmt.Sprintf(`
		SELECT technique, status, COUNT(*), COALESCE(AVG(duration_ms), 0), MAX(created_at)
		FROM runs %s
		GROUP BY technique, status
	`, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var (
			technique model.Technique
			status    model.RunStatus
			count     int
			avg       float64
			last      time.Time
		)
		if err := rows.Scan(&technique, &status, &count, &avg, &last); err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}
		stats.addGroup(technique, status, count)
		weighted += avg * float64(count)
		if stats.LastRunAt == nil || last.After(*stats.LastRunAt) {
			l := last
			stats.LastRunAt = &l
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run stats: %w", err)
	}
	if stats.TotalRuns > 0 {
		stats.AvgDurationMs = weighted / float64(stats.TotalRuns)
	}

	return stats, nil
}

// DeleteOlderThan removes runs created before olderThan
func (r *runRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("Deleted old runs", zap.Int64("count", rowsAffected))
	return rowsAffected, nil
}

func (s *RunStats) addGroup(technique model.Technique, status model.RunStatus, count int) {
	s.TotalRuns += count
	s.ByTechnique[technique] += count
	s.ByStatus[status] += count
	switch status {
	case model.RunStatusSuccess:
		s.SuccessfulRuns += count
	case model.RunStatusFailed:
		s.FailedRuns += count
	case model.RunStatusCancelled:
		s.CancelledRuns += count
	}
}

func scanRun(row *sql.Row) (*model.Run, error) {
	run := &model.Run{}
	var voltages pq.Int64Array
	var currents pq.Float64Array
	err := row.Scan(
		&run.ID, &run.Technique, &run.Status, &run.Parameters, &voltages, &currents,
		&run.SampleCount, &run.PeakCurrent, &run.CountsToCurrent, &run.Shift,
		&run.RangeIndex, &run.ErrorCode, &run.ErrorMessage, &run.StartedAt,
		&run.CompletedAt, &run.DurationMs, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Voltages = make([]int, len(voltages))
	for i, v := range voltages {
		run.Voltages[i] = int(v)
	}
	run.Currents = []float64(currents)
	return run, nil
}

func toInt64(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
