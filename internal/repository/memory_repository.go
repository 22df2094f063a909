// internal/repository/memory_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"potentiostat-service/internal/model"
)

// MemoryRunRepository keeps runs in process memory. It backs the service when
// no database is configured and in tests.
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*model.Run
	now  func() time.Time
}

// NewMemoryRunRepository creates an empty in-memory run store
func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		runs: make(map[uuid.UUID]*model.Run),
		now:  time.Now,
	}
}

// Create stores a copy of run
func (r *MemoryRunRepository) Create(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	stored := cloneRun(run)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	run.CreatedAt = stored.CreatedAt
	r.runs[run.ID] = stored
	return nil
}

// GetByID returns a copy of the stored run
func (r *MemoryRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

// Update replaces the stored run, keeping its creation time
func (r *MemoryRunRepository) Update(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	stored := cloneRun(run)
	stored.CreatedAt = existing.CreatedAt
	r.runs[run.ID] = stored
	return nil
}

// Delete removes a run
func (r *MemoryRunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[id]; !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	delete(r.runs, id)
	return nil
}

// List returns matching runs newest first without their sample arrays
func (r *MemoryRunRepository) List(ctx context.Context, filter *model.RunFilter) ([]*model.Run, int, error) {
	if filter == nil {
		filter = &model.RunFilter{}
	}

	r.mu.RLock()
	matched := make([]*model.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if matchesRun(run, filter) {
			matched = append(matched, run)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*model.Run, 0, end-start)
	for _, run := range matched[start:end] {
		summary := cloneRun(run)
		summary.Voltages = nil
		summary.Currents = nil
		out = append(out, summary)
	}
	return out, total, nil
}

// GetStats aggregates run outcomes
func (r *MemoryRunRepository) GetStats(ctx context.Context, since *time.Time) (*RunStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &RunStats{
		ByTechnique: map[model.Technique]int{},
		ByStatus:    map[model.RunStatus]int{},
	}
	var durationSum float64
	for _, run := range r.runs {
		if since != nil && run.CreatedAt.Before(*since) {
			continue
		}
		stats.addGroup(run.Technique, run.Status, 1)
		if run.DurationMs != nil {
			durationSum += float64(*run.DurationMs)
		}
		if stats.LastRunAt == nil || run.CreatedAt.After(*stats.LastRunAt) {
			last := run.CreatedAt
			stats.LastRunAt = &last
		}
	}
	if stats.TotalRuns > 0 {
		stats.AvgDurationMs = durationSum / float64(stats.TotalRuns)
	}
	return stats, nil
}

// DeleteOlderThan removes runs created before olderThan
func (r *MemoryRunRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, run := range r.runs {
		if run.CreatedAt.Before(olderThan) {
			delete(r.runs, id)
			n++
		}
	}
	return n, nil
}

func matchesRun(run *model.Run, filter *model.RunFilter) bool {
	if filter.Technique != nil && run.Technique != *filter.Technique {
		return false
	}
	if filter.Status != nil && run.Status != *filter.Status {
		return false
	}
	if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

func cloneRun(run *model.Run) *model.Run {
	c := *run
	c.Voltages = append([]int(nil), run.Voltages...)
	c.Currents = append([]float64(nil), run.Currents...)
	if run.Parameters != nil {
		c.Parameters = make(model.JSONObject, len(run.Parameters))
		for k, v := range run.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

// MemoryCalibrationRepository keeps calibration records in process memory
type MemoryCalibrationRepository struct {
	mu      sync.RWMutex
	records []*model.CalibrationRecord
}

// NewMemoryCalibrationRepository creates an empty in-memory calibration store
func NewMemoryCalibrationRepository() *MemoryCalibrationRepository {
	return &MemoryCalibrationRepository{}
}

// Create appends a calibration record
func (r *MemoryCalibrationRepository) Create(ctx context.Context, record *model.CalibrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *record
	c.ReferenceData = append([]int16(nil), record.ReferenceData...)
	r.records = append(r.records, &c)
	return nil
}

// Latest returns the newest successful calibration, optionally for one range
func (r *MemoryCalibrationRepository) Latest(ctx context.Context, rangeIndex *int) (*model.CalibrationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *model.CalibrationRecord
	for _, rec := range r.records {
		if !rec.Succeeded || (rangeIndex != nil && rec.RangeIndex != *rangeIndex) {
			continue
		}
		if latest == nil || !rec.RecordedAt.Before(latest.RecordedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("calibration: %w", ErrNotFound)
	}
	c := *latest
	return &c, nil
}

// List returns the newest calibrations first
func (r *MemoryCalibrationRepository) List(ctx context.Context, limit int) ([]*model.CalibrationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]*model.CalibrationRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.records[i]
		out = append(out, &c)
	}
	return out, nil
}
