package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potentiostat-service/internal/model"
)

func newRun(technique model.Technique, status model.RunStatus, created time.Time) *model.Run {
	return &model.Run{
		ID:        uuid.New(),
		Technique: technique,
		Status:    status,
		Voltages:  []int{-100, 0, 100},
		Currents:  []float64{-1, 0, 1},
		StartedAt: created,
		CreatedAt: created,
	}
}

func TestMemoryRunRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRunRepository()
	run := newRun(model.TechniqueCV, model.RunStatusRunning, time.Now())

	require.NoError(t, repo.Create(ctx, run))
	assert.Error(t, repo.Create(ctx, run))

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Voltages, got.Voltages)

	got.Voltages[0] = 999
	again, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, -100, again.Voltages[0], "stored run must not alias returned copies")

	run.Status = model.RunStatusSuccess
	require.NoError(t, repo.Update(ctx, run))
	got, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)

	require.NoError(t, repo.Delete(ctx, run.ID))
	_, err = repo.GetByID(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, run), ErrNotFound)
}

func TestMemoryRunRepository_ListAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRunRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runs := []*model.Run{
		newRun(model.TechniqueCV, model.RunStatusSuccess, base),
		newRun(model.TechniqueSWV, model.RunStatusFailed, base.Add(time.Minute)),
		newRun(model.TechniqueCV, model.RunStatusCancelled, base.Add(2*time.Minute)),
	}
	for _, r := range runs {
		require.NoError(t, repo.Create(ctx, r))
	}

	list, total, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 3)
	assert.Equal(t, runs[2].ID, list[0].ID, "newest first")
	assert.Nil(t, list[0].Voltages)

	cv := model.TechniqueCV
	list, total, err = repo.List(ctx, &model.RunFilter{Technique: &cv, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 1)

	stats, err := repo.GetStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 1, stats.SuccessfulRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.Equal(t, 1, stats.CancelledRuns)
	assert.Equal(t, 2, stats.ByTechnique[model.TechniqueCV])

	n, err := repo.DeleteOlderThan(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryCalibrationRepository_Latest(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCalibrationRepository()
	base := time.Now()

	_, err := repo.Latest(ctx, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Create(ctx, &model.CalibrationRecord{ID: uuid.New(), RangeIndex: 0, CountsToCurrent: 0.05, Succeeded: true, RecordedAt: base}))
	require.NoError(t, repo.Create(ctx, &model.CalibrationRecord{ID: uuid.New(), RangeIndex: 1, CountsToCurrent: 0.5, Succeeded: true, RecordedAt: base.Add(time.Second)}))
	require.NoError(t, repo.Create(ctx, &model.CalibrationRecord{ID: uuid.New(), RangeIndex: 1, Succeeded: false, RecordedAt: base.Add(2 * time.Second)}))

	latest, err := repo.Latest(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.RangeIndex)
	assert.Equal(t, 0.5, latest.CountsToCurrent)

	zero := 0
	latest, err = repo.Latest(ctx, &zero)
	require.NoError(t, err)
	assert.Equal(t, 0.05, latest.CountsToCurrent)

	list, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Succeeded)
}
