package service_test

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/grid"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/model"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/service"
)

func writeTestTerrain(t *testing.T, path string) {
	t.Helper()
	terr := &grid.Terrain{
		Lats:      []float64{10, 20},
		Lons:      []float64{100, 110},
		Elevation: []float64{500, 600, 700, 800},
		Slope:     []float64{1, 2, 3, 4},
		Aspect:    []float64{90, 180, 270, 0},
	}
	require.NoError(t, grid.WriteTerrain(path, terr))
}

// offsetModel predicts grid_value + bias, ignoring every other feature.
func offsetModel(t *testing.T, dir string, lags []int, bias float64) (string, *model.Linear) {
	t.Helper()
	features := service.FeatureNames(lags)
	weights := make([]float64, len(features))
	for i, f := range features {
		if f == "grid_value" {
			weights[i] = 1
		}
	}
	m := &model.Linear{Bias: bias, Weights: weights, Features: features}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, "temperature.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path, m
}

func TestBlockCorrector_CorrectsOneFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockSize = 1 // force multiple tiles on the 2x2 field
	writeTestTerrain(t, cfg.TerrainPath)
	_, m := offsetModel(t, cfg.ModelsDir, cfg.Elements[models.ElementTemperature].Lags, 2)

	ts := time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC)
	writeHourlyGrid(t, cfg.GridDataDir, "tmp", ts, 10)

	tasks, _ := newTestTaskService()
	task, err := tasks.Create("correct", models.SubTaskType(service.JobTypeCorrection), nil, nil)
	require.NoError(t, err)

	terrain, err := grid.ReadTerrain(cfg.TerrainPath)
	require.NoError(t, err)
	corrector := service.NewBlockCorrector(tasks, cfg, m, terrain, testLogger{})

	unit := models.CorrectionUnit{
		Element:   models.ElementTemperature,
		FilePath:  grid.FilePath(cfg.GridDataDir, "tmp", ts),
		Timestamp: ts,
		LagFiles:  map[int]string{}, // no lag files, features degrade to NaN
	}
	require.NoError(t, corrector.Run(context.Background(), task.TaskID, unit))

	outPath := filepath.Join(cfg.CorrectionOutputDir, "tmp.hourly", "2020",
		"corrected.tmp.2020010512.hourly.grd")
	out, err := grid.Read(outPath)
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 13, 14, 15}, out.Values)

	got, err := tasks.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, got.Status)
	assert.Equal(t, 100.0, got.Progress)
}

func TestBlockCorrector_LagValuesFeedTheModel(t *testing.T) {
	cfg := testConfig(t)
	writeTestTerrain(t, cfg.TerrainPath)

	lags := cfg.Elements[models.ElementTemperature].Lags
	features := service.FeatureNames(lags)
	weights := make([]float64, len(features))
	for i, f := range features {
		if f == "lag_1h" {
			weights[i] = 1
		}
	}
	m := &model.Linear{Bias: 0, Weights: weights, Features: features}

	ts := time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC)
	writeHourlyGrid(t, cfg.GridDataDir, "tmp", ts, 10)
	writeHourlyGrid(t, cfg.GridDataDir, "tmp", ts.Add(-time.Hour), 40)

	tasks, _ := newTestTaskService()
	task, err := tasks.Create("correct", models.SubTaskType(service.JobTypeCorrection), nil, nil)
	require.NoError(t, err)
	terrain, err := grid.ReadTerrain(cfg.TerrainPath)
	require.NoError(t, err)
	corrector := service.NewBlockCorrector(tasks, cfg, m, terrain, testLogger{})

	unit := models.CorrectionUnit{
		Element:   models.ElementTemperature,
		FilePath:  grid.FilePath(cfg.GridDataDir, "tmp", ts),
		Timestamp: ts,
		LagFiles: map[int]string{
			1: grid.FilePath(cfg.GridDataDir, "tmp", ts.Add(-time.Hour)),
		},
	}
	require.NoError(t, corrector.Run(context.Background(), task.TaskID, unit))

	outPath := filepath.Join(cfg.CorrectionOutputDir, "tmp.hourly", "2020",
		"corrected.tmp.2020010512.hourly.grd")
	out, err := grid.Read(outPath)
	require.NoError(t, err)
	// Prediction equals the lag-1h field, cell by cell.
	assert.Equal(t, []float64{40, 41, 42, 43}, out.Values)
}

func TestBlockCorrector_MissingInputFile(t *testing.T) {
	cfg := testConfig(t)
	writeTestTerrain(t, cfg.TerrainPath)
	_, m := offsetModel(t, cfg.ModelsDir, cfg.Elements[models.ElementTemperature].Lags, 0)

	tasks, _ := newTestTaskService()
	task, err := tasks.Create("correct", models.SubTaskType(service.JobTypeCorrection), nil, nil)
	require.NoError(t, err)
	terrain, err := grid.ReadTerrain(cfg.TerrainPath)
	require.NoError(t, err)
	corrector := service.NewBlockCorrector(tasks, cfg, m, terrain, testLogger{})

	ts := time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC)
	err = corrector.Run(context.Background(), task.TaskID, models.CorrectionUnit{
		Element:   models.ElementTemperature,
		FilePath:  grid.FilePath(cfg.GridDataDir, "tmp", ts),
		Timestamp: ts,
	})
	require.Error(t, err)
	assert.Equal(t, service.KindDependencyMissing, service.KindOf(err))
}

func TestBlockCorrector_FeatureMismatchRejected(t *testing.T) {
	cfg := testConfig(t)
	writeTestTerrain(t, cfg.TerrainPath)
	m := &model.Linear{Bias: 0, Weights: []float64{1}, Features: []string{"grid_value"}}

	tasks, _ := newTestTaskService()
	task, err := tasks.Create("correct", models.SubTaskType(service.JobTypeCorrection), nil, nil)
	require.NoError(t, err)
	terrain, err := grid.ReadTerrain(cfg.TerrainPath)
	require.NoError(t, err)
	corrector := service.NewBlockCorrector(tasks, cfg, m, terrain, testLogger{})

	ts := time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC)
	err = corrector.Run(context.Background(), task.TaskID, models.CorrectionUnit{
		Element:   models.ElementTemperature,
		FilePath:  grid.FilePath(cfg.GridDataDir, "tmp", ts),
		Timestamp: ts,
	})
	require.Error(t, err)
	assert.Equal(t, service.KindValidation, service.KindOf(err))
}

func TestJobService_CorrectionEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeTestTerrain(t, cfg.TerrainPath)
	modelPath, _ := offsetModel(t, cfg.ModelsDir, cfg.Elements[models.ElementTemperature].Lags, 5)
	jobs, tasks, _ := newTestJobService(t, cfg)

	for h := 10; h < 13; h++ {
		writeHourlyGrid(t, cfg.GridDataDir, "tmp",
			time.Date(2020, 1, 5, h, 0, 0, 0, time.UTC), float64(h))
	}

	root, err := jobs.SubmitCorrectionJob(service.CorrectionRequest{
		Element:   models.ElementTemperature,
		StartYear: 2020,
		EndYear:   2020,
		ModelPath: modelPath,
		Workers:   2,
	})
	require.NoError(t, err)
	jobs.Wait()

	got, err := tasks.Get(root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, got.Status)
	assert.Contains(t, got.ProgressText, "corrected 3/3 files")

	out, err := grid.Read(filepath.Join(cfg.CorrectionOutputDir, "tmp.hourly", "2020",
		"corrected.tmp.2020010510.hourly.grd"))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(out.Values[0]))
	assert.Equal(t, 15.0, out.Values[0]) // 10 + bias 5
}

func TestJobService_CorrectionFailsWithoutModel(t *testing.T) {
	cfg := testConfig(t)
	writeTestTerrain(t, cfg.TerrainPath)
	jobs, tasks, _ := newTestJobService(t, cfg)

	root, err := jobs.SubmitCorrectionJob(service.CorrectionRequest{
		Element:   models.ElementTemperature,
		StartYear: 2020,
		EndYear:   2020,
	})
	require.NoError(t, err)
	jobs.Wait()

	got, err := tasks.Get(root.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedTaskStatus, got.Status)
	assert.Contains(t, got.ProgressText, "load model")
}
