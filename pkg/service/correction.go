package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/config"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/grid"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/model"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
)

// FeatureNames returns the feature layout of a correction model for one
// element: coordinates, calendar fields, the raw grid value, one lag column
// per configured offset, then the terrain covariates.
func FeatureNames(lags []int) []string {
	names := []string{"lat", "lon", "year", "month", "day", "hour", "grid_value"}
	for _, lag := range lags {
		names = append(names, fmt.Sprintf("lag_%dh", lag))
	}
	return append(names, "elevation", "slope", "aspect")
}

// BlockCorrector processes one correction unit: a single hourly grid file,
// corrected tile by tile with a pre-trained model and written next to the
// archive under a corrected. prefix.
type BlockCorrector struct {
	tasks   *TaskService
	cfg     *config.Config
	model   model.Model
	terrain *grid.Terrain
	logger  Logger
}

func NewBlockCorrector(tasks *TaskService, cfg *config.Config, m model.Model, terrain *grid.Terrain, logger Logger) *BlockCorrector {
	return &BlockCorrector{tasks: tasks, cfg: cfg, model: m, terrain: terrain, logger: logger}
}

// Run executes one correction unit under its sub-task ID.
func (c *BlockCorrector) Run(ctx context.Context, taskID string, unit models.CorrectionUnit) error {
	ec, err := c.cfg.Element(unit.Element)
	if err != nil {
		return Validationf("correction unit: %v", err)
	}
	want := FeatureNames(ec.Lags)
	got := c.model.FeatureNames()
	if len(want) != len(got) {
		return Validationf("model expects %d features, correction builds %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return Validationf("model feature %d is %q, correction builds %q", i, got[i], want[i])
		}
	}

	if err := c.tasks.UpdateStatus(taskID, models.ProcessingTaskStatus, 0, "reading grid file"); err != nil {
		return err
	}

	field, err := grid.Read(unit.FilePath)
	if err != nil {
		if _, statErr := os.Stat(unit.FilePath); os.IsNotExist(statErr) {
			return DependencyMissingf("grid file %s does not exist", unit.FilePath)
		}
		return UnitFailuref("read grid file %s: %v", unit.FilePath, err)
	}

	lagFields := c.readLagFields(ec.Lags, unit)

	out := &grid.Dataset{
		Var:    field.Var,
		Lats:   field.Lats,
		Lons:   field.Lons,
		Times:  field.Times,
		Values: make([]float64, len(field.Values)),
	}
	for i := range out.Values {
		out.Values[i] = math.NaN()
	}

	block := c.cfg.BlockSize
	tilesPerRow := (len(field.Lons) + block - 1) / block
	tilesPerCol := (len(field.Lats) + block - 1) / block
	totalTiles := tilesPerRow * tilesPerCol * len(field.Times)
	tile := 0

	for t := range field.Times {
		ts := field.Times[t].UTC()
		calendar := [4]float64{
			float64(ts.Year()), float64(ts.Month()), float64(ts.Day()), float64(ts.Hour()),
		}
		for i0 := 0; i0 < len(field.Lats); i0 += block {
			for j0 := 0; j0 < len(field.Lons); j0 += block {
				if err := ctx.Err(); err != nil {
					return Canceledf("correction of %s canceled", unit.FilePath)
				}
				if err := c.correctTile(field, lagFields, ec.Lags, out, t, i0, j0, block, calendar); err != nil {
					return err
				}
				tile++
				progress := float64(tile) / float64(totalTiles) * 95
				if err := c.tasks.UpdateStatus(taskID, models.ProcessingTaskStatus, progress,
					fmt.Sprintf("tile %d/%d", tile, totalTiles)); err != nil {
					return err
				}
			}
		}
	}

	outPath := filepath.Join(c.cfg.CorrectionOutputDir, ec.GridVar+".hourly",
		fmt.Sprintf("%d", unit.Timestamp.Year()), grid.CorrectedName(unit.FilePath))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return UnitFailuref("create output dir for %s: %v", outPath, err)
	}
	if err := grid.Write(outPath, out); err != nil {
		return UnitFailuref("write corrected file %s: %v", outPath, err)
	}
	return c.tasks.UpdateStatus(taskID, models.CompletedTaskStatus, 100,
		fmt.Sprintf("wrote %s", outPath))
}

// readLagFields loads the lag-hour datasets. A missing or unreadable lag file
// leaves a nil slot; its feature column becomes NaN rather than failing the
// whole unit.
func (c *BlockCorrector) readLagFields(lags []int, unit models.CorrectionUnit) map[int]*grid.Dataset {
	fields := make(map[int]*grid.Dataset, len(lags))
	for _, lag := range lags {
		path := unit.LagFiles[lag]
		if path == "" {
			c.logger.Warnf("lag %dh file for %s is missing, feature set to NaN", lag, unit.FilePath)
			fields[lag] = nil
			continue
		}
		d, err := grid.Read(path)
		if err != nil {
			c.logger.Warnf("lag %dh file %s unreadable (%v), feature set to NaN", lag, path, err)
			fields[lag] = nil
			continue
		}
		fields[lag] = d
	}
	return fields
}

func (c *BlockCorrector) correctTile(field *grid.Dataset, lagFields map[int]*grid.Dataset,
	lags []int, out *grid.Dataset, t, i0, j0, block int, calendar [4]float64) error {
	iEnd := i0 + block
	if iEnd > len(field.Lats) {
		iEnd = len(field.Lats)
	}
	jEnd := j0 + block
	if jEnd > len(field.Lons) {
		jEnd = len(field.Lons)
	}

	type cell struct{ i, j int }
	var cells []cell
	var rows [][]float64
	for i := i0; i < iEnd; i++ {
		lat := field.Lats[i]
		for j := j0; j < jEnd; j++ {
			lon := field.Lons[j]
			gv := field.At(t, i, j)
			if math.IsNaN(gv) {
				continue
			}
			row := []float64{lat, lon, calendar[0], calendar[1], calendar[2], calendar[3], gv}
			for _, lag := range lags {
				row = append(row, lagValueAt(lagFields[lag], lat, lon))
			}
			elev, slope, aspect := c.terrain.NearestAt(lat, lon)
			row = append(row, elev, slope, aspect)
			cells = append(cells, cell{i, j})
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	preds, err := c.model.Predict(rows)
	if err != nil {
		return UnitFailuref("predict tile at (%d,%d): %v", i0, j0, err)
	}
	for k, cl := range cells {
		out.Set(t, cl.i, cl.j, preds[k])
	}
	return nil
}

// lagValueAt reads the lag dataset's nearest cell, NaN when the dataset is
// absent.
func lagValueAt(d *grid.Dataset, lat, lon float64) float64 {
	if d == nil || len(d.Times) == 0 {
		return math.NaN()
	}
	i, j := d.NearestCell(lat, lon)
	return d.At(0, i, j)
}
