package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/config"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/grid"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/staging"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

// lstOffset moves local-standard-time grid timestamps onto the common
// reference time zone used by station observations.
const lstOffset = -8 * time.Hour

// FusionWorker processes one (element, year) fusion unit: it cleans the
// year's station series, aligns them with the gridded field by exact
// timestamp match, and stages the paired rows for the importer.
type FusionWorker struct {
	store  storage.Store
	tasks  *TaskService
	cfg    *config.Config
	logger Logger
}

func NewFusionWorker(store storage.Store, tasks *TaskService, cfg *config.Config, logger Logger) *FusionWorker {
	return &FusionWorker{store: store, tasks: tasks, cfg: cfg, logger: logger}
}

type stationSeries struct {
	id     string
	name   string
	lat    float64
	lon    float64
	values map[time.Time]float64
}

// Run executes one fusion unit under its sub-task ID.
func (w *FusionWorker) Run(ctx context.Context, taskID string, unit models.FusionUnit) error {
	ec, err := w.cfg.Element(unit.Element)
	if err != nil {
		return Validationf("fusion unit: %v", err)
	}
	stationCol, _, err := models.ElementColumns(unit.Element)
	if err != nil {
		return Validationf("fusion unit: %v", err)
	}

	if err := w.tasks.UpdateStatus(taskID, models.ProcessingTaskStatus, 0, "loading observations"); err != nil {
		return err
	}

	done, err := w.store.HasFusedElementYear(stationCol, unit.Year)
	if err != nil {
		return UnitFailuref("check fused store for %s %d: %v", unit.Element, unit.Year, err)
	}
	if done {
		w.logger.Infof("fusion unit %s %d already in store, skipping", unit.Element, unit.Year)
		return w.tasks.UpdateStatus(taskID, models.CompletedTaskStatus, 100, "already in store, skipped")
	}

	stations, err := w.loadStations(ctx, stationCol, unit.Year)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return UnitFailuref("no observations for %s in %d", unit.Element, unit.Year)
	}

	for _, st := range stations {
		times := make([]time.Time, 0, len(st.values))
		vals := make([]float64, 0, len(st.values))
		for ts, v := range st.values {
			times = append(times, ts)
			vals = append(vals, v)
		}
		cleanT, cleanV := CleanSeries(times, vals, ec.MaxValid)
		cleaned := make(map[time.Time]float64, len(cleanT))
		for i, ts := range cleanT {
			cleaned[ts] = cleanV[i]
		}
		st.values = cleaned
	}
	if err := w.tasks.UpdateStatus(taskID, models.ProcessingTaskStatus, 20,
		fmt.Sprintf("cleaned series for %d stations", len(stations))); err != nil {
		return err
	}

	writer, err := staging.NewWriter(w.cfg.StagingDir, unit.Element, unit.Year)
	if err != nil {
		return UnitFailuref("open staged output for %s %d: %v", unit.Element, unit.Year, err)
	}

	monthsWithFiles := 0
	for month := 1; month <= 12; month++ {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return Canceledf("fusion unit %s %d canceled", unit.Element, unit.Year)
		}
		files, err := grid.FilesForMonth(w.cfg.GridDataDir, ec.GridVar, unit.Year, month)
		if err != nil {
			writer.Close()
			return UnitFailuref("list grid files for %s %d-%02d: %v", unit.Element, unit.Year, month, err)
		}
		if len(files) == 0 {
			w.logger.Warnf("no grid files for %s %d-%02d, skipping month", ec.GridVar, unit.Year, month)
			continue
		}
		monthsWithFiles++
		field, err := grid.OpenMulti(files, w.logger)
		if err != nil {
			writer.Close()
			return UnitFailuref("open grid files for %s %d-%02d: %v", unit.Element, unit.Year, month, err)
		}
		if w.cfg.IsLSTYear(unit.Year) {
			field.ShiftTimes(lstOffset)
		}
		batch := alignMonth(stations, field)
		if err := writer.Write(batch); err != nil {
			writer.Close()
			return UnitFailuref("stage fused rows for %s %d-%02d: %v", unit.Element, unit.Year, month, err)
		}
		progress := 20 + float64(month)*6
		if err := w.tasks.UpdateStatus(taskID, models.ProcessingTaskStatus, progress,
			fmt.Sprintf("aligned month %d/12", month)); err != nil {
			writer.Close()
			return err
		}
	}
	if monthsWithFiles == 0 {
		writer.Close()
		return DependencyMissingf("no grid files for %s in %d", ec.GridVar, unit.Year)
	}
	if err := writer.Close(); err != nil {
		return UnitFailuref("close staged output for %s %d: %v", unit.Element, unit.Year, err)
	}

	return w.tasks.UpdateStatus(taskID, models.CompletedTaskStatus, 100,
		fmt.Sprintf("staged %d rows", writer.Rows()))
}

// loadStations reads the year's observations month by month and groups them
// into per-station series.
func (w *FusionWorker) loadStations(ctx context.Context, elementColumn string, year int) (map[string]*stationSeries, error) {
	stations := make(map[string]*stationSeries)
	for month := 1; month <= 12; month++ {
		if err := ctx.Err(); err != nil {
			return nil, Canceledf("loading observations canceled")
		}
		obs, err := w.store.ListObservations(elementColumn, year, month)
		if err != nil {
			return nil, UnitFailuref("list observations for %s %d-%02d: %v", elementColumn, year, month, err)
		}
		for _, o := range obs {
			if o.Value == nil {
				continue
			}
			st, ok := stations[o.StationID]
			if !ok {
				st = &stationSeries{
					id:     o.StationID,
					name:   o.StationName,
					lat:    o.Lat,
					lon:    o.Lon,
					values: make(map[time.Time]float64),
				}
				stations[o.StationID] = st
			}
			st.values[o.ObservedAt.UTC()] = *o.Value
		}
	}
	return stations, nil
}

// alignMonth inner-joins every station's cleaned series with the month's
// gridded field on exact timestamps. Timestamps present on only one side are
// dropped, as are grid cells holding missing values.
func alignMonth(stations map[string]*stationSeries, field *grid.Dataset) []staging.Row {
	ids := make([]string, 0, len(stations))
	for id := range stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []staging.Row
	for _, id := range ids {
		st := stations[id]
		gridSeries := field.SeriesAt(st.lat, st.lon)
		for ts, gv := range gridSeries {
			sv, ok := st.values[ts.UTC()]
			if !ok || math.IsNaN(gv) {
				continue
			}
			rows = append(rows, staging.Row{
				StationID:    st.id,
				StationName:  st.name,
				Lat:          st.lat,
				Lon:          st.lon,
				ObservedAt:   ts.UTC().Unix(),
				StationValue: sv,
				GridValue:    gv,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ObservedAt != rows[j].ObservedAt {
			return rows[i].ObservedAt < rows[j].ObservedAt
		}
		return rows[i].StationID < rows[j].StationID
	})
	return rows
}
