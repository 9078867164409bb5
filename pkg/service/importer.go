package service

import (
	"context"
	"sort"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/staging"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

const importBatchSize = 1000

// ImportStats summarizes one import run.
type ImportStats struct {
	Years int
	Rows  int
}

// Importer merges the staged (element, year) files into fused_records. Each
// year is one transaction; a failure rolls the year back and leaves the staged
// files on disk so the import can simply be re-run.
type Importer struct {
	store  storage.Store
	logger Logger
}

func NewImporter(store storage.Store, logger Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// Run imports every staged file under stagingRoot. progress is called after
// each year commits; it may be nil.
func (im *Importer) Run(ctx context.Context, stagingRoot string, progress func(done, total int)) (ImportStats, error) {
	byYear, err := staging.Scan(stagingRoot)
	if err != nil {
		return ImportStats{}, ImportFailure(err)
	}
	years := make([]int, 0, len(byYear))
	for year := range byYear {
		years = append(years, year)
	}
	sort.Ints(years)

	var stats ImportStats
	for i, year := range years {
		if err := ctx.Err(); err != nil {
			return stats, Canceledf("import canceled after %d years", stats.Years)
		}
		rows, elements, err := mergeYear(byYear[year])
		if err != nil {
			return stats, ImportFailure(err)
		}
		if err := im.importYear(rows, elements); err != nil {
			return stats, ImportFailure(err)
		}
		im.logger.Infof("imported %d fused rows for %d (%v)", len(rows), year, elements)
		stats.Years++
		stats.Rows += len(rows)
		if progress != nil {
			progress(i+1, len(years))
		}
	}
	return stats, nil
}

// mergeYear outer-joins one year's staged element files on
// (station_id, observed_at) into wide rows. Returns the rows in deterministic
// order plus the sorted set of elements present.
func mergeYear(files map[string]string) ([]models.FusedRecord, []string, error) {
	elements := make([]string, 0, len(files))
	for element := range files {
		elements = append(elements, element)
	}
	sort.Strings(elements)

	type key struct {
		stationID string
		observed  int64
	}
	merged := make(map[key]*models.FusedRecord)
	for _, element := range elements {
		rows, err := staging.ReadFile(files[element])
		if err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			k := key{stationID: row.StationID, observed: row.ObservedAt}
			rec, ok := merged[k]
			if !ok {
				ts := row.Time()
				rec = &models.FusedRecord{
					StationID:   row.StationID,
					StationName: row.StationName,
					Lat:         row.Lat,
					Lon:         row.Lon,
					ObservedAt:  ts,
					Year:        ts.Year(),
					Month:       int(ts.Month()),
					Day:         ts.Day(),
					Hour:        ts.Hour(),
				}
				merged[k] = rec
			}
			sv, gv := row.StationValue, row.GridValue
			if err := rec.SetElement(element, &sv, &gv); err != nil {
				return nil, nil, err
			}
		}
	}

	out := make([]models.FusedRecord, 0, len(merged))
	for _, rec := range merged {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].StationID < out[j].StationID
	})
	return out, elements, nil
}

// importYear upserts one year's rows in a single transaction, touching only
// the columns of the elements present in this batch.
func (im *Importer) importYear(rows []models.FusedRecord, elements []string) error {
	tx, err := im.store.Begin()
	if err != nil {
		return err
	}
	for start := 0; start < len(rows); start += importBatchSize {
		end := start + importBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := tx.UpsertFusedRecords(rows[start:end], elements); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				im.logger.Errorf("rollback failed: %v", rbErr)
			}
			return err
		}
	}
	return tx.Commit()
}
