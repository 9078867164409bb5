// Package staging manages the intermediate fusion output: one parquet file
// per (element, year) under a staging root, written by fusion workers and
// consumed by the importer. Leftover files are harmless; the import is safe
// to re-run against them.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Row is one fused (station, timestamp) pair for a single element.
// ObservedAt is unix seconds UTC; the paired values come from an inner join,
// so both are always present.
type Row struct {
	StationID    string  `parquet:"station_id"`
	StationName  string  `parquet:"station_name"`
	Lat          float64 `parquet:"lat"`
	Lon          float64 `parquet:"lon"`
	ObservedAt   int64   `parquet:"observed_at"`
	StationValue float64 `parquet:"station_value"`
	GridValue    float64 `parquet:"grid_value"`
}

// Time returns the row's timestamp.
func (r Row) Time() time.Time {
	return time.Unix(r.ObservedAt, 0).UTC()
}

// Path returns the staged file location for an (element, year) unit.
func Path(root, element string, year int) string {
	return filepath.Join(root, element, strconv.Itoa(year), fmt.Sprintf("%s_%d.parquet", element, year))
}

// Writer streams rows into one unit's staged file, month batch by month batch.
type Writer struct {
	file *os.File
	w    *parquet.GenericWriter[Row]
	rows int
}

// NewWriter creates (or truncates) the staged file for a unit.
func NewWriter(root, element string, year int) (*Writer, error) {
	path := Path(root, element, year)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create staging dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create staged file %s", path)
	}
	return &Writer{file: f, w: parquet.NewGenericWriter[Row](f)}, nil
}

// Write appends a batch of rows.
func (w *Writer) Write(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := w.w.Write(rows); err != nil {
		return errors.Wrapf(err, "write staged rows to %s", w.file.Name())
	}
	w.rows += len(rows)
	return nil
}

// Rows reports how many rows have been written.
func (w *Writer) Rows() int {
	return w.rows
}

// Close flushes and closes the staged file.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		w.file.Close()
		return errors.Wrapf(err, "close staged file %s", w.file.Name())
	}
	return w.file.Close()
}

// ReadFile loads one staged file entirely.
func ReadFile(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, errors.Wrapf(err, "read staged file %s", path)
	}
	return rows, nil
}

// Scan groups every staged file under root by year, then element.
func Scan(root string) (map[int]map[string]string, error) {
	byYear := make(map[int]map[string]string)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return byYear, nil
		}
		return nil, errors.Wrapf(err, "scan staging root %s", root)
	}
	for _, elementDir := range entries {
		if !elementDir.IsDir() {
			continue
		}
		element := elementDir.Name()
		yearDirs, err := os.ReadDir(filepath.Join(root, element))
		if err != nil {
			return nil, errors.Wrapf(err, "scan staging element %s", element)
		}
		for _, yearDir := range yearDirs {
			if !yearDir.IsDir() {
				continue
			}
			year, err := strconv.Atoi(yearDir.Name())
			if err != nil {
				continue
			}
			path := Path(root, element, year)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if byYear[year] == nil {
				byYear[year] = make(map[string]string)
			}
			byYear[year][element] = path
		}
	}
	return byYear, nil
}
