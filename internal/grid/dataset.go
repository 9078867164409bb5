// Package grid reads and writes the tool's raster files: regular lat/lon/time
// fields, one variable per file, stored gob-encoded with a .grd extension.
package grid

import (
	"encoding/gob"
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Logger is the narrow logging surface the package needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Dataset is a regular lat/lon/time raster for a single variable.
// Axes are ascending; Values is time-major, then lat, then lon.
type Dataset struct {
	Var    string
	Lats   []float64
	Lons   []float64
	Times  []time.Time
	Values []float64
}

func (d *Dataset) index(t, i, j int) int {
	return (t*len(d.Lats)+i)*len(d.Lons) + j
}

// At returns the value at time index t, lat index i, lon index j.
func (d *Dataset) At(t, i, j int) float64 {
	return d.Values[d.index(t, i, j)]
}

// Set writes the value at time index t, lat index i, lon index j.
func (d *Dataset) Set(t, i, j int, v float64) {
	d.Values[d.index(t, i, j)] = v
}

func (d *Dataset) validate() error {
	if len(d.Lats) == 0 || len(d.Lons) == 0 || len(d.Times) == 0 {
		return errors.New("dataset has an empty axis")
	}
	if want := len(d.Times) * len(d.Lats) * len(d.Lons); len(d.Values) != want {
		return errors.Errorf("dataset has %d values, want %d", len(d.Values), want)
	}
	return nil
}

// nearestIdx returns the index of the axis value closest to v. The axis must
// be ascending. Ties resolve to the lower index.
func nearestIdx(axis []float64, v float64) int {
	i := sort.SearchFloat64s(axis, v)
	if i == 0 {
		return 0
	}
	if i == len(axis) {
		return len(axis) - 1
	}
	if v-axis[i-1] <= axis[i]-v {
		return i - 1
	}
	return i
}

// NearestCell returns the (lat, lon) indices of the grid cell nearest to the
// given coordinates. Pure 2D nearest neighbor; no interpolation across cells.
func (d *Dataset) NearestCell(lat, lon float64) (int, int) {
	return nearestIdx(d.Lats, lat), nearestIdx(d.Lons, lon)
}

// SeriesAt extracts the nearest cell's value at every timestamp.
func (d *Dataset) SeriesAt(lat, lon float64) map[time.Time]float64 {
	i, j := d.NearestCell(lat, lon)
	out := make(map[time.Time]float64, len(d.Times))
	for t, ts := range d.Times {
		out[ts] = d.At(t, i, j)
	}
	return out
}

// ShiftTimes offsets every timestamp by d. Used to move local-standard-time
// grids onto the common reference time zone before alignment.
func (d *Dataset) ShiftTimes(offset time.Duration) {
	for i := range d.Times {
		d.Times[i] = d.Times[i].Add(offset)
	}
}

// Write stores the dataset at path.
func Write(path string, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create grid file %s", path)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(d); err != nil {
		return errors.Wrapf(err, "encode grid file %s", path)
	}
	return nil
}

// Read loads one dataset file.
func Read(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open grid file %s", path)
	}
	defer f.Close()
	var d Dataset
	if err := gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode grid file %s", path)
	}
	if err := d.validate(); err != nil {
		return nil, errors.Wrapf(err, "grid file %s", path)
	}
	return &d, nil
}

const axisEpsilon = 1e-6

func axesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > axisEpsilon {
			return false
		}
	}
	return true
}

// reindex maps a dataset onto reference axes by nearest neighbor. This is the
// workaround for source archives whose per-file coordinate axes disagree; it
// preserves values, it does not resample them.
func reindex(d *Dataset, refLats, refLons []float64) *Dataset {
	out := &Dataset{
		Var:    d.Var,
		Lats:   refLats,
		Lons:   refLons,
		Times:  d.Times,
		Values: make([]float64, len(d.Times)*len(refLats)*len(refLons)),
	}
	latMap := make([]int, len(refLats))
	for i, lat := range refLats {
		latMap[i] = nearestIdx(d.Lats, lat)
	}
	lonMap := make([]int, len(refLons))
	for j, lon := range refLons {
		lonMap[j] = nearestIdx(d.Lons, lon)
	}
	for t := range d.Times {
		for i := range refLats {
			for j := range refLons {
				out.Set(t, i, j, d.At(t, latMap[i], lonMap[j]))
			}
		}
	}
	return out
}

// OpenMulti reads several dataset files for the same variable and
// concatenates them along the time axis. When a file's axes disagree with the
// first file's, it is reindexed onto the first file's axes; that is logged
// because it papers over a real defect in the source archive rather than
// silently changing data.
func OpenMulti(paths []string, logger Logger) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, errors.New("no grid files to open")
	}
	ref, err := Read(paths[0])
	if err != nil {
		return nil, err
	}
	merged := &Dataset{
		Var:    ref.Var,
		Lats:   ref.Lats,
		Lons:   ref.Lons,
		Times:  append([]time.Time(nil), ref.Times...),
		Values: append([]float64(nil), ref.Values...),
	}
	for _, path := range paths[1:] {
		d, err := Read(path)
		if err != nil {
			return nil, err
		}
		if d.Var != ref.Var {
			return nil, errors.Errorf("grid file %s holds %q, want %q", path, d.Var, ref.Var)
		}
		if !axesEqual(d.Lats, ref.Lats) || !axesEqual(d.Lons, ref.Lons) {
			logger.Warnf("grid file %s has inconsistent axes; reindexing onto %s's axes", path, paths[0])
			d = reindex(d, ref.Lats, ref.Lons)
		}
		merged.Times = append(merged.Times, d.Times...)
		merged.Values = append(merged.Values, d.Values...)
	}
	return merged, nil
}
