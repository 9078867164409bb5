package grid

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	warnings []string
}

func (l *captureLogger) Infof(format string, args ...interface{}) {}
func (l *captureLogger) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func testDataset(lats, lons []float64, times []time.Time, values []float64) *Dataset {
	return &Dataset{Var: "tmp", Lats: lats, Lons: lons, Times: times, Values: values}
}

func TestNearestCell(t *testing.T) {
	d := testDataset(
		[]float64{10, 20},
		[]float64{100, 110},
		[]time.Time{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		[]float64{1, 2, 3, 4},
	)

	t.Run("ExactHit", func(t *testing.T) {
		i, j := d.NearestCell(10, 100)
		assert.Equal(t, 0, i)
		assert.Equal(t, 0, j)
		assert.Equal(t, 1.0, d.At(0, i, j))
	})

	t.Run("NearestNeighborNoInterpolation", func(t *testing.T) {
		// 13 is closer to 10 than to 20; the value is picked, not blended.
		i, j := d.NearestCell(13, 108)
		assert.Equal(t, 0, i)
		assert.Equal(t, 1, j)
		assert.Equal(t, 2.0, d.At(0, i, j))
	})

	t.Run("TieResolvesToLowerIndex", func(t *testing.T) {
		i, _ := d.NearestCell(15, 100)
		assert.Equal(t, 0, i)
	})

	t.Run("OutOfRangeClamps", func(t *testing.T) {
		i, j := d.NearestCell(-90, 500)
		assert.Equal(t, 0, i)
		assert.Equal(t, 1, j)
	})
}

func TestSeriesAt(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d := testDataset(
		[]float64{10, 20},
		[]float64{100, 110},
		[]time.Time{t0, t0.Add(time.Hour)},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8},
	)
	series := d.SeriesAt(10, 100)
	assert.Equal(t, 1.0, series[t0])
	assert.Equal(t, 5.0, series[t0.Add(time.Hour)])
}

func TestShiftTimes(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 8, 0, 0, 0, time.UTC)
	d := testDataset([]float64{10}, []float64{100}, []time.Time{t0}, []float64{1})
	d.ShiftTimes(-8 * time.Hour)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), d.Times[0])
}

func TestWriteReadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmp.2020010100.hourly.grd")
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d := testDataset([]float64{10, 20}, []float64{100, 110}, []time.Time{t0}, []float64{1, 2, 3, 4})
	require.NoError(t, Write(path, d))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, d.Values, got.Values)
	assert.Equal(t, d.Lats, got.Lats)
	assert.True(t, d.Times[0].Equal(got.Times[0]))
}

func TestWriteRejectsInvalidDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.grd")
	d := testDataset([]float64{10}, []float64{100}, []time.Time{time.Now()}, []float64{1, 2})
	assert.Error(t, Write(path, d))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMulti(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("ConcatenatesAlongTime", func(t *testing.T) {
		p1 := filepath.Join(dir, "a.grd")
		p2 := filepath.Join(dir, "b.grd")
		require.NoError(t, Write(p1, testDataset([]float64{10}, []float64{100}, []time.Time{t0}, []float64{1})))
		require.NoError(t, Write(p2, testDataset([]float64{10}, []float64{100}, []time.Time{t0.Add(time.Hour)}, []float64{2})))

		logger := &captureLogger{}
		merged, err := OpenMulti([]string{p1, p2}, logger)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, merged.Values)
		assert.Len(t, merged.Times, 2)
		assert.Empty(t, logger.warnings)
	})

	t.Run("InconsistentAxesReindexedAndLogged", func(t *testing.T) {
		p1 := filepath.Join(dir, "ref.grd")
		p2 := filepath.Join(dir, "off.grd")
		require.NoError(t, Write(p1, testDataset(
			[]float64{10, 20}, []float64{100, 110}, []time.Time{t0}, []float64{1, 2, 3, 4})))
		// Same shape, slightly shifted axes: each reference cell maps to its
		// nearest source cell.
		require.NoError(t, Write(p2, testDataset(
			[]float64{10.4, 20.4}, []float64{100.4, 110.4}, []time.Time{t0.Add(time.Hour)}, []float64{5, 6, 7, 8})))

		logger := &captureLogger{}
		merged, err := OpenMulti([]string{p1, p2}, logger)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, merged.Values)
		assert.Equal(t, []float64{10, 20}, merged.Lats)
		require.Len(t, logger.warnings, 1)
		assert.Contains(t, logger.warnings[0], "inconsistent axes")
	})

	t.Run("MixedVariablesRejected", func(t *testing.T) {
		p1 := filepath.Join(dir, "v1.grd")
		p2 := filepath.Join(dir, "v2.grd")
		require.NoError(t, Write(p1, testDataset([]float64{10}, []float64{100}, []time.Time{t0}, []float64{1})))
		other := testDataset([]float64{10}, []float64{100}, []time.Time{t0}, []float64{2})
		other.Var = "rhu"
		require.NoError(t, Write(p2, other))

		_, err := OpenMulti([]string{p1, p2}, &captureLogger{})
		assert.Error(t, err)
	})

	t.Run("EmptyListRejected", func(t *testing.T) {
		_, err := OpenMulti(nil, &captureLogger{})
		assert.Error(t, err)
	})
}

func TestTerrainNearestAt(t *testing.T) {
	terr := &Terrain{
		Lats:      []float64{10, 20},
		Lons:      []float64{100, 110},
		Elevation: []float64{500, 600, 700, 800},
		Slope:     []float64{1, 2, 3, 4},
		Aspect:    []float64{90, 180, 270, 0},
	}
	elev, slope, aspect := terr.NearestAt(19, 109)
	assert.Equal(t, 800.0, elev)
	assert.Equal(t, 4.0, slope)
	assert.Equal(t, 0.0, aspect)

	path := filepath.Join(t.TempDir(), "terrain.grd")
	require.NoError(t, WriteTerrain(path, terr))
	got, err := ReadTerrain(path)
	require.NoError(t, err)
	assert.Equal(t, terr.Elevation, got.Elevation)
}
