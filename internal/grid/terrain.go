package grid

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// Terrain is the static covariate raster: elevation, slope and aspect on a
// regular lat/lon grid, looked up by nearest neighbor when building
// correction features.
type Terrain struct {
	Lats      []float64
	Lons      []float64
	Elevation []float64 // lat-major, then lon
	Slope     []float64
	Aspect    []float64
}

func (t *Terrain) validate() error {
	want := len(t.Lats) * len(t.Lons)
	if want == 0 {
		return errors.New("terrain has an empty axis")
	}
	if len(t.Elevation) != want || len(t.Slope) != want || len(t.Aspect) != want {
		return errors.Errorf("terrain variable length mismatch, want %d cells", want)
	}
	return nil
}

// NearestAt returns (elevation, slope, aspect) of the cell nearest to the
// given coordinates.
func (t *Terrain) NearestAt(lat, lon float64) (float64, float64, float64) {
	i := nearestIdx(t.Lats, lat)
	j := nearestIdx(t.Lons, lon)
	k := i*len(t.Lons) + j
	return t.Elevation[k], t.Slope[k], t.Aspect[k]
}

// WriteTerrain stores the terrain dataset at path.
func WriteTerrain(path string, t *Terrain) error {
	if err := t.validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create terrain file %s", path)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(t); err != nil {
		return errors.Wrapf(err, "encode terrain file %s", path)
	}
	return nil
}

// ReadTerrain loads the terrain dataset.
func ReadTerrain(path string) (*Terrain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open terrain file %s", path)
	}
	defer f.Close()
	var t Terrain
	if err := gob.NewDecoder(f).Decode(&t); err != nil {
		return nil, errors.Wrapf(err, "decode terrain file %s", path)
	}
	if err := t.validate(); err != nil {
		return nil, errors.Wrapf(err, "terrain file %s", path)
	}
	return &t, nil
}
