// Package model loads pre-trained regression models and runs batch inference
// over correction feature rows. Training happens elsewhere; this package only
// consumes exported coefficient files.
package model

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Model runs batch inference: one prediction per feature row. Rows follow the
// feature order declared by FeatureNames.
type Model interface {
	FeatureNames() []string
	Predict(rows [][]float64) ([]float64, error)
}

// Linear is a linear regression loaded from a JSON coefficients file.
// NaN features (null lag placeholders) contribute nothing to the prediction.
type Linear struct {
	Bias     float64   `json:"bias"`
	Weights  []float64 `json:"weights"`
	Features []string  `json:"features"`
}

// Load reads a coefficients file exported by the training stage.
func Load(path string) (*Linear, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", path)
	}
	var m Linear
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parse model %s", path)
	}
	if len(m.Weights) != len(m.Features) {
		return nil, errors.Errorf("model %s has %d weights for %d features", path, len(m.Weights), len(m.Features))
	}
	if len(m.Features) == 0 {
		return nil, errors.Errorf("model %s declares no features", path)
	}
	return &m, nil
}

func (m *Linear) FeatureNames() []string {
	return m.Features
}

func (m *Linear) Predict(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(m.Weights) {
			return nil, errors.Errorf("feature row has %d values, model wants %d", len(row), len(m.Weights))
		}
		y := m.Bias
		for k, v := range row {
			if math.IsNaN(v) {
				continue
			}
			y += m.Weights[k] * v
		}
		out[i] = y
	}
	return out, nil
}
