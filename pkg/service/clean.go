package service

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/interp"
)

// minSplinePoints is the smallest sample a cubic spline fits sensibly.
const minSplinePoints = 4

// CleanSeries prepares one station's observation series for alignment:
// values above maxValid become missing, interior gaps are filled by cubic
// spline interpolation (falling back to linear for short series), and
// timestamps that remain missing after filling are dropped. Timestamps are
// returned sorted and deduplicated.
func CleanSeries(times []time.Time, values []float64, maxValid float64) ([]time.Time, []float64) {
	if len(times) == 0 || len(times) != len(values) {
		return nil, nil
	}

	type point struct {
		ts time.Time
		v  float64
	}
	pts := make([]point, 0, len(times))
	for i := range times {
		pts = append(pts, point{ts: times[i].UTC(), v: values[i]})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].ts.Before(pts[j].ts) })

	// Deduplicate timestamps, last value wins.
	dedup := pts[:0]
	for _, p := range pts {
		if len(dedup) > 0 && dedup[len(dedup)-1].ts.Equal(p.ts) {
			dedup[len(dedup)-1] = p
			continue
		}
		dedup = append(dedup, p)
	}
	pts = dedup

	t0 := pts[0].ts
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	var validXs, validYs []float64
	for i, p := range pts {
		xs[i] = p.ts.Sub(t0).Hours()
		v := p.v
		if v > maxValid {
			v = math.NaN()
		}
		ys[i] = v
		if !math.IsNaN(v) {
			validXs = append(validXs, xs[i])
			validYs = append(validYs, v)
		}
	}

	if predict := fitInterpolator(validXs, validYs); predict != nil {
		lo, hi := validXs[0], validXs[len(validXs)-1]
		for i := range ys {
			if math.IsNaN(ys[i]) && xs[i] >= lo && xs[i] <= hi {
				ys[i] = predict(xs[i])
			}
		}
	}

	outT := make([]time.Time, 0, len(pts))
	outV := make([]float64, 0, len(pts))
	for i := range ys {
		if math.IsNaN(ys[i]) {
			continue
		}
		outT = append(outT, pts[i].ts)
		outV = append(outV, ys[i])
	}
	return outT, outV
}

// fitInterpolator picks the gap filler: natural cubic spline when there are
// enough valid points, piecewise linear otherwise, nothing for degenerate
// series.
func fitInterpolator(xs, ys []float64) func(float64) float64 {
	if len(xs) >= minSplinePoints {
		var spline interp.NaturalCubic
		if err := spline.Fit(xs, ys); err == nil {
			return spline.Predict
		}
	}
	if len(xs) >= 2 {
		var linear interp.PiecewiseLinear
		if err := linear.Fit(xs, ys); err == nil {
			return linear.Predict
		}
	}
	return nil
}
