package models

import (
	"time"

	"github.com/pkg/errors"
)

// Canonical element names. Each maps to a pair of columns in fused_records:
// the station value and the paired grid value.
const (
	ElementTemperature   = "temperature"
	ElementHumidity      = "humidity"
	ElementPrecipitation = "precipitation_1h"
	ElementWindSpeed     = "wind_speed_2min"
)

// FusedRecord is one wide row of fused_records, keyed uniquely by
// (station_id, observed_at). The unique key is the sole idempotence guarantee:
// fusion runs for different elements write into the same row without
// destroying each other's columns.
type FusedRecord struct {
	StationID   string    `db:"station_id"`
	StationName string    `db:"station_name"`
	Lat         float64   `db:"lat"`
	Lon         float64   `db:"lon"`
	ObservedAt  time.Time `db:"observed_at"`
	Year        int       `db:"year"`
	Month       int       `db:"month"`
	Day         int       `db:"day"`
	Hour        int       `db:"hour"`

	Temperature       *float64 `db:"temperature"`
	TemperatureGrid   *float64 `db:"temperature_grid"`
	Humidity          *float64 `db:"humidity"`
	HumidityGrid      *float64 `db:"humidity_grid"`
	Precipitation     *float64 `db:"precipitation_1h"`
	PrecipitationGrid *float64 `db:"precipitation_1h_grid"`
	WindSpeed         *float64 `db:"wind_speed_2min"`
	WindSpeedGrid     *float64 `db:"wind_speed_2min_grid"`
}

// ElementColumns returns the fused_records column pair for an element:
// the station column and the grid column.
func ElementColumns(element string) (string, string, error) {
	switch element {
	case ElementTemperature, ElementHumidity, ElementPrecipitation, ElementWindSpeed:
		return element, element + "_grid", nil
	}
	return "", "", errors.Errorf("unknown element %q", element)
}

// SetElement fills the station/grid column pair for an element.
func (r *FusedRecord) SetElement(element string, station, grid *float64) error {
	switch element {
	case ElementTemperature:
		r.Temperature, r.TemperatureGrid = station, grid
	case ElementHumidity:
		r.Humidity, r.HumidityGrid = station, grid
	case ElementPrecipitation:
		r.Precipitation, r.PrecipitationGrid = station, grid
	case ElementWindSpeed:
		r.WindSpeed, r.WindSpeedGrid = station, grid
	default:
		return errors.Errorf("unknown element %q", element)
	}
	return nil
}

// Element returns the station/grid column pair for an element.
func (r *FusedRecord) Element(element string) (station, grid *float64, err error) {
	switch element {
	case ElementTemperature:
		return r.Temperature, r.TemperatureGrid, nil
	case ElementHumidity:
		return r.Humidity, r.HumidityGrid, nil
	case ElementPrecipitation:
		return r.Precipitation, r.PrecipitationGrid, nil
	case ElementWindSpeed:
		return r.WindSpeed, r.WindSpeedGrid, nil
	}
	return nil, nil, errors.Errorf("unknown element %q", element)
}
