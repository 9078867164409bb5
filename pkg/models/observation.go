package models

import "time"

// StationObservation is one element's raw value at a station and hour, as read
// from the raw_observations table. Value is nil when the source column is NULL.
type StationObservation struct {
	StationID   string    `db:"station_id"`
	StationName string    `db:"station_name"`
	Lat         float64   `db:"lat"`
	Lon         float64   `db:"lon"`
	ObservedAt  time.Time `db:"observed_at"`
	Value       *float64  `db:"value"`
}
