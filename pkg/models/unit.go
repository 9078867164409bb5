package models

import "time"

// FusionUnit is the atomic unit of a fusion job: one element for one year.
// No two concurrently scheduled units may target the same (element, year),
// which is what makes unsynchronized parallel staging writes safe.
type FusionUnit struct {
	Element string
	Year    int
}

// CorrectionUnit is the atomic unit of a correction job: one timestamped grid
// file, plus the sibling files holding its configured lag values. A missing
// lag file is recorded as an empty path and degrades to a null feature.
type CorrectionUnit struct {
	Element   string
	FilePath  string
	Timestamp time.Time
	LagFiles  map[int]string // lag hours -> path, "" when absent
}
