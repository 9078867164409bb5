package grid

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimestampLayout is the hour-resolution timestamp embedded in file names.
const TimestampLayout = "2006010215"

// FileName builds the canonical name of one hourly grid file,
// e.g. "tmp.2020010100.hourly.grd".
func FileName(gridVar string, ts time.Time) string {
	return fmt.Sprintf("%s.%s.hourly.grd", gridVar, ts.Format(TimestampLayout))
}

// FilePath locates one hourly grid file under the archive root:
// <root>/<var>.hourly/<year>/<var>.<timestamp>.hourly.grd.
func FilePath(root, gridVar string, ts time.Time) string {
	return filepath.Join(root, gridVar+".hourly", fmt.Sprintf("%d", ts.Year()), FileName(gridVar, ts))
}

// ParseTimestamp recovers the timestamp from a grid file name.
func ParseTimestamp(name string) (time.Time, error) {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) < 2 {
		return time.Time{}, errors.Errorf("grid file name %q has no timestamp part", name)
	}
	ts, err := time.Parse(TimestampLayout, parts[1])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "grid file name %q", name)
	}
	return ts.UTC(), nil
}

// FilesForMonth lists one month's hourly files, sorted by timestamp.
func FilesForMonth(root, gridVar string, year, month int) ([]string, error) {
	pattern := filepath.Join(root, gridVar+".hourly", fmt.Sprintf("%d", year),
		fmt.Sprintf("%s.%04d%02d*.hourly.grd", gridVar, year, month))
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "glob grid files %s", pattern)
	}
	sort.Strings(files)
	return files, nil
}

// FilesForYears lists every hourly file for a year range, optionally filtered
// to a set of months (nil means all), sorted by timestamp.
func FilesForYears(root, gridVar string, startYear, endYear int, months []int) ([]string, error) {
	monthSet := map[int]bool{}
	for _, m := range months {
		monthSet[m] = true
	}
	var all []string
	for year := startYear; year <= endYear; year++ {
		pattern := filepath.Join(root, gridVar+".hourly", fmt.Sprintf("%d", year), "*.hourly.grd")
		files, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "glob grid files %s", pattern)
		}
		for _, f := range files {
			if len(monthSet) > 0 {
				ts, err := ParseTimestamp(f)
				if err != nil || !monthSet[int(ts.Month())] {
					continue
				}
			}
			all = append(all, f)
		}
	}
	sort.Strings(all)
	return all, nil
}

// CorrectedName prefixes a grid file name with the corrected marker.
func CorrectedName(name string) string {
	return "corrected." + filepath.Base(name)
}
