package grid

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestFileNaming(t *testing.T) {
	ts := time.Date(2020, 1, 5, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "tmp.2020010512.hourly.grd", FileName("tmp", ts))
	assert.Equal(t,
		filepath.Join("root", "tmp.hourly", "2020", "tmp.2020010512.hourly.grd"),
		FilePath("root", "tmp", ts))

	got, err := ParseTimestamp("tmp.2020010512.hourly.grd")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	got, err = ParseTimestamp("/data/tmp.hourly/2020/tmp.2020010512.hourly.grd")
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = ParseTimestamp("garbage")
	assert.Error(t, err)

	assert.Equal(t, "corrected.tmp.2020010512.hourly.grd",
		CorrectedName("/data/tmp.hourly/2020/tmp.2020010512.hourly.grd"))
}

func TestFilesForMonth(t *testing.T) {
	root := t.TempDir()
	touch(t, FilePath(root, "tmp", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	touch(t, FilePath(root, "tmp", time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)))
	touch(t, FilePath(root, "tmp", time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)))

	files, err := FilesForMonth(root, "tmp", 2020, 1)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Contains(t, filepath.Base(files[0]), "2020010100")

	files, err = FilesForMonth(root, "tmp", 2020, 3)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFilesForYears(t *testing.T) {
	root := t.TempDir()
	touch(t, FilePath(root, "tmp", time.Date(2019, 12, 31, 23, 0, 0, 0, time.UTC)))
	touch(t, FilePath(root, "tmp", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	touch(t, FilePath(root, "tmp", time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)))
	touch(t, FilePath(root, "tmp", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))

	t.Run("AllMonths", func(t *testing.T) {
		files, err := FilesForYears(root, "tmp", 2020, 2021, nil)
		require.NoError(t, err)
		assert.Len(t, files, 3)
	})

	t.Run("MonthFilter", func(t *testing.T) {
		files, err := FilesForYears(root, "tmp", 2019, 2021, []int{6, 12})
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})
}
