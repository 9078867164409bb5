package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus(t *testing.T) {
	assert.True(t, CompletedTaskStatus.IsTerminal())
	assert.True(t, FailedTaskStatus.IsTerminal())
	assert.True(t, CanceledTaskStatus.IsTerminal())
	assert.False(t, PendingTaskStatus.IsTerminal())
	assert.False(t, ProcessingTaskStatus.IsTerminal())

	assert.Less(t, PendingTaskStatus.Rank(), ProcessingTaskStatus.Rank())
	assert.Less(t, ProcessingTaskStatus.Rank(), CompletedTaskStatus.Rank())
	assert.Less(t, CompletedTaskStatus.Rank(), FailedTaskStatus.Rank())
	assert.Less(t, FailedTaskStatus.Rank(), CanceledTaskStatus.Rank())
}

func TestSubTaskType(t *testing.T) {
	assert.Equal(t, "DataFusion_SubTask", SubTaskType("DataFusion"))
}

func TestParams(t *testing.T) {
	t.Run("ScanRoundtrip", func(t *testing.T) {
		p := Params{"element": "temperature", "year": 2020}
		raw, err := p.Value()
		require.NoError(t, err)

		var got Params
		require.NoError(t, got.Scan(raw))
		assert.Equal(t, "temperature", got.String("element"))
		year, ok := got.Int("year")
		assert.True(t, ok)
		assert.Equal(t, 2020, year)
	})

	t.Run("NilAndMissing", func(t *testing.T) {
		var p Params
		raw, err := p.Value()
		require.NoError(t, err)
		assert.Equal(t, []byte("{}"), raw)

		require.NoError(t, p.Scan(nil))
		assert.Empty(t, p.String("anything"))
		_, ok := p.Int("anything")
		assert.False(t, ok)
	})
}

func TestFusedRecordElementColumns(t *testing.T) {
	station, grid, err := ElementColumns(ElementPrecipitation)
	require.NoError(t, err)
	assert.Equal(t, "precipitation_1h", station)
	assert.Equal(t, "precipitation_1h_grid", grid)

	_, _, err = ElementColumns("pressure")
	assert.Error(t, err)

	var r FusedRecord
	v1, v2 := 1.0, 2.0
	require.NoError(t, r.SetElement(ElementHumidity, &v1, &v2))
	s, g, err := r.Element(ElementHumidity)
	require.NoError(t, err)
	assert.Equal(t, &v1, s)
	assert.Equal(t, &v2, g)
	assert.Error(t, r.SetElement("pressure", &v1, &v2))
}
