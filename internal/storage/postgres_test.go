package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/testutil"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

func setupStore(t *testing.T) (*PostgresStore, *testutil.TestDB) {
	td := testutil.SetupTestDB(t)
	store, err := NewPostgresStore(td.ConnStr)
	if err != nil {
		td.Teardown(t)
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, td
}

func TestPostgresStore_TaskLedger(t *testing.T) {
	store, td := setupStore(t)
	defer td.Teardown(t)
	defer store.Close()

	root := models.Task{
		TaskID: "root-1",
		Name:   "fuse temperature 2020",
		Type:   "DataFusion",
		Status: models.PendingTaskStatus,
		Params: models.Params{"start_year": 2020},
	}
	require.NoError(t, store.CreateTask(root))

	child := models.Task{
		TaskID:   "child-1",
		Name:     "fuse temperature 2020",
		Type:     "DataFusion_SubTask",
		ParentID: &root.TaskID,
		Status:   models.PendingTaskStatus,
	}
	require.NoError(t, store.CreateTask(child))

	t.Run("GetRoundtrip", func(t *testing.T) {
		got, err := store.GetTask("root-1")
		require.NoError(t, err)
		assert.Equal(t, "DataFusion", got.Type)
		assert.Nil(t, got.ParentID)
		year, ok := got.Params.Int("start_year")
		assert.True(t, ok)
		assert.Equal(t, 2020, year)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetTask("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TerminalGuard", func(t *testing.T) {
		require.NoError(t, store.UpdateTaskStatus("child-1", models.FailedTaskStatus, 40, "boom"))
		require.NoError(t, store.UpdateTaskStatus("child-1", models.CompletedTaskStatus, 100, "late"))

		got, err := store.GetTask("child-1")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, got.Status)
		assert.Equal(t, "boom", got.ProgressText)
		assert.NotNil(t, got.EndedAt)
	})

	t.Run("CancelChildrenSkipsTerminal", func(t *testing.T) {
		pending := models.Task{
			TaskID: "child-2", Name: "unit", Type: "DataFusion_SubTask",
			ParentID: &root.TaskID, Status: models.PendingTaskStatus,
		}
		require.NoError(t, store.CreateTask(pending))

		n, err := store.CancelChildTasks("root-1", "canceled by user")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n) // child-1 is already FAILED

		got, err := store.GetTask("child-2")
		require.NoError(t, err)
		assert.Equal(t, models.CanceledTaskStatus, got.Status)
	})

	t.Run("ListTasksByTypeAndStatus", func(t *testing.T) {
		tasks, err := store.ListTasksByTypeAndStatus("DataFusion_SubTask", models.FailedTaskStatus)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "child-1", tasks[0].TaskID)
	})

	t.Run("DeletePending", func(t *testing.T) {
		stale := models.Task{
			TaskID: "stale-1", Name: "unit", Type: "DataFusion_SubTask",
			ParentID: &root.TaskID, Status: models.PendingTaskStatus,
		}
		require.NoError(t, store.CreateTask(stale))
		n, err := store.DeletePendingTasks("DataFusion_SubTask")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("ListRootTasks", func(t *testing.T) {
		roots, err := store.ListRootTasks(10, 0)
		require.NoError(t, err)
		require.Len(t, roots, 1)
		assert.Equal(t, "root-1", roots[0].TaskID)
	})
}

func TestPostgresStore_Transactions(t *testing.T) {
	store, td := setupStore(t)
	defer td.Teardown(t)
	defer store.Close()

	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.CreateTask(models.Task{
		TaskID: "tx-1", Name: "job", Type: "DataFusion", Status: models.PendingTaskStatus,
	}))
	require.NoError(t, tx.Rollback())

	_, err = store.GetTask("tx-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tx, err = store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.CreateTask(models.Task{
		TaskID: "tx-2", Name: "job", Type: "DataFusion", Status: models.PendingTaskStatus,
	}))
	require.NoError(t, tx.Commit())

	_, err = store.GetTask("tx-2")
	assert.NoError(t, err)
}

func TestPostgresStore_Observations(t *testing.T) {
	store, td := setupStore(t)
	defer td.Teardown(t)
	defer store.Close()

	_, err := td.DB.Exec(`
		INSERT INTO raw_observations
		(station_id, station_name, lat, lon, observed_at, year, month, day, hour, temperature, humidity)
		VALUES
		('S1', 'alpha', 10, 100, '2020-01-01T00:00:00Z', 2020, 1, 1, 0, 21.5, 55),
		('S1', 'alpha', 10, 100, '2020-02-01T00:00:00Z', 2020, 2, 1, 0, 18.0, NULL)`)
	require.NoError(t, err)

	obs, err := store.ListObservations("temperature", 2020, 1)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.NotNil(t, obs[0].Value)
	assert.Equal(t, 21.5, *obs[0].Value)

	obs, err = store.ListObservations("humidity", 2020, 2)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Nil(t, obs[0].Value)

	_, err = store.ListObservations("station_id; DROP TABLE tasks", 2020, 1)
	assert.Error(t, err)
}

func TestPostgresStore_UpsertFusedRecords(t *testing.T) {
	store, td := setupStore(t)
	defer td.Teardown(t)
	defer store.Close()

	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	tempVal, tempGrid := 21.5, 20.9
	row := models.FusedRecord{
		StationID: "S1", StationName: "alpha", Lat: 10, Lon: 100,
		ObservedAt: ts, Year: 2020, Month: 6, Day: 1, Hour: 12,
		Temperature: &tempVal, TemperatureGrid: &tempGrid,
	}
	require.NoError(t, store.UpsertFusedRecords([]models.FusedRecord{row}, []string{models.ElementTemperature}))

	// A later batch for a different element must not wipe the temperature
	// columns of the shared row.
	windVal, windGrid := 3.2, 3.5
	row2 := models.FusedRecord{
		StationID: "S1", StationName: "alpha", Lat: 10, Lon: 100,
		ObservedAt: ts, Year: 2020, Month: 6, Day: 1, Hour: 12,
		WindSpeed: &windVal, WindSpeedGrid: &windGrid,
	}
	require.NoError(t, store.UpsertFusedRecords([]models.FusedRecord{row2}, []string{models.ElementWindSpeed}))

	n, err := store.CountFusedRecords()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got models.FusedRecord
	require.NoError(t, td.DB.Get(&got,
		"SELECT * FROM fused_records WHERE station_id = $1 AND observed_at = $2", "S1", ts))
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 21.5, *got.Temperature)
	require.NotNil(t, got.WindSpeed)
	assert.Equal(t, 3.2, *got.WindSpeed)

	has, err := store.HasFusedElementYear("temperature", 2020)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = store.HasFusedElementYear("humidity", 2020)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = store.HasFusedElementYear("temperature", 2021)
	require.NoError(t, err)
	assert.False(t, has)
}
