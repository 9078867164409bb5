package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *PostgresStore) CreateTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (task_id, name, task_type, parent_id, status, progress, progress_text, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)`,
		t.TaskID, t.Name, t.Type, t.ParentID, t.Status, t.Progress, t.ProgressText, t.Params)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) GetTask(taskID string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE task_id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// UpdateTaskStatus writes a transition. The WHERE clause keeps terminal rows
// frozen; an unknown ID matches nothing, so both cases are silent no-ops.
func (s *PostgresStore) UpdateTaskStatus(taskID string, status models.TaskStatus, progress float64, text string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		progress = $2,
		progress_text = $3,
		ended_at = CASE WHEN $4 THEN CURRENT_TIMESTAMP ELSE ended_at END
		WHERE task_id = $5 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELED')`,
		status, progress, text, status.IsTerminal(), taskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func (s *PostgresStore) ListChildTasks(parentID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE parent_id = $1 ORDER BY id", parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksByTypeAndStatus(taskType string, status models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks,
		"SELECT * FROM tasks WHERE task_type = $1 AND status = $2 ORDER BY id", taskType, status)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s tasks: %w", taskType, status, err)
	}
	return tasks, nil
}

func (s *PostgresStore) ListRootTasks(limit, offset int) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks,
		"SELECT * FROM tasks WHERE parent_id IS NULL ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list root tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) CancelChildTasks(parentID, reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'CANCELED',
		progress_text = $1,
		ended_at = CURRENT_TIMESTAMP
		WHERE parent_id = $2 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELED')`,
		reason, parentID)
	if err != nil {
		return 0, fmt.Errorf("cancel children of %s: %w", parentID, err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeletePendingTasks(taskType string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM tasks WHERE task_type = $1 AND status = 'PENDING'", taskType)
	if err != nil {
		return 0, fmt.Errorf("delete pending %s tasks: %w", taskType, err)
	}
	return res.RowsAffected()
}

// validElementColumn guards against interpolating arbitrary strings into SQL:
// only canonical element column names pass.
func validElementColumn(name string) (string, error) {
	if _, _, err := models.ElementColumns(strings.TrimSuffix(name, "_grid")); err != nil {
		return "", fmt.Errorf("invalid element column %q", name)
	}
	return name, nil
}

func (s *PostgresStore) ListObservations(elementColumn string, year, month int) ([]models.StationObservation, error) {
	col, err := validElementColumn(elementColumn)
	if err != nil {
		return nil, err
	}
	obs := []models.StationObservation{}
	query := fmt.Sprintf(`
		SELECT station_id, station_name, lat, lon, observed_at, %s AS value
		FROM raw_observations
		WHERE year = $1 AND month = $2
		ORDER BY observed_at, station_id`, col)
	if err := s.db.Select(&obs, query, year, month); err != nil {
		return nil, fmt.Errorf("list %s observations for %d-%02d: %w", col, year, month, err)
	}
	return obs, nil
}

// UpsertFusedRecords inserts rows keyed by (station_id, observed_at); on
// conflict it updates only the station metadata and the columns of the
// elements in this batch, leaving other elements' columns alone.
func (s *PostgresStore) UpsertFusedRecords(rows []models.FusedRecord, elements []string) error {
	if len(rows) == 0 {
		return nil
	}
	cols := []string{"station_id", "station_name", "lat", "lon", "observed_at", "year", "month", "day", "hour"}
	for _, element := range elements {
		stationCol, gridCol, err := models.ElementColumns(element)
		if err != nil {
			return err
		}
		cols = append(cols, stationCol, gridCol)
	}

	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*len(cols))
	n := 1
	for _, r := range rows {
		ph := make([]string, len(cols))
		for i := range cols {
			ph[i] = fmt.Sprintf("$%d", n)
			n++
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.StationID, r.StationName, r.Lat, r.Lon, r.ObservedAt, r.Year, r.Month, r.Day, r.Hour)
		for _, element := range elements {
			sv, gv, err := r.Element(element)
			if err != nil {
				return err
			}
			args = append(args, sv, gv)
		}
	}

	updates := []string{
		"station_name = EXCLUDED.station_name",
		"lat = EXCLUDED.lat",
		"lon = EXCLUDED.lon",
	}
	for _, element := range elements {
		stationCol, gridCol, _ := models.ElementColumns(element)
		updates = append(updates,
			fmt.Sprintf("%s = EXCLUDED.%s", stationCol, stationCol),
			fmt.Sprintf("%s = EXCLUDED.%s", gridCol, gridCol))
	}

	query := fmt.Sprintf(`
		INSERT INTO fused_records (%s)
		VALUES %s
		ON CONFLICT (station_id, observed_at) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("upsert %d fused rows: %w", len(rows), err)
	}
	return nil
}

func (s *PostgresStore) HasFusedElementYear(elementColumn string, year int) (bool, error) {
	col, err := validElementColumn(elementColumn)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM fused_records WHERE year = $1 AND %s IS NOT NULL)", col)
	if err := s.db.Get(&exists, query, year); err != nil {
		return false, fmt.Errorf("check fused %s for %d: %w", col, year, err)
	}
	return exists, nil
}

func (s *PostgresStore) CountFusedRecords() (int64, error) {
	var n int64
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM fused_records"); err != nil {
		return 0, fmt.Errorf("count fused records: %w", err)
	}
	return n, nil
}
