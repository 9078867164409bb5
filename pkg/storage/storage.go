package storage

import (
	"github.com/pkg/errors"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence operations of the correction tool. Workers
// coordinate exclusively through the store: they share no in-memory state.
type Store interface {
	// Begin opens a transaction-scoped Store. Commit/Rollback are only valid
	// on the value returned by Begin.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task ledger operations.
	CreateTask(t models.Task) error
	GetTask(taskID string) (models.Task, error)
	// UpdateTaskStatus is a silent no-op for unknown IDs and never moves a
	// task out of a terminal status. Entering a terminal status stamps
	// ended_at.
	UpdateTaskStatus(taskID string, status models.TaskStatus, progress float64, text string) error
	ListChildTasks(parentID string) ([]models.Task, error)
	// ListTasksByTypeAndStatus is a global query across all historical root
	// jobs; it backs the resume/skip logic.
	ListTasksByTypeAndStatus(taskType string, status models.TaskStatus) ([]models.Task, error)
	ListRootTasks(limit, offset int) ([]models.Task, error)
	// CancelChildTasks bulk-moves every non-terminal child to CANCELED and
	// returns how many rows it touched.
	CancelChildTasks(parentID, reason string) (int64, error)
	// DeletePendingTasks removes stale PENDING leftovers of a type from a
	// prior, abandoned run.
	DeletePendingTasks(taskType string) (int64, error)

	// Raw station observations, one month at a time to bound memory.
	// elementColumn must be a canonical element column name.
	ListObservations(elementColumn string, year, month int) ([]models.StationObservation, error)

	// Fused output rows.
	// UpsertFusedRecords inserts rows and, on (station_id, observed_at)
	// conflict, updates only the columns of the given elements. Columns of
	// elements not listed are left untouched.
	UpsertFusedRecords(rows []models.FusedRecord, elements []string) error
	HasFusedElementYear(elementColumn string, year int) (bool, error)
	CountFusedRecords() (int64, error)
}
