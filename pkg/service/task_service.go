package service

import (
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

// TaskService owns the ledger: every status transition of every task goes
// through it. Workers never write the ledger directly.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{store: store, logger: logger}
}

func (s *TaskService) withTx(fn func(tx storage.Store) error) error {
	tx, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Errorf("rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// Create inserts a new PENDING task and returns it. Root jobs pass a nil
// parentID.
func (s *TaskService) Create(name, taskType string, params models.Params, parentID *string) (models.Task, error) {
	t := models.Task{
		TaskID:   uuid.NewString(),
		Name:     name,
		Type:     taskType,
		ParentID: parentID,
		Status:   models.PendingTaskStatus,
		Params:   params,
	}
	err := s.withTx(func(tx storage.Store) error {
		return tx.CreateTask(t)
	})
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "create task %s", name)
	}
	return t, nil
}

// UpdateStatus records a status transition. The store guarantees terminal
// statuses are final and unknown IDs are ignored, so concurrent workers can
// report freely.
func (s *TaskService) UpdateStatus(taskID string, status models.TaskStatus, progress float64, text string) error {
	return s.withTx(func(tx storage.Store) error {
		return tx.UpdateTaskStatus(taskID, status, progress, text)
	})
}

func (s *TaskService) Get(taskID string) (models.Task, error) {
	return s.store.GetTask(taskID)
}

// ListChildren returns a root job's sub-tasks sorted for the detail view:
// pending first, then processing, completed, failed.
func (s *TaskService) ListChildren(parentID string) ([]models.Task, error) {
	children, err := s.store.ListChildTasks(parentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Status.Rank() < children[j].Status.Rank()
	})
	return children, nil
}

func (s *TaskService) ListByTypeAndStatus(taskType string, status models.TaskStatus) ([]models.Task, error) {
	return s.store.ListTasksByTypeAndStatus(taskType, status)
}

func (s *TaskService) ListRoots(limit, offset int) ([]models.Task, error) {
	return s.store.ListRootTasks(limit, offset)
}

// CancelChildren moves every non-terminal child of a root job to CANCELED.
func (s *TaskService) CancelChildren(parentID, reason string) (int64, error) {
	var n int64
	err := s.withTx(func(tx storage.Store) error {
		var err error
		n, err = tx.CancelChildTasks(parentID, reason)
		return err
	})
	return n, err
}

// DeletePending clears stale PENDING tasks of a type left behind by an
// interrupted run, so a resumed job starts from a clean slate.
func (s *TaskService) DeletePending(taskType string) (int64, error) {
	var n int64
	err := s.withTx(func(tx storage.Store) error {
		var err error
		n, err = tx.DeletePendingTasks(taskType)
		return err
	})
	return n, err
}
