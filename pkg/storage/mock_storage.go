package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
)

// MockStore implements Store with in-memory state. It is safe for concurrent
// use so dispatcher tests can run real worker pools against it.
type MockStore struct {
	data *mockData
	tx   bool
	done bool
}

type mockData struct {
	mu           sync.Mutex
	tasks        []models.Task
	observations []models.StationObservation
	fused        map[string]*models.FusedRecord
}

func NewMockStore() *MockStore {
	return &MockStore{data: &mockData{fused: make(map[string]*models.FusedRecord)}}
}

func (m *MockStore) Begin() (Store, error) {
	return &MockStore{data: m.data, tx: true}, nil
}

func (m *MockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	return nil
}

func (m *MockStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	// Changes are not actually undone; the mock has no snapshot semantics.
	m.done = true
	return nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) CreateTask(t models.Task) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.tasks {
		if existing.TaskID == t.TaskID {
			return errors.Errorf("task %s already exists", t.TaskID)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.ID = int64(len(m.data.tasks) + 1)
	m.data.tasks = append(m.data.tasks, t)
	return nil
}

func (m *MockStore) GetTask(taskID string) (models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, t := range m.data.tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *MockStore) UpdateTaskStatus(taskID string, status models.TaskStatus, progress float64, text string) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, t := range m.data.tasks {
		if t.TaskID != taskID {
			continue
		}
		if t.Status.IsTerminal() {
			return nil
		}
		m.data.tasks[i].Status = status
		m.data.tasks[i].Progress = progress
		m.data.tasks[i].ProgressText = text
		if status.IsTerminal() {
			now := time.Now()
			m.data.tasks[i].EndedAt = &now
		}
		return nil
	}
	// Unknown IDs are a silent no-op, matching the ledger contract.
	return nil
}

func (m *MockStore) ListChildTasks(parentID string) ([]models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var out []models.Task
	for _, t := range m.data.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStore) ListTasksByTypeAndStatus(taskType string, status models.TaskStatus) ([]models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var out []models.Task
	for _, t := range m.data.tasks {
		if t.Type == taskType && t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStore) ListRootTasks(limit, offset int) ([]models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var roots []models.Task
	for _, t := range m.data.tasks {
		if t.ParentID == nil {
			roots = append(roots, t)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	if offset >= len(roots) {
		return nil, nil
	}
	roots = roots[offset:]
	if limit > 0 && limit < len(roots) {
		roots = roots[:limit]
	}
	return roots, nil
}

func (m *MockStore) CancelChildTasks(parentID, reason string) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var n int64
	now := time.Now()
	for i, t := range m.data.tasks {
		if t.ParentID == nil || *t.ParentID != parentID || t.Status.IsTerminal() {
			continue
		}
		m.data.tasks[i].Status = models.CanceledTaskStatus
		m.data.tasks[i].ProgressText = reason
		m.data.tasks[i].EndedAt = &now
		n++
	}
	return n, nil
}

func (m *MockStore) DeletePendingTasks(taskType string) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var kept []models.Task
	var n int64
	for _, t := range m.data.tasks {
		if t.Type == taskType && t.Status == models.PendingTaskStatus {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.data.tasks = kept
	return n, nil
}

func (m *MockStore) ListObservations(elementColumn string, year, month int) ([]models.StationObservation, error) {
	if _, _, err := models.ElementColumns(elementColumn); err != nil {
		return nil, err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var out []models.StationObservation
	for _, o := range m.data.observations {
		if o.ObservedAt.Year() == year && int(o.ObservedAt.Month()) == month {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

func fusedKey(stationID string, observedAt time.Time) string {
	return stationID + "|" + observedAt.UTC().Format(time.RFC3339)
}

func (m *MockStore) UpsertFusedRecords(rows []models.FusedRecord, elements []string) error {
	for _, element := range elements {
		if _, _, err := models.ElementColumns(element); err != nil {
			return err
		}
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, row := range rows {
		key := fusedKey(row.StationID, row.ObservedAt)
		existing, ok := m.data.fused[key]
		if !ok {
			inserted := models.FusedRecord{
				StationID:   row.StationID,
				StationName: row.StationName,
				Lat:         row.Lat,
				Lon:         row.Lon,
				ObservedAt:  row.ObservedAt,
				Year:        row.Year,
				Month:       row.Month,
				Day:         row.Day,
				Hour:        row.Hour,
			}
			for _, element := range elements {
				station, grid, _ := row.Element(element)
				_ = inserted.SetElement(element, station, grid)
			}
			m.data.fused[key] = &inserted
			continue
		}
		// On conflict only the batch's element columns are updated; columns
		// written by earlier batches survive.
		existing.StationName = row.StationName
		existing.Lat = row.Lat
		existing.Lon = row.Lon
		for _, element := range elements {
			station, grid, _ := row.Element(element)
			_ = existing.SetElement(element, station, grid)
		}
	}
	return nil
}

func (m *MockStore) HasFusedElementYear(elementColumn string, year int) (bool, error) {
	if !strings.HasSuffix(elementColumn, "_grid") {
		if _, _, err := models.ElementColumns(elementColumn); err != nil {
			return false, err
		}
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, r := range m.data.fused {
		if r.Year != year {
			continue
		}
		station, _, err := r.Element(strings.TrimSuffix(elementColumn, "_grid"))
		if err == nil && station != nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) CountFusedRecords() (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	return int64(len(m.data.fused)), nil
}

// AddObservation seeds a raw observation for tests.
func (m *MockStore) AddObservation(o models.StationObservation) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.observations = append(m.data.observations, o)
}

// FusedRecordAt returns the fused row for a key, for test assertions.
func (m *MockStore) FusedRecordAt(stationID string, observedAt time.Time) (models.FusedRecord, bool) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	r, ok := m.data.fused[fusedKey(stationID, observedAt)]
	if !ok {
		return models.FusedRecord{}, false
	}
	return *r, true
}
