package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	ProcessingTaskStatus TaskStatus = "PROCESSING"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
	CanceledTaskStatus   TaskStatus = "CANCELED"
)

// IsTerminal reports whether a task in this status may never change again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CanceledTaskStatus:
		return true
	}
	return false
}

// Rank orders statuses for the detail view: PENDING < PROCESSING < COMPLETED < FAILED.
func (s TaskStatus) Rank() int {
	switch s {
	case PendingTaskStatus:
		return 0
	case ProcessingTaskStatus:
		return 1
	case CompletedTaskStatus:
		return 2
	case FailedTaskStatus:
		return 3
	default:
		return 4
	}
}

// Params is an opaque key-value blob attached to a task. The ledger stores it
// verbatim as JSONB and never interprets it.
type Params map[string]interface{}

func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *Params) Scan(src interface{}) error {
	if src == nil {
		*p = Params{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into Params", src)
	}
	if len(raw) == 0 {
		*p = Params{}
		return nil
	}
	return json.Unmarshal(raw, p)
}

// String returns the string value of a param key, or "" when absent.
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value of a param key, tolerating the float64 that
// JSON decoding produces.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Task is one row of the job ledger. A task with a nil ParentID is a root job;
// children carry the "<RootType>_SubTask" type variant.
type Task struct {
	ID           int64      `json:"-" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	Name         string     `json:"name" db:"name"`
	Type         string     `json:"task_type" db:"task_type"`
	ParentID     *string    `json:"parent_id,omitempty" db:"parent_id"`
	Status       TaskStatus `json:"status" db:"status"`
	Progress     float64    `json:"progress" db:"progress"`
	ProgressText string     `json:"progress_text" db:"progress_text"`
	Params       Params     `json:"params" db:"params"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// SubTaskType derives the ledger type of a root type's children.
func SubTaskType(rootType string) string {
	return rootType + "_SubTask"
}
