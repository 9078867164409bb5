package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// CancelRegistry hands out one cancellable context per running root job, so
// cancelling a job never touches any other job running in the same process.
type CancelRegistry struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{jobs: make(map[string]context.CancelFunc)}
}

// Register creates the job's context. The job must not already be registered.
func (r *CancelRegistry) Register(jobID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; ok {
		return nil, errors.Errorf("job %s is already running", jobID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.jobs[jobID] = cancel
	return ctx, nil
}

// Unregister cancels and removes the job's context. Safe to call after Cancel.
func (r *CancelRegistry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.jobs[jobID]; ok {
		cancel()
		delete(r.jobs, jobID)
	}
}

// Cancel fires the job's context and reports whether the job was running.
func (r *CancelRegistry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[jobID]
	if ok {
		cancel()
	}
	return ok
}
