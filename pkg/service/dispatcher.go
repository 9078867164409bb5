package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
)

// Unit is one schedulable piece of a root job. Run receives the sub-task's
// ledger ID and reports its own PROCESSING progress; the dispatcher owns the
// terminal transition.
type Unit struct {
	Name   string
	Params models.Params
	Run    func(ctx context.Context, taskID string) error
}

// DispatchResult counts how the units of one dispatch ended.
type DispatchResult struct {
	Total     int
	Completed int
	Failed    int
	Canceled  int
}

// ErrDispatchCanceled is returned when a dispatch stops because the job's
// context fired.
var ErrDispatchCanceled = Canceledf("dispatch canceled")

// Dispatcher fans a root job's units out over a bounded worker pool, records
// every unit in the ledger before any of them runs, and folds unit completions
// into the parent's progress. A periodic tick re-publishes the parent progress
// even when no unit finished, so slow units still look alive.
type Dispatcher struct {
	tasks  *TaskService
	logger Logger

	// PollInterval is the fallback progress refresh period.
	PollInterval time.Duration
}

func NewDispatcher(tasks *TaskService, logger Logger) *Dispatcher {
	return &Dispatcher{tasks: tasks, logger: logger, PollInterval: 5 * time.Second}
}

// EffectiveWorkers clamps a requested pool size to the host: never more than
// cores minus one, never less than one. A non-positive request means "use the
// default".
func EffectiveWorkers(requested int) int {
	max := runtime.NumCPU() - 1
	if max < 1 {
		max = 1
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

type unitResult struct {
	taskID string
	err    error
}

// Dispatch runs units under rootID with at most maxWorkers in flight.
// phaseWeight scales the parent's progress: finishing every unit moves the
// parent to phaseWeight percent, never past it.
func (d *Dispatcher) Dispatch(ctx context.Context, rootID, subType string, units []Unit,
	maxWorkers int, phaseWeight float64) (DispatchResult, error) {
	res := DispatchResult{Total: len(units)}
	if len(units) == 0 {
		return res, nil
	}

	// Every unit gets its ledger row up front, so the detail view shows the
	// full plan before the first worker starts.
	taskIDs := make([]string, len(units))
	for i, u := range units {
		t, err := d.tasks.Create(u.Name, subType, u.Params, &rootID)
		if err != nil {
			return res, err
		}
		taskIDs[i] = t.TaskID
	}

	workers := EffectiveWorkers(maxWorkers)
	jobs := make(chan int)
	compl := make(chan unitResult, len(units))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				compl <- unitResult{taskID: taskIDs[idx], err: d.runUnit(ctx, taskIDs[idx], units[idx])}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx := range units {
			select {
			case jobs <- idx:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	// The root may already carry progress from an earlier phase; never
	// publish below it.
	lastProgress := 0.0
	if cur, err := d.tasks.Get(rootID); err == nil {
		lastProgress = cur.Progress
	}
	publish := func(done int) {
		progress := float64(done) / float64(len(units)) * phaseWeight
		if progress <= lastProgress {
			return
		}
		lastProgress = progress
		text := fmt.Sprintf("completed %d/%d units", done, len(units))
		if err := d.tasks.UpdateStatus(rootID, models.ProcessingTaskStatus, progress, text); err != nil {
			d.logger.Errorf("update progress of %s: %v", rootID, err)
		}
	}

	done := 0
	for done < len(units) {
		select {
		case r := <-compl:
			done++
			switch {
			case r.err == nil:
				res.Completed++
			case IsCanceled(r.err):
				res.Canceled++
			default:
				res.Failed++
			}
			publish(done)
		case <-ticker.C:
			publish(done)
		case <-ctx.Done():
			// Drain the pool, then mark everything still open as canceled.
			wg.Wait()
			n, err := d.tasks.CancelChildren(rootID, "canceled by user")
			if err != nil {
				d.logger.Errorf("cancel children of %s: %v", rootID, err)
			}
			res.Canceled += int(n)
			return res, ErrDispatchCanceled
		}
	}
	wg.Wait()
	return res, nil
}

// runUnit executes one unit and owns its terminal ledger transition. The
// store's terminal guard makes the final update a no-op if the unit already
// ended itself.
func (d *Dispatcher) runUnit(ctx context.Context, taskID string, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = UnitFailuref("unit %s panicked: %v", u.Name, r)
			if updErr := d.tasks.UpdateStatus(taskID, models.FailedTaskStatus, 0, err.Error()); updErr != nil {
				d.logger.Errorf("record panic of %s: %v", taskID, updErr)
			}
		}
	}()

	// A unit that never started stays PENDING; CancelChildren sweeps it up.
	if ctx.Err() != nil {
		return Canceledf("unit %s canceled before start", u.Name)
	}

	err = u.Run(ctx, taskID)
	switch {
	case err == nil:
		return d.tasks.UpdateStatus(taskID, models.CompletedTaskStatus, 100, "done")
	case IsCanceled(err):
		if updErr := d.tasks.UpdateStatus(taskID, models.CanceledTaskStatus, 0, err.Error()); updErr != nil {
			d.logger.Errorf("record cancellation of %s: %v", taskID, updErr)
		}
		return err
	default:
		d.logger.Errorf("unit %s failed: %v", u.Name, err)
		cur, getErr := d.tasks.Get(taskID)
		progress := 0.0
		if getErr == nil {
			progress = cur.Progress
		}
		if updErr := d.tasks.UpdateStatus(taskID, models.FailedTaskStatus, progress, err.Error()); updErr != nil {
			d.logger.Errorf("record failure of %s: %v", taskID, updErr)
		}
		return err
	}
}
