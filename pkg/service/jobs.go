package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/config"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/grid"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/model"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

// ErrJobAlreadyRunning rejects a submission while another job of the same
// type is still PROCESSING.
var ErrJobAlreadyRunning = errors.New("a job of this type is already processing")

// ErrJobFinished rejects cancelling a job that already reached a terminal
// status.
var ErrJobFinished = errors.New("job already finished")

// FusionRequest submits a fusion job: stage and import the given elements
// over a year range.
type FusionRequest struct {
	Elements  []string `json:"elements"`
	StartYear int      `json:"start_year"`
	EndYear   int      `json:"end_year"`
	Workers   int      `json:"workers"`
}

// CorrectionRequest submits a correction job over one element's hourly grid
// files. Months narrows the range; empty means all months. ModelPath defaults
// to <models_dir>/<element>.json.
type CorrectionRequest struct {
	Element   string `json:"element"`
	StartYear int    `json:"start_year"`
	EndYear   int    `json:"end_year"`
	Months    []int  `json:"months,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
	Workers   int    `json:"workers"`
}

// JobDetails is a root job together with its sub-tasks.
type JobDetails struct {
	Job      models.Task   `json:"job"`
	Children []models.Task `json:"children"`
}

// JobService is the entry point of the tool: it validates submissions,
// creates root ledger rows, and runs jobs on background goroutines. All job
// state lives in the ledger; restarting the process loses nothing but the
// in-flight goroutines.
type JobService struct {
	store      storage.Store
	tasks      *TaskService
	dispatcher *Dispatcher
	registry   *CancelRegistry
	cfg        *config.Config
	logger     Logger

	wg sync.WaitGroup
}

func NewJobService(store storage.Store, tasks *TaskService, dispatcher *Dispatcher,
	registry *CancelRegistry, cfg *config.Config, logger Logger) *JobService {
	return &JobService{
		store:      store,
		tasks:      tasks,
		dispatcher: dispatcher,
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
	}
}

// Wait blocks until every background job goroutine has returned.
func (s *JobService) Wait() {
	s.wg.Wait()
}

func (s *JobService) rejectConcurrent(jobType string) error {
	running, err := s.tasks.ListByTypeAndStatus(jobType, models.ProcessingTaskStatus)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return errors.Wrapf(ErrJobAlreadyRunning, "job %s", running[0].TaskID)
	}
	return nil
}

// SubmitFusionJob validates and enqueues a fusion job, returning its PENDING
// root task immediately.
func (s *JobService) SubmitFusionJob(req FusionRequest) (models.Task, error) {
	if len(req.Elements) == 0 {
		return models.Task{}, Validationf("at least one element is required")
	}
	for _, element := range req.Elements {
		if _, err := s.cfg.Element(element); err != nil {
			return models.Task{}, Validationf("%v", err)
		}
	}
	if req.StartYear <= 0 || req.EndYear < req.StartYear {
		return models.Task{}, Validationf("invalid year range %d..%d", req.StartYear, req.EndYear)
	}
	if err := s.rejectConcurrent(JobTypeFusion); err != nil {
		return models.Task{}, err
	}

	name := fmt.Sprintf("fuse %v %d-%d", req.Elements, req.StartYear, req.EndYear)
	root, err := s.tasks.Create(name, JobTypeFusion, models.Params{
		"elements":   req.Elements,
		"start_year": req.StartYear,
		"end_year":   req.EndYear,
		"workers":    req.Workers,
	}, nil)
	if err != nil {
		return models.Task{}, err
	}

	// Registered before the goroutine starts, so a Cancel racing the
	// submission is still delivered cooperatively.
	ctx, err := s.registry.Register(root.TaskID)
	if err != nil {
		s.failJob(root.TaskID, err.Error())
		return models.Task{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.Unregister(root.TaskID)
		s.runFusionJob(ctx, root, req)
	}()
	return root, nil
}

// failJob marks the root FAILED, keeping whatever progress it reached.
func (s *JobService) failJob(rootID, text string) {
	progress := 0.0
	if cur, err := s.tasks.Get(rootID); err == nil {
		progress = cur.Progress
	}
	if err := s.tasks.UpdateStatus(rootID, models.FailedTaskStatus, progress, text); err != nil {
		s.logger.Errorf("mark job %s failed: %v", rootID, err)
	}
}

func (s *JobService) runFusionJob(ctx context.Context, root models.Task, req FusionRequest) {
	subType := models.SubTaskType(JobTypeFusion)
	if err := s.tasks.UpdateStatus(root.TaskID, models.ProcessingTaskStatus, 1, "creating sub-tasks"); err != nil {
		s.logger.Errorf("start job %s: %v", root.TaskID, err)
		return
	}
	if n, err := s.tasks.DeletePending(subType); err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("clear stale sub-tasks: %v", err))
		return
	} else if n > 0 {
		s.logger.Infof("cleared %d stale pending sub-tasks", n)
	}

	doneUnits, err := s.completedFusionUnits(subType)
	if err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("load completed history: %v", err))
		return
	}

	worker := NewFusionWorker(s.store, s.tasks, s.cfg, s.logger)
	var units []Unit
	skipped := 0
	for _, element := range req.Elements {
		for year := req.StartYear; year <= req.EndYear; year++ {
			u := models.FusionUnit{Element: element, Year: year}
			if doneUnits[u] {
				skipped++
				continue
			}
			units = append(units, Unit{
				Name:   fmt.Sprintf("fuse %s %d", u.Element, u.Year),
				Params: models.Params{"element": u.Element, "year": u.Year},
				Run: func(ctx context.Context, taskID string) error {
					return worker.Run(ctx, taskID, u)
				},
			})
		}
	}
	if skipped > 0 {
		s.logger.Infof("job %s: %d units already completed in a prior run, skipping", root.TaskID, skipped)
	}

	res, err := s.dispatcher.Dispatch(ctx, root.TaskID, subType, units, req.Workers, fusionPhaseWeight)
	if err != nil {
		if IsCanceled(err) {
			s.failJob(root.TaskID, "job canceled by user")
			return
		}
		s.failJob(root.TaskID, fmt.Sprintf("dispatch failed: %v", err))
		return
	}

	importTask, err := s.tasks.Create("import fused records", subType,
		models.Params{"stage": "import"}, &root.TaskID)
	if err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("create import sub-task: %v", err))
		return
	}
	if err := s.tasks.UpdateStatus(importTask.TaskID, models.ProcessingTaskStatus, 0, "merging staged files"); err != nil {
		s.logger.Errorf("start import sub-task: %v", err)
	}

	importer := NewImporter(s.store, s.logger)
	stats, err := importer.Run(ctx, s.cfg.StagingDir, func(done, total int) {
		p := float64(done) / float64(total) * 100
		if err := s.tasks.UpdateStatus(importTask.TaskID, models.ProcessingTaskStatus, p,
			fmt.Sprintf("imported %d/%d years", done, total)); err != nil {
			s.logger.Errorf("update import progress: %v", err)
		}
		parent := fusionPhaseWeight + p*importPhaseWeight/100
		if err := s.tasks.UpdateStatus(root.TaskID, models.ProcessingTaskStatus, parent,
			fmt.Sprintf("imported %d/%d years", done, total)); err != nil {
			s.logger.Errorf("update job progress: %v", err)
		}
	})
	if err != nil {
		if IsCanceled(err) {
			if updErr := s.tasks.UpdateStatus(importTask.TaskID, models.CanceledTaskStatus, 0, "canceled by user"); updErr != nil {
				s.logger.Errorf("cancel import sub-task: %v", updErr)
			}
			s.failJob(root.TaskID, "job canceled by user")
			return
		}
		if updErr := s.tasks.UpdateStatus(importTask.TaskID, models.FailedTaskStatus, 0, err.Error()); updErr != nil {
			s.logger.Errorf("fail import sub-task: %v", updErr)
		}
		s.failJob(root.TaskID, fmt.Sprintf("import failed, staged files preserved: %v", err))
		return
	}
	if err := s.tasks.UpdateStatus(importTask.TaskID, models.CompletedTaskStatus, 100,
		fmt.Sprintf("imported %d rows", stats.Rows)); err != nil {
		s.logger.Errorf("complete import sub-task: %v", err)
	}

	summary := fmt.Sprintf("fused %d rows across %d years; %d/%d units completed",
		stats.Rows, stats.Years, res.Completed, res.Total)
	if err := s.tasks.UpdateStatus(root.TaskID, models.CompletedTaskStatus, 100, summary); err != nil {
		s.logger.Errorf("complete job %s: %v", root.TaskID, err)
	}
	if err := os.RemoveAll(s.cfg.StagingDir); err != nil {
		s.logger.Warnf("remove staging dir %s: %v", s.cfg.StagingDir, err)
	}
}

// completedFusionUnits collects the (element, year) units that completed in
// any historical run, so a resubmitted job skips them.
func (s *JobService) completedFusionUnits(subType string) (map[models.FusionUnit]bool, error) {
	history, err := s.tasks.ListByTypeAndStatus(subType, models.CompletedTaskStatus)
	if err != nil {
		return nil, err
	}
	done := make(map[models.FusionUnit]bool, len(history))
	for _, t := range history {
		element := t.Params.String("element")
		year, ok := t.Params.Int("year")
		if element == "" || !ok {
			continue
		}
		done[models.FusionUnit{Element: element, Year: year}] = true
	}
	return done, nil
}

// SubmitCorrectionJob validates and enqueues a correction job, returning its
// PENDING root task immediately.
func (s *JobService) SubmitCorrectionJob(req CorrectionRequest) (models.Task, error) {
	ec, err := s.cfg.Element(req.Element)
	if err != nil {
		return models.Task{}, Validationf("%v", err)
	}
	if req.StartYear <= 0 || req.EndYear < req.StartYear {
		return models.Task{}, Validationf("invalid year range %d..%d", req.StartYear, req.EndYear)
	}
	for _, m := range req.Months {
		if m < 1 || m > 12 {
			return models.Task{}, Validationf("invalid month %d", m)
		}
	}
	if req.ModelPath == "" {
		req.ModelPath = fmt.Sprintf("%s/%s.json", s.cfg.ModelsDir, req.Element)
	}
	if err := s.rejectConcurrent(JobTypeCorrection); err != nil {
		return models.Task{}, err
	}

	name := fmt.Sprintf("correct %s %d-%d", req.Element, req.StartYear, req.EndYear)
	root, err := s.tasks.Create(name, JobTypeCorrection, models.Params{
		"element":    req.Element,
		"start_year": req.StartYear,
		"end_year":   req.EndYear,
		"model_path": req.ModelPath,
		"workers":    req.Workers,
	}, nil)
	if err != nil {
		return models.Task{}, err
	}

	ctx, err := s.registry.Register(root.TaskID)
	if err != nil {
		s.failJob(root.TaskID, err.Error())
		return models.Task{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.Unregister(root.TaskID)
		s.runCorrectionJob(ctx, root, req, ec)
	}()
	return root, nil
}

func (s *JobService) runCorrectionJob(ctx context.Context, root models.Task, req CorrectionRequest, ec config.ElementConfig) {
	if err := s.tasks.UpdateStatus(root.TaskID, models.ProcessingTaskStatus, 1, "loading model and terrain"); err != nil {
		s.logger.Errorf("start job %s: %v", root.TaskID, err)
		return
	}

	m, err := model.Load(req.ModelPath)
	if err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("load model: %v", err))
		return
	}
	terrain, err := grid.ReadTerrain(s.cfg.TerrainPath)
	if err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("load terrain: %v", err))
		return
	}

	files, err := grid.FilesForYears(s.cfg.GridDataDir, ec.GridVar, req.StartYear, req.EndYear, req.Months)
	if err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("list grid files: %v", err))
		return
	}
	if len(files) == 0 {
		s.failJob(root.TaskID, fmt.Sprintf("no %s grid files in %d-%d", ec.GridVar, req.StartYear, req.EndYear))
		return
	}

	subType := models.SubTaskType(JobTypeCorrection)
	if n, err := s.tasks.DeletePending(subType); err != nil {
		s.failJob(root.TaskID, fmt.Sprintf("clear stale sub-tasks: %v", err))
		return
	} else if n > 0 {
		s.logger.Infof("cleared %d stale pending sub-tasks", n)
	}

	corrector := NewBlockCorrector(s.tasks, s.cfg, m, terrain, s.logger)
	units := make([]Unit, 0, len(files))
	for _, file := range files {
		ts, err := grid.ParseTimestamp(file)
		if err != nil {
			s.logger.Warnf("skipping unparsable grid file %s: %v", file, err)
			continue
		}
		u := models.CorrectionUnit{
			Element:   req.Element,
			FilePath:  file,
			Timestamp: ts,
			LagFiles:  s.lagFiles(ec, ts),
		}
		units = append(units, Unit{
			Name:   fmt.Sprintf("correct %s", grid.FileName(ec.GridVar, ts)),
			Params: models.Params{"element": u.Element, "file": u.FilePath},
			Run: func(ctx context.Context, taskID string) error {
				return corrector.Run(ctx, taskID, u)
			},
		})
	}

	res, err := s.dispatcher.Dispatch(ctx, root.TaskID, subType, units, req.Workers, correctionPhaseWeight)
	if err != nil {
		if IsCanceled(err) {
			s.failJob(root.TaskID, "job canceled by user")
			return
		}
		s.failJob(root.TaskID, fmt.Sprintf("dispatch failed: %v", err))
		return
	}

	summary := fmt.Sprintf("corrected %d/%d files (%d failed)", res.Completed, res.Total, res.Failed)
	if err := s.tasks.UpdateStatus(root.TaskID, models.CompletedTaskStatus, 100, summary); err != nil {
		s.logger.Errorf("complete job %s: %v", root.TaskID, err)
	}
}

// lagFiles resolves the sibling files holding each configured lag value.
// A file that does not exist maps to "", which downstream turns into a null
// feature.
func (s *JobService) lagFiles(ec config.ElementConfig, ts time.Time) map[int]string {
	out := make(map[int]string, len(ec.Lags))
	for _, lag := range ec.Lags {
		path := grid.FilePath(s.cfg.GridDataDir, ec.GridVar, ts.Add(-time.Duration(lag)*time.Hour))
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
		out[lag] = path
	}
	return out
}

// Cancel requests cooperative cancellation of a running root job. For a
// PROCESSING job with no live goroutine (a previous process crashed), the
// ledger is reconciled directly.
func (s *JobService) Cancel(jobID string) error {
	t, err := s.tasks.Get(jobID)
	if err != nil {
		return err
	}
	if t.ParentID != nil {
		return Validationf("task %s is not a root job", jobID)
	}
	if t.Status.IsTerminal() {
		return errors.Wrapf(ErrJobFinished, "job %s is %s", jobID, t.Status)
	}
	if s.registry.Cancel(jobID) {
		s.logger.Infof("cancellation requested for job %s", jobID)
		return nil
	}
	// Stale ledger row, no goroutine to honor the signal.
	if _, err := s.tasks.CancelChildren(jobID, "canceled by user"); err != nil {
		return err
	}
	return s.tasks.UpdateStatus(jobID, models.FailedTaskStatus, t.Progress, "job canceled by user")
}

// GetJob returns one root job's ledger row.
func (s *JobService) GetJob(jobID string) (models.Task, error) {
	return s.tasks.Get(jobID)
}

// GetJobDetails returns a job with its sub-tasks, sorted for display.
func (s *JobService) GetJobDetails(jobID string) (JobDetails, error) {
	job, err := s.tasks.Get(jobID)
	if err != nil {
		return JobDetails{}, err
	}
	children, err := s.tasks.ListChildren(jobID)
	if err != nil {
		return JobDetails{}, err
	}
	return JobDetails{Job: job, Children: children}, nil
}

// ListJobs pages through root jobs, most recent first.
func (s *JobService) ListJobs(limit, offset int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.tasks.ListRoots(limit, offset)
}

// ListTasks filters the ledger by type and status.
func (s *JobService) ListTasks(taskType string, status models.TaskStatus) ([]models.Task, error) {
	return s.tasks.ListByTypeAndStatus(taskType, status)
}
