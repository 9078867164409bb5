package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/log"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/models"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/service"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/storage"
)

// NewHandler wires the job API routes.
func NewHandler(jobs *service.JobService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("POST /jobs", submitJobHTTP(jobs))
	mux.HandleFunc("GET /jobs", listJobsHTTP(jobs))
	mux.HandleFunc("GET /jobs/{id}", getJobHTTP(jobs))
	mux.HandleFunc("GET /jobs/{id}/details", getJobDetailsHTTP(jobs))
	mux.HandleFunc("POST /jobs/{id}/cancel", cancelJobHTTP(jobs))
	mux.HandleFunc("GET /tasks", listTasksHTTP(jobs))
	return mux
}

// StartServer runs the job API on the given port.
func StartServer(port string, jobs *service.JobService) error {
	log.GetLogger().Infof("Starting weathertool server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(jobs))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "weathertool server is running")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps service errors to HTTP statuses: bad input is 400, unknown
// IDs are 404, submitting over a running job or cancelling a finished one
// is 409.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrJobAlreadyRunning), errors.Is(err, service.ErrJobFinished):
		status = http.StatusConflict
	case service.KindOf(err) == service.KindValidation:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func submitJobHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			Type string `json:"type"`
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, service.Validationf("read request body: %v", err))
			return
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, service.Validationf("parse request body: %v", err))
			return
		}

		var job models.Task
		switch raw.Type {
		case service.JobTypeFusion:
			var req service.FusionRequest
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, service.Validationf("parse fusion request: %v", err))
				return
			}
			job, err = jobs.SubmitFusionJob(req)
		case service.JobTypeCorrection:
			var req service.CorrectionRequest
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, service.Validationf("parse correction request: %v", err))
				return
			}
			job, err = jobs.SubmitCorrectionJob(req)
		default:
			writeError(w, service.Validationf("unknown job type %q", raw.Type))
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func listJobsHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		list, err := jobs.ListJobs(limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func getJobHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.GetJob(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func getJobDetailsHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		details, err := jobs.GetJobDetails(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, details)
	}
}

func cancelJobHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := jobs.Cancel(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancellation requested"})
	}
}

func listTasksHTTP(jobs *service.JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskType := r.URL.Query().Get("type")
		status := r.URL.Query().Get("status")
		if taskType == "" || status == "" {
			writeError(w, service.Validationf("type and status query parameters are required"))
			return
		}
		list, err := jobs.ListTasks(taskType, models.TaskStatus(status))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
