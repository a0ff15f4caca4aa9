package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/pipeline"
	"github.com/kozaktomas/faceid/internal/store"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ProcessJob tracks one background processing run.
type ProcessJob struct {
	mu     sync.Mutex
	cancel context.CancelFunc

	ID        string           `json:"id"`
	Status    JobStatus        `json:"status"`
	Directory string           `json:"directory"`
	Total     int              `json:"total"`
	Done      int              `json:"done"`
	Summary   pipeline.Summary `json:"summary"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

func (j *ProcessJob) snapshot() ProcessJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ProcessJob{
		ID:        j.ID,
		Status:    j.Status,
		Directory: j.Directory,
		Total:     j.Total,
		Done:      j.Done,
		Summary:   j.Summary,
		Error:     j.Error,
		StartedAt: j.StartedAt,
	}
}

// JobManager tracks processing jobs. Only one job runs at a time: the
// pipeline holds the database lock and a second run would just block on it.
type JobManager struct {
	mu     sync.Mutex
	jobs   map[string]*ProcessJob
	active *ProcessJob
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*ProcessJob)}
}

// Get returns a job by ID, nil if unknown.
func (m *JobManager) Get(id string) *ProcessJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

func (m *JobManager) tryStart(job *ProcessJob) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		status := m.active.snapshot().Status
		if status == JobStatusPending || status == JobStatusRunning {
			return false
		}
	}
	m.jobs[job.ID] = job
	m.active = job
	return true
}

// ProcessHandler runs the face pipeline over a directory in the background.
type ProcessHandler struct {
	cfg     *config.Config
	svc     *store.Service
	backend backend.Backend
	jobs    *JobManager
	log     zerolog.Logger
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(cfg *config.Config, svc *store.Service, b backend.Backend, jobs *JobManager, log zerolog.Logger) *ProcessHandler {
	return &ProcessHandler{cfg: cfg, svc: svc, backend: b, jobs: jobs, log: log}
}

// ProcessRequest starts a processing run.
type ProcessRequest struct {
	Directory string `json:"directory"`
	Limit     int    `json:"limit"`
}

// imageExtensions are the file types the pipeline will pick up.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true,
}

// listImages returns unprocessed images under dir, sorted by name.
func listImages(dir string, db *store.Database, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if db.IsProcessed(path, store.FileHash(path)) {
			continue
		}
		images = append(images, path)
	}
	sort.Strings(images)

	if limit > 0 && len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

// Start launches a background processing job over a directory.
func (h *ProcessHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Directory == "" {
		respondError(w, http.StatusBadRequest, "directory is required")
		return
	}

	db, err := h.svc.Database()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load database")
		return
	}

	images, err := listImages(req.Directory, db, req.Limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "cannot read directory")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &ProcessJob{
		ID:        uuid.New().String(),
		Status:    JobStatusPending,
		Directory: req.Directory,
		Total:     len(images),
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	if !h.jobs.tryStart(job) {
		cancel()
		respondError(w, http.StatusConflict, "a processing job is already running")
		return
	}

	go h.run(ctx, job, images)

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"total":  len(images),
		"status": string(JobStatusPending),
	})
}

func (h *ProcessHandler) run(ctx context.Context, job *ProcessJob, images []string) {
	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()

	runner := pipeline.NewRunner(h.svc, h.backend, h.cfg, nil, h.log)
	runner.OnImageDone = func(path string, phase pipeline.Phase) {
		job.mu.Lock()
		job.Done++
		job.mu.Unlock()
	}

	summary, err := runner.Run(ctx, images)

	job.mu.Lock()
	defer job.mu.Unlock()
	job.Summary = summary
	switch {
	case ctx.Err() != nil:
		job.Status = JobStatusCancelled
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = JobStatusCompleted
	}
}

// Status reports the state of a processing job.
func (h *ProcessHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job := h.jobs.Get(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.snapshot())
}

// Cancel stops a running job.
func (h *ProcessHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job := h.jobs.Get(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	job.mu.Lock()
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
