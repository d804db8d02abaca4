package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/image-downloader/pkg/models"
)

// JobStatus represents the current state of a download job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job represents a background download job
type Job struct {
	ID           string          `json:"id"`
	CaptionsFile string          `json:"captions_file"`
	OutputDir    string          `json:"output_dir"`
	ResultFile   string          `json:"result_file"`
	Status       JobStatus       `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	Records      int             `json:"records"`
	Counters     models.Counters `json:"counters"`
	Skipped      int             `json:"skipped"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// Internal fields
	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager manages background download jobs. At most one active job may write to a given output directory.
type JobManager struct {
	jobs     map[string]*Job
	mu       sync.RWMutex
	byOutput map[string]string // outputDir -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[string]*Job),
		byOutput: make(map[string]string),
	}
}

// CreateJob registers a new job. If a job is already active for outputDir that job is
// returned with created=false.
func (m *JobManager) CreateJob(captionsFile, outputDir, resultFile string) (job Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, exists := m.byOutput[outputDir]; exists {
		if existing := m.jobs[existingID]; existing != nil && existing.Status.active() {
			return *existing, false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:           uuid.New().String(),
		CaptionsFile: captionsFile,
		OutputDir:    outputDir,
		ResultFile:   resultFile,
		Status:       JobStatusPending,
		StartedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.jobs[j.ID] = j
	m.byOutput[outputDir] = j.ID
	return *j, true
}

// GetJob returns a snapshot of a job by ID
func (m *JobManager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, exists := m.jobs[jobID]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// UpdateStatus updates the status of a job. A cancelled job stays cancelled.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if !status.active() {
		job.CompletedAt = time.Now()
		delete(m.byOutput, job.OutputDir)
		job.cancel()
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// SetRecords stores the input record count once the captions file is loaded
func (m *JobManager) SetRecords(jobID string, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Records = records
	}
}

// UpdateProgress stores the latest counter snapshot of a job
func (m *JobManager) UpdateProgress(jobID string, counters models.Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Counters = counters
	}
}

// Finish records the final summary of a job
func (m *JobManager) Finish(jobID string, summary models.RunSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Counters = summary.Counters
		job.Skipped = summary.Skipped
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.Status.active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.byOutput, job.OutputDir)
		return true
	}
	return false
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byOutput = make(map[string]string)
}

// ListJobs returns snapshots of all jobs
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// GetContext returns the context for a job (for running the download)
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}

// jobReporter feeds dispatcher progress into the job manager
type jobReporter struct {
	jobs  *JobManager
	jobID string
}

func (r jobReporter) OnTaskComplete(counters models.Counters) error {
	r.jobs.UpdateProgress(r.jobID, counters)
	return nil
}
