package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/hic"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/models"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/pipeline"
	"github.com/DavidWarrenKatz/hypermatrix/pkg/store"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobFinished    = errors.New("job already finished")
	ErrInvalidRequest = errors.New("invalid batch request")
)

// StoreFactory opens the store rooted at a request's data path.
type StoreFactory func(base string) store.Store

// Options configures a JobService.
type Options struct {
	DataRoot        string // request paths must resolve under it; "" means "."
	MaxWorkers      int
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	Pipeline        pipeline.Options
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		DataRoot:        ".",
		MaxWorkers:      2,
		ResultTTL:       time.Hour,
		CleanupInterval: 5 * time.Minute,
		Pipeline:        pipeline.DefaultOptions(),
	}
}

// JobService runs batches in the background
type JobService struct {
	jobs            map[string]*models.Job
	cancels         map[string]context.CancelFunc
	workers         chan struct{}
	newStore        StoreFactory
	dataRoot        string
	pipelineOpts    pipeline.Options
	logger          zerolog.Logger
	mutex           sync.RWMutex
	jobTTL          time.Duration
	cleanupInterval time.Duration

	running   sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// NewJobService creates a job service and starts its cleanup loop.
func NewJobService(newStore StoreFactory, opts Options, logger zerolog.Logger) *JobService {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.DataRoot == "" {
		opts.DataRoot = "."
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	s := &JobService{
		jobs:            make(map[string]*models.Job),
		cancels:         make(map[string]context.CancelFunc),
		workers:         make(chan struct{}, opts.MaxWorkers),
		newStore:        newStore,
		dataRoot:        opts.DataRoot,
		pipelineOpts:    opts.Pipeline,
		logger:          logger.With().Str("component", "jobs").Logger(),
		jobTTL:          opts.ResultTTL,
		cleanupInterval: opts.CleanupInterval,
		stop:            make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Submit validates req and queues a new batch job
func (s *JobService) Submit(req models.BatchRequest) (*models.Job, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}
	base, err := s.resolvePath(req.Path)
	if err != nil {
		return nil, err
	}
	batch, err := hic.NewBatch(req.Resolutions, req.Chromosomes, req.DataTypes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	select {
	case <-s.stop:
		return nil, errors.New("job service is closed")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	job := &models.Job{
		ID:      uuid.New().String(),
		Request: req,
		Status:  models.JobStatusQueued,
		Progress: models.JobProgress{
			Percentage: 0,
			Message:    "Queued",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mutex.Lock()
	s.jobs[job.ID] = job
	s.cancels[job.ID] = cancel
	snapshot := *job
	s.mutex.Unlock()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("path", req.Path).
		Int("keys", batch.Size()).
		Msg("Job submitted")

	s.running.Add(1)
	go s.processJob(ctx, job.ID, base, batch)

	return &snapshot, nil
}

// Get returns a snapshot of the job with the given ID
func (s *JobService) Get(jobID string) (*models.Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	snapshot := *job
	return &snapshot, nil
}

// List returns snapshots of all jobs, oldest first
func (s *JobService) List() []models.Job {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	jobs := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel stops a queued or running job. Keys already processed keep their output.
func (s *JobService) Cancel(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status.Finished() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, job.Status)
	}

	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
	}
	job.Progress.Message = "Cancelling"
	job.UpdatedAt = time.Now()

	s.logger.Info().
		Str("job_id", jobID).
		Msg("Job cancellation requested")

	return nil
}

// Close cancels outstanding jobs, waits for them and stops the cleanup loop.
func (s *JobService) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)

		s.mutex.Lock()
		for _, cancel := range s.cancels {
			cancel()
		}
		s.mutex.Unlock()

		s.running.Wait()
	})
}

// processJob runs a batch once a worker slot is free
func (s *JobService) processJob(ctx context.Context, jobID, base string, batch hic.Batch) {
	defer s.running.Done()
	defer s.release(jobID)

	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-ctx.Done():
		s.finishJob(jobID, models.JobStatusCancelled, nil, ctx.Err())
		return
	}

	s.mutex.RLock()
	_, exists := s.jobs[jobID]
	s.mutex.RUnlock()

	if !exists {
		s.logger.Error().Str("job_id", jobID).Msg("Job not found during processing")
		return
	}

	startTime := time.Now()
	s.updateJobStatus(jobID, models.JobStatusRunning, 0, "Starting...", &startTime)

	logger := s.logger.With().Str("job_id", jobID).Logger()
	logger.Info().Str("path", base).Msg("Job processing started")

	driver := pipeline.NewDriver(s.newStore(base), s.pipelineOpts, logger).
		WithProgress(func(done, total int, outcome pipeline.Outcome) {
			s.updateJobStatus(jobID, models.JobStatusRunning, done*100/total,
				fmt.Sprintf("Processed %d of %d keys (%s)", done, total, outcome.Key), nil)
		})

	summary, err := driver.Run(ctx, batch)

	var result *models.JobResult
	if summary != nil {
		result = models.NewJobResult(summary)
	}

	switch {
	case ctx.Err() != nil:
		s.finishJob(jobID, models.JobStatusCancelled, result, ctx.Err())
	case err != nil:
		s.finishJob(jobID, models.JobStatusFailed, result, err)
	default:
		s.finishJob(jobID, models.JobStatusCompleted, result, nil)
	}
}

// resolvePath maps a request path onto the data root and returns it as a
// store base ending in a separator. Paths that leave the root are rejected.
func (s *JobService) resolvePath(path string) (string, error) {
	candidate := filepath.Join(s.dataRoot, path)
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	}

	absRoot, err := filepath.Abs(s.dataRoot)
	if err != nil {
		return "", fmt.Errorf("%w: data root: %w", ErrInvalidRequest, err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %w", ErrInvalidRequest, path, err)
	}
	rel, err := filepath.Rel(absRoot, absCandidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the data root", ErrInvalidRequest, path)
	}

	return candidate + string(filepath.Separator), nil
}

// updateJobStatus updates job progress
func (s *JobService) updateJobStatus(jobID string, status models.JobStatus, percentage int, message string, startTime *time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[jobID]
	if !exists || job.Status.Finished() {
		return
	}

	job.Status = status
	job.Progress.Percentage = percentage
	job.Progress.Message = message
	job.UpdatedAt = time.Now()
	if startTime != nil {
		job.StartedAt = startTime
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("percentage", percentage).
		Str("message", message).
		Msg("Job status updated")
}

// finishJob moves a job to a terminal status
func (s *JobService) finishJob(jobID string, status models.JobStatus, result *models.JobResult, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return
	}

	now := time.Now()
	job.Status = status
	job.Result = result
	job.CompletedAt = &now
	job.UpdatedAt = now

	switch status {
	case models.JobStatusCompleted:
		job.Progress.Percentage = 100
		job.Progress.Message = "Complete"
	case models.JobStatusCancelled:
		job.Progress.Message = "Cancelled"
	default:
		job.Progress.Message = "Failed"
	}
	if err != nil {
		job.Error = err.Error()
	}

	event := s.logger.Info()
	if status == models.JobStatusFailed {
		event = s.logger.Error().Err(err)
	}
	if result != nil {
		event = event.
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Int64("processing_time_ms", result.ProcessingTimeMS)
	}
	event.
		Str("job_id", jobID).
		Str("status", string(status)).
		Msg("Job finished")
}

func (s *JobService) release(jobID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		delete(s.cancels, jobID)
	}
}

// cleanupLoop periodically drops finished jobs
func (s *JobService) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stop:
			return
		}
	}
}

// cleanup removes finished jobs last updated before now minus the TTL
func (s *JobService) cleanup(now time.Time) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := now.Add(-s.jobTTL)
	cleaned := 0

	for jobID, job := range s.jobs {
		if job.Status.Finished() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, jobID)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Info().
			Int("cleaned_jobs", cleaned).
			Msg("Job cleanup completed")
	}
	return cleaned
}
