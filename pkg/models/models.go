package models

import (
	"time"

	"github.com/DavidWarrenKatz/hypermatrix/pkg/pipeline"
)

// Job represents a submitted batch run
type Job struct {
	ID          string       `json:"id"`
	Request     BatchRequest `json:"request"`
	Status      JobStatus    `json:"status"`
	Progress    JobProgress  `json:"progress"`
	Result      *JobResult   `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the job reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type JobProgress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// BatchRequest selects the keys of a batch run
type BatchRequest struct {
	Path        string   `json:"path"`
	Resolutions []string `json:"resolutions"`
	Chromosomes []string `json:"chromosomes"`
	DataTypes   []string `json:"dataTypes"`
}

// JobResult summarizes a finished batch
type JobResult struct {
	RunID            string       `json:"runId"`
	Total            int          `json:"total"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	Skipped          int          `json:"skipped"`
	ProcessingTimeMS int64        `json:"processingTimeMS"`
	Failures         []KeyFailure `json:"failures,omitempty"`
}

// KeyFailure describes one failed key
type KeyFailure struct {
	Resolution string   `json:"resolution"`
	Chromosome string   `json:"chromosome"`
	DataType   string   `json:"dataType"`
	Stage      string   `json:"stage"`
	Errors     []string `json:"errors"`
}

// NewJobResult converts a pipeline summary into its API form.
func NewJobResult(s *pipeline.Summary) *JobResult {
	result := &JobResult{
		RunID:            s.RunID,
		Total:            s.Total,
		Succeeded:        s.Succeeded,
		Failed:           s.Failed,
		Skipped:          s.Skipped,
		ProcessingTimeMS: s.Duration.Milliseconds(),
	}
	for _, o := range s.Outcomes {
		if !o.Failed() {
			continue
		}
		kf := KeyFailure{
			Resolution: string(o.Key.Resolution),
			Chromosome: string(o.Key.Chromosome),
			DataType:   string(o.Key.DataType),
			Stage:      string(o.Stage),
		}
		for _, err := range o.Errors() {
			kf.Errors = append(kf.Errors, err.Error())
		}
		result.Failures = append(result.Failures, kf)
	}
	return result
}

// API Response types
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type BatchResponse struct {
	JobID string `json:"jobId"`
	Job   Job    `json:"job"`
}
