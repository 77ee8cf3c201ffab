// Package queue implements the durable, priority-ordered job queue that
// backs all background work in the platform. Jobs are persisted in Redis:
// one sorted set per status keyed by a composite priority+enqueue-time
// score, plus a hash per job holding the full record. Lifecycle events
// are published on an in-process broadcast channel for observers
// (metrics, logging, real-time).
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType tags a job with the handler that processes it.
type JobType string

const (
	TypeParquetExport     JobType = "parquet-export"
	TypePipelineExecution JobType = "pipeline-execution"
	TypeDataSync          JobType = "data-sync"
	TypeReport            JobType = "report"
	TypeCacheRefresh      JobType = "cache-refresh"
	TypeIndex             JobType = "index"
	TypeUpload            JobType = "upload"
	TypeCleanup           JobType = "cleanup"
	TypeBackup            JobType = "backup"
	TypeNotify            JobType = "notify"
)

// knownTypes is the set of job types the queue accepts.
var knownTypes = map[JobType]bool{
	TypeParquetExport:     true,
	TypePipelineExecution: true,
	TypeDataSync:          true,
	TypeReport:            true,
	TypeCacheRefresh:      true,
	TypeIndex:             true,
	TypeUpload:            true,
	TypeCleanup:           true,
	TypeBackup:            true,
	TypeNotify:            true,
}

// ValidType reports whether t is a recognised job type.
func ValidType(t JobType) bool {
	return knownTypes[t]
}

// Priority orders jobs within the pending set. Higher priorities are
// always claimed before lower ones; enqueue time breaks ties.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
)

// priorityRank maps priorities to their ordering rank; higher rank means
// claimed earlier.
var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
	PriorityUrgent:   4,
}

// maxRank is the highest priority rank.
const maxRank = 4

// priorityBand separates priority tiers in the composite score. It must
// exceed any plausible elapsed milliseconds between the first and last
// enqueue within one tier.
const priorityBand = float64(1 << 42) // ~139 years in millis

// ValidPriority reports whether p is a recognised priority.
func ValidPriority(p Priority) bool {
	_, ok := priorityRank[p]
	return ok
}

// Score computes the composite pending-set score for a priority and an
// enqueue time. Lower scores are claimed first: the highest priority maps
// to band 0, and within a band earlier enqueue times sort first.
func Score(p Priority, enqueuedAt time.Time) float64 {
	rank, ok := priorityRank[p]
	if !ok {
		rank = priorityRank[PriorityNormal]
	}
	return float64(maxRank-rank)*priorityBand + float64(enqueuedAt.UnixMilli())
}

// Status is the lifecycle state of a job. A job has exactly one active
// status at any time.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
	StatusPaused    Status = "paused"
)

// Terminal reports whether s is a terminal status. Terminal statuses are
// never overwritten; re-running a job means enqueueing a new one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobError records why a job execution failed.
type JobError struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata carries caller-supplied bookkeeping for a job.
type Metadata struct {
	CreatedBy         string   `json:"created_by,omitempty"`
	ParentID          string   `json:"parent_id,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
}

// Job is a unit of background work. The payload is an untyped attribute
// bag at the queue boundary; workers decode it into a typed variant per
// job type.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    Priority               `json:"priority"`
	Status      Status                 `json:"status"`
	Progress    int                    `json:"progress"`
	RetryCount  int                    `json:"retry_count"`
	RetryMax    int                    `json:"retry_max"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       *JobError              `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Metadata    Metadata               `json:"metadata,omitempty"`
}

// Options configure enqueueing.
type Options struct {
	Priority Priority
	RetryMax int
	Metadata Metadata
	// Delay postpones the job's position in the pending set.
	Delay time.Duration
}

// Update is a partial change applied to a stored job. Nil fields are
// left untouched.
type Update struct {
	Status      *Status
	Progress    *int
	RetryCount  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *JobError
	Result      map[string]interface{}
}

// Stats reports per-status counters plus the dead-letter depth.
type Stats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
}

// Total is the sum over the live status sets.
func (s Stats) Total() int64 {
	return s.Pending + s.Running + s.Completed + s.Failed
}

// marshalJob encodes a job for the per-job Redis hash.
func marshalJob(job *Job) (map[string]interface{}, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return map[string]interface{}{
		"data":   string(data),
		"status": string(job.Status),
		"type":   string(job.Type),
	}, nil
}

// unmarshalJob decodes a job from its Redis hash fields.
func unmarshalJob(fields map[string]string) (*Job, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("job hash missing data field")
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
