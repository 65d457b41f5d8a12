// Package types holds the message shapes shared across every queue and
// worker in the pipeline. Queue payloads are typed and serialized
// explicitly rather than passed around as untyped maps.
package types

import "time"

// Queue names recognized by the queue substrate.
const (
	QueueRaw      = "raw"
	QueueAligned  = "aligned"
	QueueRecorder = "recorder"
)

// JobStatus is the lifecycle state of a job as it moves through a queue.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDeferred  JobStatus = "deferred"
)

// Metadata carries the fields every job needs regardless of queue.
type Metadata struct {
	ScraperID   string `json:"scraper_id"`
	ContentHash string `json:"content_hash,omitempty"`
}

// KnownFields is the caller-asserted hint of which fields are already
// present in the source, used by the field validator's confidence
// deduction table (spec.md §4.C).
type KnownFields struct {
	TopLevel     []string `json:"top_level,omitempty"`
	Organization []string `json:"organization,omitempty"`
	Service      []string `json:"service,omitempty"`
	Location     []string `json:"location,omitempty"`
	Other        []string `json:"other,omitempty"`
}

// RawJob is the payload enqueued onto the raw queue by scraper
// orchestration (spec.md §4.H) and consumed by the LLM alignment worker.
type RawJob struct {
	Metadata    Metadata     `json:"metadata"`
	Content     string       `json:"content"`
	KnownFields *KnownFields `json:"known_fields,omitempty"`
}

// AlignedJob is the payload enqueued onto the aligned queue by the LLM
// alignment worker and consumed by the reconciler.
type AlignedJob struct {
	Metadata Metadata    `json:"metadata"`
	HSDS     HSDSPayload `json:"hsds"`
	Cached   bool        `json:"cached"`
}

// RecorderJob is the payload enqueued onto the recorder queue, mirroring
// every terminal job result for durable storage (spec.md §4.F).
type RecorderJob struct {
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	Metadata  Metadata  `json:"metadata"`
	Status    JobStatus `json:"status"`
	Result    JobResult `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResult is the terminal outcome of a job: either the raw LLM text and
// its parsed HSDS structure, or an error description.
type JobResult struct {
	Text   string       `json:"text,omitempty"`
	Parsed *HSDSPayload `json:"parsed,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Job is the queue substrate's internal envelope. Queue-specific payload
// types (RawJob/AlignedJob/RecorderJob) are carried as opaque bytes inside
// Payload and decoded by the consuming worker.
type Job struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata"`
	Status     JobStatus         `json:"status"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	Result     *JobResult        `json:"result,omitempty"`
}
