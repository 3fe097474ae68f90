// Package task holds the Task Record and the pools it moves between.
//
// Nothing in this package is safe for concurrent use: the pools are owned by
// a single event loop, which is the only code allowed to mutate them.
package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusUploading  Status = "uploading"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusCanceled   Status = "canceled"
	StatusCleanup    Status = "cleanup"
	StatusCleaningUp Status = "cleaning-up"
)

type JobType string

const (
	JobTypeUnknown JobType = "unknown"
	JobTypeSync    JobType = "sync"
	JobTypeAsync   JobType = "async"
)

type DownloadStatus string

const (
	DownloadWaiting    DownloadStatus = "waiting"
	DownloadInProgress DownloadStatus = "in-progress"
	DownloadDone       DownloadStatus = "downloaded"
)

// Task is one job assigned by the controller.
type Task struct {
	JobID        string
	JobDirectory string // handler family
	Status       Status
	JobType      JobType
	Percentage   int
	Timeout      time.Time // deadline, never changed after creation

	DownloadStatus DownloadStatus
	PayloadURL     string
	PayloadBody    json.RawMessage

	DownloadRetries int
	Retries         int // upload or error report attempts
	CleanupRetries  int

	ReceivedAt      time.Time
	DownloadedAt    time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	ErrorDetectedAt time.Time
	CheckedStatusAt time.Time

	LastDownloadAt time.Time
	LastUploadAt   time.Time
	LastCleanupAt  time.Time
	LastUpdateAt   time.Time

	Code int // error code, meaningful in the error pool
	Info string

	// supervised processes and controller calls in flight
	StartRunning       bool
	StatusCheckRunning bool
	CancelRunning      bool
	Reporting          bool

	CanceledBy string // set once the cancel script accepted the request
}

// New returns a pending task waiting for its payload.
func New(jobID, family string, deadline, now time.Time) *Task {
	return &Task{
		JobID:          jobID,
		JobDirectory:   family,
		Status:         StatusPending,
		JobType:        JobTypeUnknown,
		Timeout:        deadline,
		DownloadStatus: DownloadWaiting,
		ReceivedAt:     now,
	}
}

// Expired reports whether the deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Timeout.IsZero() && !now.Before(t.Timeout)
}

// Remaining is the time left until the deadline.
func (t *Task) Remaining(now time.Time) time.Duration {
	return t.Timeout.Sub(now)
}

// Busy reports whether a supervised process is running on behalf of the task.
func (t *Task) Busy() bool {
	return t.StartRunning || t.StatusCheckRunning || t.CancelRunning
}

// Fail turns the task into an error pool entry.
func (t *Task) Fail(status Status, code int, info string, now time.Time) {
	t.Status = status
	t.Code = code
	t.Info = info
	t.ErrorDetectedAt = now
	t.Retries = 0
	t.LastUpdateAt = time.Time{}
	t.Reporting = false
}
